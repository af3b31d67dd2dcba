// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
	"github.com/openexch/matchengine/dex"
	"github.com/openexch/matchengine/dex/ws"
	"github.com/openexch/matchengine/server/admin"
	"github.com/openexch/matchengine/server/balance"
	"github.com/openexch/matchengine/server/book"
	"github.com/openexch/matchengine/server/comms"
	"github.com/openexch/matchengine/server/db"
	"github.com/openexch/matchengine/server/db/driver/pg"
	dexsrv "github.com/openexch/matchengine/server/dex"
	"github.com/openexch/matchengine/server/engine"
	"github.com/openexch/matchengine/server/market"
	"github.com/openexch/matchengine/server/matcher"
	"github.com/openexch/matchengine/server/msgbus"
	"github.com/openexch/matchengine/server/snapshot"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator. The subsystem backend and
// the LoggerMaker backend both write through it, so writes are serialized.
type logWriter struct{}

var logMtx sync.Mutex

// Write writes the data in p to standard out and the log rotator.
func (logWriter) Write(p []byte) (n int, err error) {
	logMtx.Lock()
	defer logMtx.Unlock()
	os.Stdout.Write(p)
	if logRotator == nil {
		return len(p), nil
	}
	return logRotator.Write(p)
}

// Loggers per subsystem. A single backend logger is created and all subsystem
// loggers created from it will write to the backend. When adding new
// subsystems, define it in the subsystemLoggers map.
//
// Loggers should not be used before the log rotator has been initialized with a
// log file. This must be performed early during application startup by calling
// initLogRotator.
var (
	// backendLog is the logging backend used to create all subsystem loggers.
	backendLog = slog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs. Use initLogRotator to set it.
	// It should be closed on application shutdown.
	logRotator *rotator.Rotator

	// package main's Logger.
	log = backendLog.Logger("MAIN")

	// subsystemLoggers maps each subsystem identifier to its associated logger.
	subsystemLoggers = map[string]slog.Logger{
		"MAIN": log,
		"ENG":  backendLog.Logger("ENG"),
		"BOOK": backendLog.Logger("BOOK"),
		"MTCH": backendLog.Logger("MTCH"),
		"MKT":  backendLog.Logger("MKT"),
		"BAL":  backendLog.Logger("BAL"),
		"DB":   backendLog.Logger("DB"),
		"MSGB": backendLog.Logger("MSGB"),
		"SNAP": backendLog.Logger("SNAP"),
		"COMM": backendLog.Logger("COMM"),
		"ADMN": backendLog.Logger("ADMN"),
	}
)

func init() {
	dexsrv.UseLogger(log)
	engine.UseLogger(subsystemLoggers["ENG"])
	book.UseLogger(subsystemLoggers["BOOK"])
	matcher.UseLogger(subsystemLoggers["MTCH"])
	market.UseLogger(subsystemLoggers["MKT"])
	balance.UseLogger(subsystemLoggers["BAL"])
	db.UseLogger(subsystemLoggers["DB"])
	pg.UseLogger(subsystemLoggers["DB"])
	msgbus.UseLogger(subsystemLoggers["MSGB"])
	snapshot.UseLogger(subsystemLoggers["SNAP"])
	comms.UseLogger(subsystemLoggers["COMM"])
	ws.UseLogger(subsystemLoggers["COMM"])
	admin.UseLogger(subsystemLoggers["ADMN"])
}

// initLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotater variables are used.
func initLogRotator(logFile string, maxRolls int) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	logRotator, err = rotator.New(logFile, 32*1024, false, maxRolls)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}
}

// setLogLevel sets the logging level for provided subsystem. Invalid
// subsystems are ignored. Uninitialized subsystems are dynamically created as
// needed.
func setLogLevel(subsystemID string, logLevel slog.Level) {
	// Ignore invalid subsystems.
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}
	logger.SetLevel(logLevel)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.
func setLogLevels(logLevel slog.Level) {
	// Configure all sub-systems with the new logging level.
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}

// newLoggerMaker parses the debug level string and applies the levels to the
// subsystem loggers. The returned LoggerMaker creates the loggers of
// sub-components, such as the queue watchdog, on the same backend.
func newLoggerMaker(debugLevel string) (*dex.LoggerMaker, error) {
	lm, err := dex.NewLoggerMaker(logWriter{}, debugLevel)
	if err != nil {
		return nil, err
	}
	setLogLevels(lm.DefaultLevel)
	for subsysID, lvl := range lm.Levels {
		if _, exists := subsystemLoggers[subsysID]; !exists {
			return nil, fmt.Errorf("the specified subsystem [%v] is invalid -- "+
				"supported subsystems %v", subsysID, supportedSubsystems())
		}
		setLogLevel(subsysID, lvl)
	}
	return lm, nil
}
