// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// validatemarkets checks a markets configuration file the way the engine
// does at startup.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/openexch/matchengine/dex"
	dexsrv "github.com/openexch/matchengine/server/dex"
)

const (
	defaultMarketsConfFilename = "markets.json"
)

var (
	defaultAppDataDir = dcrutil.AppDataDir("matchengine", false)
	defaultConfigPath = filepath.Join(defaultAppDataDir, defaultMarketsConfFilename)
)

func main() {
	if err := mainErr(); err != nil {
		fmt.Fprint(os.Stderr, err, "\n")
		os.Exit(1)
	}
	os.Exit(0)
}

func mainErr() error {
	var cfgPath string
	var debug bool
	flag.BoolVar(&debug, "debug", false, "extra logging")
	flag.StringVar(&cfgPath, "path", defaultConfigPath, "path to configuration file")
	flag.Parse()

	logLvl := dex.LevelInfo
	if debug {
		logLvl = dex.LevelDebug
	}
	log := dex.StdOutLogger("MS", logLvl)
	dexsrv.UseLogger(log)

	return dexsrv.ValidateConfigFile(dex.CleanAndExpandPath(cfgPath), log)
}
