// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package dex creates the engine and its storage, output and RPC subsystems,
// and controls their lifetime.
package dex

import (
	"context"
	"fmt"
	"time"

	"github.com/openexch/matchengine/dex"
	"github.com/openexch/matchengine/dex/order"
	"github.com/openexch/matchengine/server/asset"
	"github.com/openexch/matchengine/server/comms"
	"github.com/openexch/matchengine/server/db"
	"github.com/openexch/matchengine/server/db/driver/pg"
	"github.com/openexch/matchengine/server/engine"
	"github.com/openexch/matchengine/server/market"
	"github.com/openexch/matchengine/server/msgbus"
	"github.com/openexch/matchengine/server/snapshot"
)

const (
	watchdogInterval = time.Second
	stallAfter       = 30 * time.Second
)

// DBConf groups the history database configuration parameters.
type DBConf struct {
	DBName       string
	User         string
	Pass         string
	Host         string
	Port         uint16
	ShowPGConfig bool
}

// RPCConfig is an alias for the comms Server's RPC config struct.
type RPCConfig = comms.RPCConfig

// DexConf is the configuration data required to create a new DEX.
type DexConf struct {
	LogBackend *dex.LoggerMaker
	Assets     []*asset.Asset
	Markets    []*market.Config
	// DBConf is the history database. Nil runs without a history.
	DBConf *DBConf
	// KafkaBrokers are the message bus brokers. None runs without messages.
	KafkaBrokers []string
	// SnapshotPath is the bbolt file of the operation log and snapshots.
	SnapshotPath    string
	PersistInterval time.Duration
	SliceKeep       int
	CacheTimeout    time.Duration
	CacheSize       uint
	FatalPolicy     engine.FatalPolicy
	// Halt is called when the engine halts after an invariant violation.
	Halt     func()
	CommsCfg *RPCConfig
}

type subsystem struct {
	*dex.StartStopWaiter
	name string
}

// DEX is the engine manager, which creates and controls the lifetime of all
// components of the matching engine.
type DEX struct {
	engine      *engine.Engine
	store       *snapshot.Store
	archiver    db.Archiver
	bus         *msgbus.Bus
	server      *comms.Server
	stopWaiters []subsystem
}

// NewDEX creates the engine manager and starts all subsystems. Use Stop to
// shutdown cleanly.
//  1. Open the operation log and snapshot store.
//  2. Connect the history archiver.
//  3. Create the message bus.
//  4. Create the engine and recover its state.
//  5. Create and start the comms server.
//  6. Start the queue watchdog.
//
// Subsystems are stopped in the reverse order, so the engine's final
// snapshot and output are written before the store and sinks stop.
func NewDEX(ctx context.Context, cfg *DexConf) (*DEX, error) {
	// Startup is unwound in reverse if any step fails.
	errCloser := dex.NewErrorCloser()
	defer errCloser.Done(log)

	var stopWaiters []subsystem
	startSubSys := func(name string, r dex.Runner) {
		ssw := dex.NewStartStopWaiter(r)
		ssw.Start(context.Background())
		stopWaiters = append([]subsystem{{ssw, name}}, stopWaiters...)
		errCloser.Add(func() error {
			ssw.Stop()
			ssw.WaitForShutdown()
			return nil
		})
	}

	store, err := snapshot.Open(&snapshot.Config{
		Path:      cfg.SnapshotPath,
		SliceKeep: cfg.SliceKeep,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}
	errCloser.Add(store.Close)
	log.Infof("Engine instance %s, last operation %d", store.Instance(), store.LastOperlogID())

	engineCfg := &engine.Config{
		Assets:          cfg.Assets,
		Markets:         cfg.Markets,
		Store:           store,
		CacheTimeout:    cfg.CacheTimeout,
		CacheSize:       cfg.CacheSize,
		PersistInterval: cfg.PersistInterval,
		FatalPolicy:     cfg.FatalPolicy,
		Halt:            cfg.Halt,
	}
	queues := map[string]Queue{"operlog": store}

	var archiver db.Archiver
	if cfg.DBConf != nil {
		archiver, err = db.Open(ctx, "pg", &pg.Config{
			Host:         cfg.DBConf.Host,
			Port:         fmt.Sprint(cfg.DBConf.Port),
			User:         cfg.DBConf.User,
			Pass:         cfg.DBConf.Pass,
			DBName:       cfg.DBConf.DBName,
			HidePGConfig: !cfg.DBConf.ShowPGConfig,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect the history database: %w", err)
		}
		errCloser.Add(archiver.Close)
		engineCfg.History = archiver
		queues["history"] = archiver
	} else {
		log.Warnf("Running without a history database")
	}

	var bus *msgbus.Bus
	if len(cfg.KafkaBrokers) > 0 {
		precs := make(map[string]order.Precision, len(cfg.Markets))
		for _, mkt := range cfg.Markets {
			precs[mkt.Name] = mkt.Precision()
		}
		busCfg := &msgbus.Config{Instance: store.Instance(), Precisions: precs}
		bus = msgbus.New(busCfg, msgbus.NewKafkaWriter(cfg.KafkaBrokers))
		engineCfg.Messages = bus
		queues["messages"] = bus
	} else {
		log.Warnf("Running without a message bus")
	}

	eng, err := engine.New(engineCfg)
	if err != nil {
		return nil, fmt.Errorf("invalid engine configuration: %w", err)
	}
	// Recovery writes nothing, so the sinks can start afterwards.
	if err = eng.Recover(); err != nil {
		return nil, err
	}

	startSubSys("Snapshot store", store)
	if archiver != nil {
		startSubSys("History archiver", archiver)
	}
	if bus != nil {
		startSubSys("Message bus", bus)
	}
	startSubSys("Engine", eng)

	commsCfg := *cfg.CommsCfg
	commsCfg.Engine = eng
	server, err := comms.NewServer(&commsCfg)
	if err != nil {
		return nil, fmt.Errorf("NewServer failed: %w", err)
	}
	startSubSys("Comms Server", server)

	wdLogger := log
	if cfg.LogBackend != nil {
		wdLogger = cfg.LogBackend.SubLogger("MAIN", "watchdog")
	}
	startSubSys("Queue watchdog", NewQueueWatchdog(&QueueWatchdogConfig{
		Logger:     wdLogger,
		Queues:     queues,
		Interval:   watchdogInterval,
		StallAfter: stallAfter,
	}))

	errCloser.Success()
	return &DEX{
		engine:      eng,
		store:       store,
		archiver:    archiver,
		bus:         bus,
		server:      server,
		stopWaiters: stopWaiters,
	}, nil
}

// Stop shuts down the engine manager. Stop returns only after all components
// have completed their shutdown.
func (dm *DEX) Stop() {
	log.Infof("Stopping subsystems...")
	for _, ssw := range dm.stopWaiters {
		ssw.Stop()
		ssw.WaitForShutdown()
		log.Infof("%s shutdown.", ssw.name)
	}
	if dm.archiver != nil {
		if err := dm.archiver.Close(); err != nil {
			log.Errorf("Archiver.Close: %v", err)
		}
	}
	// The store closes itself when its Run returns.
}

// Status reports the engine's counters and queue states.
func (dm *DEX) Status(ctx context.Context) (*engine.Status, error) {
	return dm.engine.Status(ctx)
}

// SaveSnapshot saves a snapshot now and waits until it is written.
func (dm *DEX) SaveSnapshot(ctx context.Context) error {
	return dm.engine.SaveSnapshot(ctx)
}

// QueueSizes reports the pending writes of the output queues.
func (dm *DEX) QueueSizes() map[string]int {
	sizes := map[string]int{"operlog": dm.store.Pending()}
	if dm.archiver != nil {
		sizes["history"] = dm.archiver.Pending()
	}
	if dm.bus != nil {
		sizes["messages"] = dm.bus.Pending()
	}
	return sizes
}

