// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"

	"github.com/openexch/matchengine/server/admin"
	dexsrv "github.com/openexch/matchengine/server/dex"
	"golang.org/x/sync/errgroup"
)

func mainCore(ctx context.Context) error {
	// Parse the configuration file, and setup logger.
	cfg, opts, err := loadConfig()
	if err != nil {
		fmt.Printf("Failed to load matchengine config: %s\n", err.Error())
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Request admin server password if admin server is enabled and
	// server password is not set in config.
	var adminSrvAuthSHA [32]byte
	if cfg.AdminSrvOn {
		if len(cfg.AdminSrvPW) == 0 {
			adminSrvAuthSHA, err = admin.PasswordPrompt("Admin interface password: ")
			if err != nil {
				return fmt.Errorf("cannot use password: %w", err)
			}
		} else {
			adminSrvAuthSHA = sha256.Sum256(cfg.AdminSrvPW)
			clear(cfg.AdminSrvPW)
		}
	}

	if opts.CPUProfile != "" {
		var f *os.File
		f, err = os.Create(opts.CPUProfile)
		if err != nil {
			return err
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// HTTP profiler
	if opts.HTTPProfile {
		log.Warnf("Starting the HTTP profiler on path /debug/pprof/.")
		// http pprof uses http.DefaultServeMux
		http.Handle("/", http.RedirectHandler("/debug/pprof/", http.StatusSeeOther))
		go func() {
			if err := http.ListenAndServe("127.0.0.1:9232", nil); err != nil {
				log.Errorf("ListenAndServe failed for http/pprof: %v", err)
			}
		}()
	}

	// Display app version.
	log.Infof("%s version %v (Go version %s)", appName, Version, runtime.Version())

	// Load the asset and market configurations.
	assets, markets, err := dexsrv.LoadMarketConfFile(cfg.MarketsConfPath)
	if err != nil {
		return fmt.Errorf("failed to load market and asset config %q: %w",
			cfg.MarketsConfPath, err)
	}
	log.Infof("Found %d assets, loaded %d markets", len(assets), len(markets))

	// An invariant violation under the halt policy shuts everything down.
	ctx, halt := context.WithCancel(ctx)
	defer halt()

	// Create the engine manager.
	dexConf := &dexsrv.DexConf{
		LogBackend:      cfg.LogMaker,
		Assets:          assets,
		Markets:         markets,
		KafkaBrokers:    cfg.KafkaBrokers,
		SnapshotPath:    cfg.SnapshotPath,
		PersistInterval: cfg.PersistInterval,
		SliceKeep:       cfg.SliceKeep,
		CacheTimeout:    cfg.CacheTimeout,
		CacheSize:       cfg.CacheSize,
		FatalPolicy:     cfg.FatalPolicy,
		Halt: func() {
			log.Criticalf("The engine halted. Shutting down.")
			halt()
		},
		CommsCfg: &dexsrv.RPCConfig{
			ListenAddrs: cfg.RPCListen,
			TLS:         cfg.RPCTLS,
			RPCCert:     cfg.RPCCert,
			RPCKey:      cfg.RPCKey,
			AltDNSNames: cfg.AltDNSNames,
			IPRate:      cfg.IPRate,
			IPBurst:     cfg.IPBurst,
		},
	}
	if !cfg.NoHistory {
		dexConf.DBConf = &dexsrv.DBConf{
			DBName:       cfg.DBName,
			Host:         cfg.DBHost,
			User:         cfg.DBUser,
			Port:         cfg.DBPort,
			Pass:         cfg.DBPass,
			ShowPGConfig: cfg.ShowPGConfig,
		}
	}
	dexMan, err := dexsrv.NewDEX(ctx, dexConf)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.AdminSrvOn {
		srvCFG := &admin.SrvConfig{
			Core:    dexMan,
			Addr:    cfg.AdminSrvAddr,
			AuthSHA: adminSrvAuthSHA,
		}
		if cfg.RPCTLS {
			srvCFG.Cert, srvCFG.Key = cfg.RPCCert, cfg.RPCKey
		}
		adminServer, err := admin.NewServer(srvCFG)
		if err != nil {
			dexMan.Stop()
			return fmt.Errorf("cannot set up admin server: %w", err)
		}
		g.Go(func() error {
			adminServer.Run(gctx)
			if gctx.Err() == nil {
				return errors.New("admin server stopped unexpectedly")
			}
			return nil
		})
	}

	log.Info("The engine is running. Hit CTRL+C to quit...")
	<-gctx.Done()
	// Wait for the admin server to finish.
	err = g.Wait()

	log.Info("Stopping the engine...")
	dexMan.Stop()
	log.Info("Bye!")

	return err
}

func main() {
	// Create a context that is canceled when an interrupt or termination
	// signal is received.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := mainCore(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}
