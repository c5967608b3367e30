// Command vigild runs the vigil processing daemon: it opens the session
// store, starts the batch and finalize worker lanes, and holds the instance
// lock until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"vigil/internal/config"
	"vigil/internal/daemon"
	"vigil/internal/logging"
	"vigil/internal/objectstore"
	"vigil/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("prepare directories: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	st, err := store.Open(cfg)
	if err != nil {
		logger.Error("open session store", logging.Error(err))
		return
	}

	var objects *objectstore.Client
	if cfg.ObjectStore.Enabled {
		objects, err = objectstore.New(ctx, cfg.ObjectStore)
		if err != nil {
			logger.Error("configure object store", logging.Error(err))
			_ = st.Close()
			return
		}
	}

	d, err := daemon.New(cfg, st, logger, objects)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		_ = st.Close()
		return
	}
	defer d.Close()

	if err := d.Start(ctx); err != nil {
		logger.Error("start daemon", logging.Error(err))
		return
	}

	<-ctx.Done()
	logger.Info("vigild shutting down")
	d.Stop()
}
