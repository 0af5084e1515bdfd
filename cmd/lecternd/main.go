// Command lecternd runs the background worker: it claims queued jobs, drives
// segments through the pipeline stages, and keeps batch status current. A
// file lock enforces a single instance per log directory.
package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"lectern/internal/config"
	"lectern/internal/logging"
	"lectern/internal/queue"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load("")
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

	lock, err := acquireLock(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer releaseLock(lock, logger)

	store, err := queue.Open(cfg)
	if err != nil {
		logger.Error("open queue store", logging.Error(err))
		return
	}
	defer store.Close()

	manager := buildManager(cfg, store, logger)
	if err := manager.Start(ctx); err != nil {
		logger.Error("start worker manager", logging.Error(err))
		return
	}

	logger.Info("lecternd started", slog.String("database", store.Path()))
	<-ctx.Done()
	manager.Stop()
	logger.Info("lecternd shut down")
}
