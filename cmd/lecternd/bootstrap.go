package main

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/gofrs/flock"

	"lectern/internal/batch"
	"lectern/internal/config"
	"lectern/internal/dispatch"
	"lectern/internal/logging"
	"lectern/internal/pipeline"
	"lectern/internal/queue"
	"lectern/internal/segment"
	"lectern/internal/worker"
)

// buildManager wires the worker manager with one handler per job type.
func buildManager(cfg *config.Config, store *queue.Store, logger *slog.Logger) *worker.Manager {
	dispatcher := dispatch.NewDispatcher(store, logger)
	coordinator := batch.NewCoordinator(store, dispatcher, logger)
	machine := segment.NewMachine(store, logger)

	manager := worker.NewManager(cfg, store, coordinator, logger)
	pipeline.NewStages(cfg, store, machine, nil, logger).Register(manager)
	return manager
}

func lockPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.LogDir, "lecternd.lock")
}

func acquireLock(cfg *config.Config) (*flock.Flock, error) {
	lock := flock.New(lockPath(cfg))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, errors.New("another lecternd instance is already running")
	}
	return lock, nil
}

func releaseLock(lock *flock.Flock, logger *slog.Logger) {
	if lock == nil {
		return
	}
	if err := lock.Unlock(); err != nil {
		logger.Warn("release daemon lock", logging.Error(err))
	}
}
