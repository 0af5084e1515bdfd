// Package worker polls the queue and runs registered handlers for each job
// type. It owns the cooperative parts of the contract the stores leave to
// callers: batch cancellation checks, the per-batch concurrency cap, bounded
// attempts, and releasing or failing entries after a handler runs.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"lectern/internal/batch"
	"lectern/internal/config"
	"lectern/internal/dispatch"
	"lectern/internal/logging"
	"lectern/internal/queue"
	"lectern/internal/services"
)

// Handler executes one job. A nil return completes the work unit; a
// retryable error releases the entry for another attempt; anything else
// fails it terminally.
type Handler func(ctx context.Context, desc dispatch.Descriptor) error

// ErrWaiting signals that a job's precondition (an approval gate, an
// artifact delivered out-of-band) is not met yet. The entry is released with
// a delay and does not count against the attempt cap.
var ErrWaiting = errors.New("waiting on precondition")

// Manager coordinates queue polling and handler execution.
type Manager struct {
	cfg         *config.Config
	store       *queue.Store
	coordinator *batch.Coordinator
	logger      *slog.Logger

	pollInterval time.Duration
	retryBackoff time.Duration
	maxAttempts  int

	handlers map[dispatch.JobType]Handler

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error
}

// NewManager constructs a worker manager. Handlers are registered before
// Start.
func NewManager(cfg *config.Config, store *queue.Store, coordinator *batch.Coordinator, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		cfg:          cfg,
		store:        store,
		coordinator:  coordinator,
		logger:       logging.NewComponentLogger(logger, "worker"),
		pollInterval: time.Duration(cfg.Workflow.QueuePollInterval) * time.Second,
		retryBackoff: time.Duration(cfg.Workflow.RetryBackoff) * time.Second,
		maxAttempts:  cfg.Workflow.MaxAttempts,
		handlers:     make(map[dispatch.JobType]Handler),
	}
}

// Register installs the handler for a job type, replacing any previous one.
func (m *Manager) Register(jobType dispatch.JobType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[jobType] = handler
}

// Start begins background polling.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("worker already running")
	}
	if len(m.handlers) == 0 {
		return errors.New("no handlers registered")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	go m.run(runCtx)
	return nil
}

// Stop terminates background polling and waits for the loop to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// LastError returns the most recent polling error, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		processed, err := m.Poll(ctx)
		if err != nil {
			m.setLastError(err)
			m.logger.ErrorContext(ctx, "failed to fetch next queue entry",
				logging.Error(err),
				logging.String(logging.FieldEventType, "queue_fetch_failed"),
			)
			m.waitOrShutdown(ctx, time.Duration(m.cfg.Workflow.ErrorRetryInterval)*time.Second)
			continue
		}
		if !processed {
			m.waitOrShutdown(ctx, m.pollInterval)
		}
	}
}

func (m *Manager) waitOrShutdown(ctx context.Context, wait time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

// Poll claims and processes at most one entry. It reports whether an entry
// was handled; callers outside the background loop (tests, one-shot runs)
// can drive the manager with it directly.
func (m *Manager) Poll(ctx context.Context) (bool, error) {
	entry, err := m.store.Claim(ctx, queue.QueueSegments, queue.QueueCourses)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}
	return true, m.process(ctx, entry)
}

func (m *Manager) process(ctx context.Context, entry *queue.Entry) error {
	desc, err := dispatch.DecodeDescriptor(entry.Payload)
	if err != nil {
		// Unparseable payloads can never succeed; fail them immediately.
		return m.failEntry(ctx, entry, "", "payload cannot be parsed: "+err.Error())
	}
	logger := m.logger.With(
		logging.String(logging.FieldWorkID, desc.WorkID),
		logging.String(logging.FieldQueue, entry.QueueName),
		logging.String("job_type", string(desc.Type)),
	)

	if desc.OwnerID != "" {
		cancelled, err := m.coordinator.IsCancelled(ctx, desc.OwnerID)
		if err != nil {
			return m.release(ctx, entry, err)
		}
		if cancelled {
			logger.InfoContext(ctx, "dropping work for cancelled batch",
				logging.String(logging.FieldBatchID, desc.OwnerID))
			return m.failEntry(ctx, entry, desc.WorkID, "batch cancelled")
		}

		free, err := m.underConcurrencyCap(ctx, desc.OwnerID)
		if err != nil {
			return m.release(ctx, entry, err)
		}
		if !free {
			return m.store.Release(ctx, entry.ID, m.pollInterval)
		}
	}

	handler := m.handlerFor(desc.Type)
	if handler == nil {
		return m.failEntry(ctx, entry, desc.WorkID, "no handler for job type "+string(desc.Type))
	}

	if _, err := m.store.RecordWorkItem(ctx, desc.WorkID, desc.OwnerID, queue.WorkProcessing); err != nil {
		return m.release(ctx, entry, err)
	}

	runErr := handler(ctx, desc)
	switch {
	case runErr == nil:
		if err := m.store.CompleteEntry(ctx, entry.ID); err != nil {
			return err
		}
		if _, err := m.store.RecordWorkItem(ctx, desc.WorkID, desc.OwnerID, queue.WorkCompleted); err != nil {
			return err
		}
		logger.InfoContext(ctx, "work completed", logging.Int("attempts", entry.Attempts))
		return m.recompute(ctx, desc.OwnerID)
	case errors.Is(runErr, ErrWaiting):
		logger.DebugContext(ctx, "work waiting on precondition", logging.Error(runErr))
		return m.store.Release(ctx, entry.ID, m.retryBackoff)
	case errors.Is(runErr, context.Canceled):
		// Shutdown mid-handler: put the entry back untouched.
		_ = m.store.Release(context.WithoutCancel(ctx), entry.ID, 0)
		return runErr
	case services.Retryable(runErr) && entry.Attempts < m.maxAttempts:
		logger.WarnContext(ctx, "work failed, will retry",
			logging.Error(runErr),
			logging.Int("attempts", entry.Attempts),
			logging.Int("max_attempts", m.maxAttempts),
		)
		return m.store.Release(ctx, entry.ID, m.retryBackoff)
	default:
		logger.ErrorContext(ctx, "work failed terminally",
			logging.Error(runErr),
			logging.Int("attempts", entry.Attempts),
		)
		return m.failEntry(ctx, entry, desc.WorkID, runErr.Error())
	}
}

func (m *Manager) handlerFor(jobType dispatch.JobType) Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[jobType]
}

// underConcurrencyCap reports whether the batch can start another unit. The
// cap counts units the registry shows as processing.
func (m *Manager) underConcurrencyCap(ctx context.Context, batchID string) (bool, error) {
	record, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return false, err
	}
	if record == nil || record.ConcurrencyLimit <= 0 {
		return true, nil
	}
	counts, err := m.store.BatchCounts(ctx, batchID)
	if err != nil {
		return false, err
	}
	return counts.Processing < record.ConcurrencyLimit, nil
}

func (m *Manager) failEntry(ctx context.Context, entry *queue.Entry, workID, reason string) error {
	if _, err := m.store.FailEntry(ctx, entry.ID, reason); err != nil {
		return err
	}
	ownerID := ""
	if workID != "" {
		if item, err := m.store.GetWorkItem(ctx, workID); err == nil && item != nil {
			ownerID = item.OwnerID
		}
		if _, err := m.store.RecordWorkItem(ctx, workID, ownerID, queue.WorkFailed); err != nil {
			return err
		}
	}
	return m.recompute(ctx, ownerID)
}

func (m *Manager) release(ctx context.Context, entry *queue.Entry, cause error) error {
	if err := m.store.Release(ctx, entry.ID, time.Duration(m.cfg.Workflow.ErrorRetryInterval)*time.Second); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (m *Manager) recompute(ctx context.Context, batchID string) error {
	if batchID == "" {
		return nil
	}
	if _, err := m.coordinator.RecomputeStatus(ctx, batchID); err != nil && !errors.Is(err, services.ErrNotFound) {
		return err
	}
	return nil
}
