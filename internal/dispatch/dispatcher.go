package dispatch

import (
	"context"
	"log/slog"

	"lectern/internal/logging"
	"lectern/internal/queue"
	"lectern/internal/services"
)

// Dispatcher writes work requests into the queue after consulting the dedup
// registry.
type Dispatcher struct {
	store  *queue.Store
	logger *slog.Logger
}

// NewDispatcher builds a dispatcher over the given store.
func NewDispatcher(store *queue.Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Dispatcher{
		store:  store,
		logger: logging.NewComponentLogger(logger, "dispatch"),
	}
}

// Result reports the outcome of an Enqueue call.
type Result struct {
	Entry   *queue.Entry
	Skipped bool
}

// ResolvePriority applies the priority precedence rules: retry metadata
// forces high, aggregate jobs default to high, otherwise the caller's hint
// wins with normal as the fallback.
func ResolvePriority(d Descriptor, hint int) int {
	if d.IsRetry() {
		return queue.PriorityHigh
	}
	if d.Type == JobBatchAggregate {
		return queue.PriorityHigh
	}
	if hint != 0 {
		return hint
	}
	return queue.PriorityNormal
}

// Enqueue dispatches a work unit. The registry is won first: exactly one
// caller claims a queued record for the work id, writes the queue entry, and
// reports it; everyone else gets Skipped without touching the queue. A failed
// registry record is redispatchable and is reset before the claim.
func (d *Dispatcher) Enqueue(ctx context.Context, desc Descriptor, priorityHint int) (*Result, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	desc.Annotate()

	payload, err := desc.Encode()
	if err != nil {
		return nil, err
	}

	claimed, err := d.claimRegistry(ctx, desc)
	if err != nil {
		return nil, err
	}
	if !claimed {
		d.logger.InfoContext(ctx, "dispatch skipped, work already tracked",
			logging.String(logging.FieldWorkID, desc.WorkID),
			logging.String("job_type", string(desc.Type)),
		)
		return &Result{Skipped: true}, nil
	}

	entry, err := d.store.InsertEntry(ctx, queue.NewEntry{
		QueueName: desc.Type.QueueName(),
		Payload:   payload,
		Priority:  ResolvePriority(desc, priorityHint),
	})
	if err != nil {
		// Release the claim so a later dispatch is not wrongly skipped.
		if removeErr := d.store.DeleteWorkItem(ctx, desc.WorkID); removeErr != nil {
			d.logger.ErrorContext(ctx, "failed to roll back registry claim after entry write error",
				logging.String(logging.FieldWorkID, desc.WorkID),
				logging.Error(removeErr),
			)
		}
		return nil, services.Wrap(services.ErrStorage, "dispatch", "insert entry", "", err)
	}

	d.logger.InfoContext(ctx, "work dispatched",
		logging.String(logging.FieldWorkID, desc.WorkID),
		logging.String(logging.FieldQueue, entry.QueueName),
		logging.String("job_type", string(desc.Type)),
		logging.Int("priority", entry.Priority),
		logging.Int64("entry_id", entry.ID),
	)
	return &Result{Entry: entry}, nil
}

// claimRegistry takes ownership of the work id before any entry exists. A
// lost claim against a failed record resets the record and tries once more,
// since failed items may be dispatched again.
func (d *Dispatcher) claimRegistry(ctx context.Context, desc Descriptor) (bool, error) {
	claimed, err := d.store.ClaimWorkItem(ctx, desc.WorkID, desc.OwnerID)
	if err != nil {
		return false, err
	}
	if claimed {
		return true, nil
	}

	existing, err := d.store.GetWorkItem(ctx, desc.WorkID)
	if err != nil {
		return false, err
	}
	if existing == nil || existing.Status != queue.WorkFailed {
		return false, nil
	}
	if err := d.store.DeleteWorkItem(ctx, desc.WorkID); err != nil {
		return false, err
	}
	return d.store.ClaimWorkItem(ctx, desc.WorkID, desc.OwnerID)
}
