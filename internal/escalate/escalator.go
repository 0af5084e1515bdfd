// Package escalate moves terminally failed entries back onto the queue at
// high priority with retry metadata stamped on the payload.
package escalate

import (
	"context"
	"log/slog"
	"time"

	"lectern/internal/dispatch"
	"lectern/internal/logging"
	"lectern/internal/queue"
	"lectern/internal/services"
)

// Escalator re-dispatches failure records on operator request.
type Escalator struct {
	store  *queue.Store
	logger *slog.Logger
}

// NewEscalator builds an escalator over the given store.
func NewEscalator(store *queue.Store, logger *slog.Logger) *Escalator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Escalator{
		store:  store,
		logger: logging.NewComponentLogger(logger, "escalate"),
	}
}

// Retry reconstructs a queue entry from a failure record at high priority,
// consuming the record. A payload that no longer parses is terminal: the
// record is left in place for manual inspection and a payload error is
// returned.
func (e *Escalator) Retry(ctx context.Context, failureID int64) (*queue.Entry, error) {
	record, err := e.store.GetFailure(ctx, failureID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, services.Wrap(services.ErrNotFound, "escalate", "retry", "no failure record with that id", nil)
	}

	desc, err := dispatch.DecodeDescriptor(record.Payload)
	if err != nil {
		return nil, services.Wrap(services.ErrPayload, "escalate", "retry",
			"stored payload cannot be parsed, record kept for inspection", err)
	}
	desc.Retry = &dispatch.RetryMeta{
		IsRetry:           true,
		OriginalFailureID: record.ID,
		OriginalQueue:     record.QueueName,
		RetryTime:         time.Now().UTC(),
	}
	payload, err := desc.Encode()
	if err != nil {
		return nil, err
	}

	// Reset the registry first so the worker can record processing again;
	// failed is a terminal rank and would reject the downgrade otherwise.
	if err := e.store.DeleteWorkItem(ctx, desc.WorkID); err != nil {
		return nil, err
	}
	entry, err := e.store.MoveFailureToQueue(ctx, record.ID, payload, queue.PriorityHigh)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.RecordWorkItem(ctx, desc.WorkID, desc.OwnerID, queue.WorkQueued); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "failure escalated",
		logging.Int64("failure_id", record.ID),
		logging.String(logging.FieldWorkID, desc.WorkID),
		logging.String(logging.FieldQueue, entry.QueueName),
		logging.Int64("entry_id", entry.ID),
	)
	return entry, nil
}
