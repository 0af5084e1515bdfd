// Package batch groups work units under one identifier so they can be
// tracked, cancelled, retried, and deleted together. Unit counts are always
// derived from the dedup registry rather than stored as counters.
package batch

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"lectern/internal/dispatch"
	"lectern/internal/logging"
	"lectern/internal/queue"
	"lectern/internal/services"
)

// Coordinator manages batch lifecycle over the store and dispatcher.
type Coordinator struct {
	store      *queue.Store
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// NewCoordinator builds a coordinator.
func NewCoordinator(store *queue.Store, dispatcher *dispatch.Dispatcher, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Coordinator{
		store:      store,
		dispatcher: dispatcher,
		logger:     logging.NewComponentLogger(logger, "batch"),
	}
}

// View combines a batch record with its derived unit counts.
type View struct {
	Batch  *queue.Batch
	Counts queue.BatchCounts
}

// Create registers a batch, dispatches one job per unit, and moves the batch
// to processing. Units the registry already tracks are skipped; the batch
// still counts them in total_units so progress reflects the caller's request.
func (c *Coordinator) Create(ctx context.Context, ownerID string, unitIDs []string, concurrencyLimit int) (*View, error) {
	if len(unitIDs) == 0 {
		return nil, services.Wrap(services.ErrValidation, "batch", "create", "no unit ids given", nil)
	}
	if concurrencyLimit <= 0 {
		return nil, services.Wrap(services.ErrValidation, "batch", "create", "concurrency limit must be positive", nil)
	}
	seen := make(map[string]bool, len(unitIDs))
	for _, unitID := range unitIDs {
		if strings.TrimSpace(unitID) == "" {
			return nil, services.Wrap(services.ErrValidation, "batch", "create", "unit id is empty", nil)
		}
		if seen[unitID] {
			return nil, services.Wrap(services.ErrValidation, "batch", "create", "duplicate unit id "+unitID, nil)
		}
		seen[unitID] = true
	}

	record := &queue.Batch{
		ID:               uuid.NewString(),
		OwnerID:          ownerID,
		TotalUnits:       len(unitIDs),
		ConcurrencyLimit: concurrencyLimit,
		Status:           queue.BatchPending,
	}
	if err := c.store.CreateBatch(ctx, record); err != nil {
		return nil, err
	}

	dispatched := 0
	for _, unitID := range unitIDs {
		result, err := c.dispatchUnit(ctx, record, unitID)
		if err != nil {
			return nil, err
		}
		if !result.Skipped {
			dispatched++
		}
	}

	updated, err := c.store.UpdateBatchStatus(ctx, record.ID, queue.BatchProcessing)
	if err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "batch created",
		logging.String(logging.FieldBatchID, record.ID),
		logging.Int("total_units", record.TotalUnits),
		logging.Int("dispatched", dispatched),
		logging.Int("concurrency_limit", concurrencyLimit),
	)
	return c.view(ctx, updated)
}

func (c *Coordinator) dispatchUnit(ctx context.Context, record *queue.Batch, unitID string) (*dispatch.Result, error) {
	if _, err := c.store.EnsureSegment(ctx, unitID, record.OwnerID); err != nil {
		return nil, err
	}
	return c.dispatcher.Enqueue(ctx, dispatch.Descriptor{
		Type:      dispatch.JobSegmentDownload,
		WorkID:    dispatch.WorkID(dispatch.JobSegmentDownload, unitID),
		OwnerID:   record.ID,
		SegmentID: unitID,
		CourseID:  record.OwnerID,
	}, 0)
}

func (c *Coordinator) load(ctx context.Context, batchID string) (*queue.Batch, error) {
	record, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, services.Wrap(services.ErrNotFound, "batch", "load", "batch "+batchID+" missing", nil)
	}
	return record, nil
}

func (c *Coordinator) view(ctx context.Context, record *queue.Batch) (*View, error) {
	counts, err := c.store.BatchCounts(ctx, record.ID)
	if err != nil {
		return nil, err
	}
	return &View{Batch: record, Counts: counts}, nil
}

// Show returns the batch with freshly derived counts.
func (c *Coordinator) Show(ctx context.Context, batchID string) (*View, error) {
	record, err := c.load(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return c.view(ctx, record)
}

// List returns all batches with derived counts, newest first.
func (c *Coordinator) List(ctx context.Context) ([]*View, error) {
	records, err := c.store.ListBatches(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]*View, 0, len(records))
	for _, record := range records {
		view, err := c.view(ctx, record)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// RecomputeStatus rolls the batch status forward from the derived counts:
// completed when every unit is terminal, otherwise left as is. Cancelled
// batches stay cancelled.
func (c *Coordinator) RecomputeStatus(ctx context.Context, batchID string) (*View, error) {
	record, err := c.load(ctx, batchID)
	if err != nil {
		return nil, err
	}
	counts, err := c.store.BatchCounts(ctx, record.ID)
	if err != nil {
		return nil, err
	}

	if record.Status != queue.BatchCancelled && counts.Finished(record.TotalUnits) {
		record, err = c.store.UpdateBatchStatus(ctx, record.ID, queue.BatchCompleted)
		if err != nil {
			return nil, err
		}
		c.logger.InfoContext(ctx, "batch completed",
			logging.String(logging.FieldBatchID, record.ID),
			logging.Int("completed", counts.Completed),
			logging.Int("failed", counts.Failed),
		)
	}
	return &View{Batch: record, Counts: counts}, nil
}

// Cancel flags the batch as cancelled. Workers check the flag before
// starting a unit; reservations already held may still run to completion.
func (c *Coordinator) Cancel(ctx context.Context, batchID string) (*View, error) {
	record, err := c.load(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if record.Status == queue.BatchCompleted {
		return nil, services.Wrap(services.ErrConflict, "batch", "cancel", "batch already completed", nil)
	}
	record, err = c.store.UpdateBatchStatus(ctx, record.ID, queue.BatchCancelled)
	if err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "batch cancelled", logging.String(logging.FieldBatchID, record.ID))
	return c.view(ctx, record)
}

// IsCancelled reports whether a batch has been flagged for cancellation.
// Unknown batch ids report false so unowned work is unaffected.
func (c *Coordinator) IsCancelled(ctx context.Context, batchID string) (bool, error) {
	if batchID == "" {
		return false, nil
	}
	record, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return false, err
	}
	return record != nil && record.Status == queue.BatchCancelled, nil
}

// Retry re-dispatches every unit of a batch that is not currently
// processing. The owned registry entries are removed first so the dispatcher
// sees each unit as fresh work.
func (c *Coordinator) Retry(ctx context.Context, batchID string, unitIDs []string) (*View, error) {
	record, err := c.load(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if record.Status == queue.BatchProcessing {
		return nil, services.Wrap(services.ErrConflict, "batch", "retry", "batch is still processing", nil)
	}
	if len(unitIDs) == 0 {
		items, err := c.store.ListWorkItemsByOwner(ctx, record.ID)
		if err != nil {
			return nil, err
		}
		// Stage work ids carry a ":jobtype" qualifier after the segment id;
		// retrying dispatches whole units, so fold each id back to its
		// segment and collapse the duplicates.
		seen := make(map[string]bool, len(items))
		for _, item := range items {
			unitID, _, _ := strings.Cut(item.WorkID, ":")
			if unitID == "" || seen[unitID] {
				continue
			}
			seen[unitID] = true
			unitIDs = append(unitIDs, unitID)
		}
	}
	if len(unitIDs) == 0 {
		return nil, services.Wrap(services.ErrValidation, "batch", "retry", "batch has no units to retry", nil)
	}

	if _, err := c.store.DeleteWorkItemsByOwner(ctx, record.ID); err != nil {
		return nil, err
	}
	for _, unitID := range unitIDs {
		if _, err := c.dispatchUnit(ctx, record, unitID); err != nil {
			return nil, err
		}
	}

	record, err = c.store.UpdateBatchStatus(ctx, record.ID, queue.BatchProcessing)
	if err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "batch retried",
		logging.String(logging.FieldBatchID, record.ID),
		logging.Int("units", len(unitIDs)),
	)
	return c.view(ctx, record)
}

// Delete removes a batch and its owned registry entries. Processing batches
// must be cancelled first.
func (c *Coordinator) Delete(ctx context.Context, batchID string) error {
	record, err := c.load(ctx, batchID)
	if err != nil {
		return err
	}
	if record.Status == queue.BatchProcessing {
		return services.Wrap(services.ErrConflict, "batch", "delete", "batch is still processing", nil)
	}
	if _, err := c.store.DeleteWorkItemsByOwner(ctx, record.ID); err != nil {
		return err
	}
	if err := c.store.DeleteBatch(ctx, record.ID); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "batch deleted", logging.String(logging.FieldBatchID, record.ID))
	return nil
}
