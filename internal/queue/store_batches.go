package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"lectern/internal/services"
)

const batchColumns = "id, owner_id, total_units, concurrency_limit, status, created_at, started_at, completed_at, updated_at"

func scanBatch(scanner interface{ Scan(dest ...any) error }) (*Batch, error) {
	var (
		id          string
		ownerID     string
		totalUnits  int
		concurrency int
		status      string
		createdAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
		updatedAt   string
	)
	if err := scanner.Scan(&id, &ownerID, &totalUnits, &concurrency, &status, &createdAt, &startedAt, &completedAt, &updatedAt); err != nil {
		return nil, err
	}

	batch := &Batch{
		ID:               id,
		OwnerID:          ownerID,
		TotalUnits:       totalUnits,
		ConcurrencyLimit: concurrency,
		Status:           BatchStatus(status),
	}
	var err error
	if batch.CreatedAt, err = parseTimeString(createdAt); err != nil {
		return nil, err
	}
	if startedAt.Valid && startedAt.String != "" {
		parsed, err := parseTimeString(startedAt.String)
		if err != nil {
			return nil, err
		}
		batch.StartedAt = &parsed
	}
	if completedAt.Valid && completedAt.String != "" {
		parsed, err := parseTimeString(completedAt.String)
		if err != nil {
			return nil, err
		}
		batch.CompletedAt = &parsed
	}
	if batch.UpdatedAt, err = parseTimeString(updatedAt); err != nil {
		return nil, err
	}
	return batch, nil
}

// CreateBatch persists a new batch record in the pending state.
func (s *Store) CreateBatch(ctx context.Context, batch *Batch) error {
	if batch == nil || batch.ID == "" {
		return services.Wrap(services.ErrValidation, "queue", "create batch", "batch id is empty", nil)
	}
	now := time.Now().UTC()
	batch.CreatedAt = now
	batch.UpdatedAt = now
	if batch.Status == "" {
		batch.Status = BatchPending
	}

	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO batches (id, owner_id, total_units, concurrency_limit, status, created_at, started_at, completed_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, ?)`,
		batch.ID,
		batch.OwnerID,
		batch.TotalUnits,
		batch.ConcurrencyLimit,
		string(batch.Status),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return services.Wrap(services.ErrStorage, "queue", "create batch", "", err)
	}
	return nil
}

// GetBatch fetches a batch by identifier. Returns nil when absent.
func (s *Store) GetBatch(ctx context.Context, id string) (*Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
	batch, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "queue", "get batch", "", err)
	}
	return batch, nil
}

// ListBatches returns all batches newest first.
func (s *Store) ListBatches(ctx context.Context) ([]*Batch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+batchColumns+` FROM batches ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "queue", "list batches", "", err)
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, services.Wrap(services.ErrStorage, "queue", "scan batch", "", err)
		}
		batches = append(batches, batch)
	}
	return batches, rows.Err()
}

// UpdateBatchStatus moves a batch to a new status, stamping started_at on the
// first transition to processing and completed_at on terminal transitions.
func (s *Store) UpdateBatchStatus(ctx context.Context, id string, status BatchStatus) (*Batch, error) {
	batch, err := s.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, services.Wrap(services.ErrNotFound, "queue", "update batch status", "batch "+id+" missing", nil)
	}

	now := time.Now().UTC()
	startedAt := batch.StartedAt
	if status == BatchProcessing && startedAt == nil {
		startedAt = &now
	}
	completedAt := batch.CompletedAt
	if (status == BatchCompleted || status == BatchCancelled) && completedAt == nil {
		completedAt = &now
	}

	_, err = s.execWithRetry(
		ctx,
		`UPDATE batches SET status = ?, started_at = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		string(status),
		nullableTime(startedAt),
		nullableTime(completedAt),
		formatTime(now),
		id,
	)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "queue", "update batch status", "", err)
	}
	return s.GetBatch(ctx, id)
}

// DeleteBatch removes a batch record.
func (s *Store) DeleteBatch(ctx context.Context, id string) error {
	res, err := s.execWithRetry(ctx, `DELETE FROM batches WHERE id = ?`, id)
	if err != nil {
		return services.Wrap(services.ErrStorage, "queue", "delete batch", "", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return services.Wrap(services.ErrStorage, "queue", "delete batch rows affected", "", err)
	}
	if affected == 0 {
		return services.Wrap(services.ErrNotFound, "queue", "delete batch", "batch "+id+" missing", nil)
	}
	return nil
}

// BatchCounts derives the per-status work item counts for a batch. Counts are
// computed from the registry on every read.
func (s *Store) BatchCounts(ctx context.Context, batchID string) (BatchCounts, error) {
	return s.CountWorkItemsByOwner(ctx, batchID)
}
