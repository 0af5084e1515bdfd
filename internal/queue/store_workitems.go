package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"lectern/internal/services"
)

// RecordWorkItem upserts a work item's status. Transitions never regress:
// an existing item only moves to a status of equal or higher rank, so a late
// duplicate dispatch cannot pull a completed item back to queued. Returns
// true when the row changed.
func (s *Store) RecordWorkItem(ctx context.Context, workID, ownerID string, status WorkStatus) (bool, error) {
	if workID == "" {
		return false, services.Wrap(services.ErrValidation, "queue", "record work item", "work id is empty", nil)
	}
	if _, ok := workStatusRank[status]; !ok {
		return false, services.Wrap(services.ErrValidation, "queue", "record work item", "unknown status "+string(status), nil)
	}
	ctx = ensureContext(ctx)
	now := formatTime(time.Now().UTC())

	res, err := s.execWithRetry(
		ctx,
		`INSERT OR IGNORE INTO work_items (work_id, owner_id, status, updated_at) VALUES (?, ?, ?, ?)`,
		workID,
		ownerID,
		string(status),
		now,
	)
	if err != nil {
		return false, services.Wrap(services.ErrStorage, "queue", "record work item", "", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, services.Wrap(services.ErrStorage, "queue", "record work item rows affected", "", err)
	}
	if inserted == 1 {
		return true, nil
	}

	existing, err := s.GetWorkItem(ctx, workID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, services.Wrap(services.ErrStorage, "queue", "record work item", "item vanished during upsert", nil)
	}
	if !existing.Status.CanTransitionTo(status) {
		return false, nil
	}
	res, err = s.execWithRetry(
		ctx,
		`UPDATE work_items SET status = ?, owner_id = ?, updated_at = ? WHERE work_id = ?`,
		string(status),
		ownerID,
		now,
		workID,
	)
	if err != nil {
		return false, services.Wrap(services.ErrStorage, "queue", "update work item", "", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, services.Wrap(services.ErrStorage, "queue", "update work item rows affected", "", err)
	}
	return affected == 1, nil
}

// ClaimWorkItem inserts a queued registry record if none exists, reporting
// whether this caller created it. The insert races on the primary key, so
// exactly one concurrent claimant wins; an existing record, whatever its
// status, is left untouched.
func (s *Store) ClaimWorkItem(ctx context.Context, workID, ownerID string) (bool, error) {
	if workID == "" {
		return false, services.Wrap(services.ErrValidation, "queue", "claim work item", "work id is empty", nil)
	}
	ctx = ensureContext(ctx)

	res, err := s.execWithRetry(
		ctx,
		`INSERT OR IGNORE INTO work_items (work_id, owner_id, status, updated_at) VALUES (?, ?, ?, ?)`,
		workID,
		ownerID,
		string(WorkQueued),
		formatTime(time.Now().UTC()),
	)
	if err != nil {
		return false, services.Wrap(services.ErrStorage, "queue", "claim work item", "", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, services.Wrap(services.ErrStorage, "queue", "claim work item rows affected", "", err)
	}
	return inserted == 1, nil
}

// GetWorkItem fetches a work item by identifier. Returns nil when absent.
func (s *Store) GetWorkItem(ctx context.Context, workID string) (*WorkItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE work_id = ?`, workID)
	item, err := scanWorkItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "queue", "get work item", "", err)
	}
	return item, nil
}

// IsAlreadyProcessed reports whether the work item exists in a state that
// should suppress a duplicate dispatch (queued, processing, or completed).
// Failed items are eligible again.
func (s *Store) IsAlreadyProcessed(ctx context.Context, workID string) (bool, error) {
	item, err := s.GetWorkItem(ctx, workID)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}
	return item.Processed(), nil
}

// ListWorkItemsByOwner returns all work items grouped under an owner
// (typically a batch), oldest first.
func (s *Store) ListWorkItemsByOwner(ctx context.Context, ownerID string) ([]*WorkItem, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+workItemColumns+` FROM work_items WHERE owner_id = ? ORDER BY updated_at ASC, work_id ASC`,
		ownerID,
	)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "queue", "list work items", "", err)
	}
	defer rows.Close()

	var items []*WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, services.Wrap(services.ErrStorage, "queue", "scan work item", "", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CountWorkItemsByOwner derives per-status counts for an owner's work items.
func (s *Store) CountWorkItemsByOwner(ctx context.Context, ownerID string) (BatchCounts, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT status, COUNT(*) FROM work_items WHERE owner_id = ? GROUP BY status`,
		ownerID,
	)
	if err != nil {
		return BatchCounts{}, services.Wrap(services.ErrStorage, "queue", "count work items", "", err)
	}
	defer rows.Close()

	var counts BatchCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return BatchCounts{}, services.Wrap(services.ErrStorage, "queue", "scan work item count", "", err)
		}
		switch WorkStatus(status) {
		case WorkQueued:
			counts.Queued = n
		case WorkProcessing:
			counts.Processing = n
		case WorkCompleted:
			counts.Completed = n
		case WorkFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

// DeleteWorkItem removes a single registry record. Escalation uses this to
// reset a failed item before re-dispatch, since status updates never regress.
func (s *Store) DeleteWorkItem(ctx context.Context, workID string) error {
	_, err := s.execWithRetry(ctx, `DELETE FROM work_items WHERE work_id = ?`, workID)
	if err != nil {
		return services.Wrap(services.ErrStorage, "queue", "delete work item", "", err)
	}
	return nil
}

// DeleteWorkItemsByOwner removes every work item grouped under an owner.
func (s *Store) DeleteWorkItemsByOwner(ctx context.Context, ownerID string) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM work_items WHERE owner_id = ?`, ownerID)
	if err != nil {
		return 0, services.Wrap(services.ErrStorage, "queue", "delete work items", "", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, services.Wrap(services.ErrStorage, "queue", "delete work items rows affected", "", err)
	}
	return affected, nil
}

// ClearCompletedWorkItems prunes items that finished successfully.
func (s *Store) ClearCompletedWorkItems(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM work_items WHERE status = ?`, string(WorkCompleted))
	if err != nil {
		return 0, services.Wrap(services.ErrStorage, "queue", "clear completed work items", "", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, services.Wrap(services.ErrStorage, "queue", "clear completed rows affected", "", err)
	}
	return affected, nil
}
