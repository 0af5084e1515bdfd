package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"lectern/internal/services"
)

// GetFailure fetches a failure record by identifier. Returns nil when absent.
func (s *Store) GetFailure(ctx context.Context, id int64) (*FailureRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+failureColumns+` FROM failed_entries WHERE id = ?`, id)
	record, err := scanFailure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "queue", "get failure", "", err)
	}
	return record, nil
}

// ListFailures returns failure records newest first.
func (s *Store) ListFailures(ctx context.Context) ([]*FailureRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+failureColumns+` FROM failed_entries ORDER BY failed_at DESC, id DESC`,
	)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "queue", "list failures", "", err)
	}
	defer rows.Close()

	var records []*FailureRecord
	for rows.Next() {
		record, err := scanFailure(rows)
		if err != nil {
			return nil, services.Wrap(services.ErrStorage, "queue", "scan failure", "", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// RemoveFailure deletes a failure record.
func (s *Store) RemoveFailure(ctx context.Context, id int64) error {
	res, err := s.execWithRetry(ctx, `DELETE FROM failed_entries WHERE id = ?`, id)
	if err != nil {
		return services.Wrap(services.ErrStorage, "queue", "remove failure", "", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return services.Wrap(services.ErrStorage, "queue", "remove failure rows affected", "", err)
	}
	if affected == 0 {
		return services.Wrap(services.ErrNotFound, "queue", "remove failure", "failure record missing", nil)
	}
	return nil
}

// MoveFailureToQueue re-enqueues a failed entry with the given payload and
// priority, deleting the failure record in the same transaction. The payload
// is supplied by the caller so retry metadata can be stamped before requeue.
func (s *Store) MoveFailureToQueue(ctx context.Context, failureID int64, payload string, priority int) (*Entry, error) {
	ctx = ensureContext(ctx)

	var entryID int64
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `SELECT `+failureColumns+` FROM failed_entries WHERE id = ?`, failureID)
		record, err := scanFailure(row)
		if err != nil {
			return err
		}

		now := formatTime(time.Now().UTC())
		res, err := tx.ExecContext(
			ctx,
			`INSERT INTO queue_entries (queue_name, payload, priority, attempts, created_at, available_at, reserved_at)
             VALUES (?, ?, ?, 0, ?, ?, NULL)`,
			record.QueueName,
			payload,
			priority,
			now,
			now,
		)
		if err != nil {
			return err
		}
		entryID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM failed_entries WHERE id = ?`, failureID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "queue", "move failure to queue", "failure record missing", nil)
	}
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "queue", "move failure to queue", "", err)
	}
	return s.GetEntry(ctx, entryID)
}

// ClearFailures removes all failure records and reports how many were deleted.
func (s *Store) ClearFailures(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM failed_entries`)
	if err != nil {
		return 0, services.Wrap(services.ErrStorage, "queue", "clear failures", "", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, services.Wrap(services.ErrStorage, "queue", "clear failures rows affected", "", err)
	}
	return affected, nil
}
