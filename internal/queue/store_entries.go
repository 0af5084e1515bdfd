package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"lectern/internal/services"
)

// NewEntry describes an entry to insert into the priority queue.
type NewEntry struct {
	QueueName string
	Payload   string
	Priority  int
	Delay     time.Duration
}

// InsertEntry writes a new queue entry and returns the persisted row.
func (s *Store) InsertEntry(ctx context.Context, entry NewEntry) (*Entry, error) {
	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO queue_entries (queue_name, payload, priority, attempts, created_at, available_at, reserved_at)
         VALUES (?, ?, ?, 0, ?, ?, NULL)`,
		entry.QueueName,
		entry.Payload,
		entry.Priority,
		formatTime(now),
		formatTime(now.Add(entry.Delay)),
	)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "queue", "insert entry", "", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "queue", "last insert id", "", err)
	}
	return s.GetEntry(ctx, id)
}

// GetEntry fetches a queue entry by identifier. Returns nil when absent.
func (s *Store) GetEntry(ctx context.Context, id int64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "queue", "get entry", "", err)
	}
	return entry, nil
}

// ListEntries returns queue entries ordered by claim precedence, optionally
// filtered by queue name.
func (s *Store) ListEntries(ctx context.Context, queues ...string) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM queue_entries`
	args := make([]any, 0, len(queues))
	if len(queues) > 0 {
		query += ` WHERE queue_name IN (` + makePlaceholders(len(queues)) + `)`
		for _, name := range queues {
			args = append(args, name)
		}
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "queue", "list entries", "", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, services.Wrap(services.ErrStorage, "queue", "scan entry", "", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// claimSelectAttempts bounds the select-then-reserve loop when claims race.
const claimSelectAttempts = 3

// Claim atomically reserves the next eligible entry: unreserved, available,
// highest priority first, oldest first within a band. Returns nil when no
// entry is eligible. When N callers race for one entry, exactly one claim
// succeeds; the reservation is the conditional update on reserved_at.
func (s *Store) Claim(ctx context.Context, queues ...string) (*Entry, error) {
	ctx = ensureContext(ctx)
	for attempt := 0; attempt < claimSelectAttempts; attempt++ {
		now := time.Now().UTC()

		query := `SELECT ` + entryColumns + ` FROM queue_entries
             WHERE reserved_at IS NULL AND available_at <= ?`
		args := []any{formatTime(now)}
		if len(queues) > 0 {
			query += ` AND queue_name IN (` + makePlaceholders(len(queues)) + `)`
			for _, name := range queues {
				args = append(args, name)
			}
		}
		query += ` ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1`

		row := s.db.QueryRowContext(ctx, query, args...)
		candidate, err := scanEntry(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, services.Wrap(services.ErrStorage, "queue", "select claim candidate", "", err)
		}

		res, err := s.execWithRetry(
			ctx,
			`UPDATE queue_entries SET reserved_at = ?, attempts = attempts + 1
             WHERE id = ? AND reserved_at IS NULL`,
			formatTime(now),
			candidate.ID,
		)
		if err != nil {
			return nil, services.Wrap(services.ErrStorage, "queue", "reserve entry", "", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, services.Wrap(services.ErrStorage, "queue", "reserve rows affected", "", err)
		}
		if affected == 1 {
			return s.GetEntry(ctx, candidate.ID)
		}
		// Lost the race for this candidate; select again.
	}
	return nil, nil
}

// Release returns a claimed entry to the queue after a delay. The reservation
// is cleared only if the caller still holds it (reserved_at non-null).
func (s *Store) Release(ctx context.Context, id int64, delay time.Duration) error {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE queue_entries SET reserved_at = NULL, available_at = ?
         WHERE id = ? AND reserved_at IS NOT NULL`,
		formatTime(time.Now().UTC().Add(delay)),
		id,
	)
	if err != nil {
		return services.Wrap(services.ErrStorage, "queue", "release entry", "", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return services.Wrap(services.ErrStorage, "queue", "release rows affected", "", err)
	}
	if affected == 0 {
		return services.Wrap(services.ErrNotFound, "queue", "release entry", "entry missing or not reserved", nil)
	}
	return nil
}

// CompleteEntry removes a finished entry from the queue.
func (s *Store) CompleteEntry(ctx context.Context, id int64) error {
	res, err := s.execWithRetry(ctx, `DELETE FROM queue_entries WHERE id = ?`, id)
	if err != nil {
		return services.Wrap(services.ErrStorage, "queue", "complete entry", "", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return services.Wrap(services.ErrStorage, "queue", "complete rows affected", "", err)
	}
	if affected == 0 {
		return services.Wrap(services.ErrNotFound, "queue", "complete entry", "entry missing", nil)
	}
	return nil
}

// FailEntry moves a queue entry into the failure store, capturing the error
// detail. The original entry is removed in the same transaction.
func (s *Store) FailEntry(ctx context.Context, id int64, errorDetail string) (*FailureRecord, error) {
	ctx = ensureContext(ctx)

	var failureID int64
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id = ?`, id)
		entry, err := scanEntry(row)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(
			ctx,
			`INSERT INTO failed_entries (queue_name, payload, error_detail, failed_at)
             VALUES (?, ?, ?, ?)`,
			entry.QueueName,
			entry.Payload,
			errorDetail,
			formatTime(time.Now().UTC()),
		)
		if err != nil {
			return err
		}
		failureID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE id = ?`, id); err != nil {
			return err
		}
		return tx.Commit()
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "queue", "fail entry", "entry missing", nil)
	}
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "queue", "fail entry", "", err)
	}
	return s.GetFailure(ctx, failureID)
}
