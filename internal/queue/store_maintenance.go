package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"lectern/internal/services"
)

// Stats summarizes queue depth, reservations, failures, and registry counts.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	ctx = ensureContext(ctx)
	stats := &Stats{
		ByQueue:   make(map[string]int),
		WorkItems: make(map[WorkStatus]int),
	}

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries WHERE reserved_at IS NULL`)
	if err := row.Scan(&stats.Pending); err != nil {
		return nil, services.Wrap(services.ErrStorage, "queue", "count pending", "", err)
	}
	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries WHERE reserved_at IS NOT NULL`)
	if err := row.Scan(&stats.Reserved); err != nil {
		return nil, services.Wrap(services.ErrStorage, "queue", "count reserved", "", err)
	}
	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failed_entries`)
	if err := row.Scan(&stats.Failed); err != nil {
		return nil, services.Wrap(services.ErrStorage, "queue", "count failures", "", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT queue_name, COUNT(*) FROM queue_entries GROUP BY queue_name`)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "queue", "count by queue", "", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, services.Wrap(services.ErrStorage, "queue", "scan queue count", "", err)
		}
		stats.ByQueue[name] = n
	}
	if err := rows.Err(); err != nil {
		return nil, services.Wrap(services.ErrStorage, "queue", "count by queue", "", err)
	}

	itemRows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "queue", "count work items", "", err)
	}
	defer itemRows.Close()
	for itemRows.Next() {
		var status string
		var n int
		if err := itemRows.Scan(&status, &n); err != nil {
			return nil, services.Wrap(services.ErrStorage, "queue", "scan work item count", "", err)
		}
		stats.WorkItems[WorkStatus(status)] = n
	}
	if err := itemRows.Err(); err != nil {
		return nil, services.Wrap(services.ErrStorage, "queue", "count work items", "", err)
	}

	stats.OldestPending, err = s.scanOptionalTime(ctx, `SELECT MIN(created_at) FROM queue_entries WHERE reserved_at IS NULL`)
	if err != nil {
		return nil, err
	}
	stats.LatestReserved, err = s.scanOptionalTime(ctx, `SELECT MAX(reserved_at) FROM queue_entries`)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Store) scanOptionalTime(ctx context.Context, query string) (*time.Time, error) {
	var raw sql.NullString
	if err := s.db.QueryRowContext(ctx, query).Scan(&raw); err != nil {
		return nil, services.Wrap(services.ErrStorage, "queue", "scan timestamp", "", err)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	parsed, err := parseTimeString(raw.String)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "queue", "parse timestamp", "", err)
	}
	return &parsed, nil
}

func (s *Store) scanCount(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ensureContext(ctx), query, args...).Scan(&n); err != nil {
		return 0, services.Wrap(services.ErrStorage, "queue", "count", "", err)
	}
	return n, nil
}

// CountStuck reports unreserved entries created before the cutoff. Entries
// sitting unclaimed past the threshold usually mean workers are not draining
// the queue.
func (s *Store) CountStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := formatTime(time.Now().UTC().Add(-olderThan))
	return s.scanCount(ctx, `SELECT COUNT(*) FROM queue_entries WHERE reserved_at IS NULL AND created_at < ?`, cutoff)
}

// CountFailuresSince reports failure records captured after the given time.
func (s *Store) CountFailuresSince(ctx context.Context, since time.Time) (int, error) {
	return s.scanCount(ctx, `SELECT COUNT(*) FROM failed_entries WHERE failed_at >= ?`, formatTime(since))
}

// CountWorkItemsUpdatedSince reports registry items that changed after the
// given time, optionally restricted to one status.
func (s *Store) CountWorkItemsUpdatedSince(ctx context.Context, since time.Time, status WorkStatus) (int, error) {
	if status == "" {
		return s.scanCount(ctx, `SELECT COUNT(*) FROM work_items WHERE updated_at >= ?`, formatTime(since))
	}
	return s.scanCount(
		ctx,
		`SELECT COUNT(*) FROM work_items WHERE updated_at >= ? AND status = ?`,
		formatTime(since),
		string(status),
	)
}

// CountReserved reports entries currently claimed by workers.
func (s *Store) CountReserved(ctx context.Context) (int, error) {
	return s.scanCount(ctx, `SELECT COUNT(*) FROM queue_entries WHERE reserved_at IS NOT NULL`)
}

// ListLongReservations returns entries that have been claimed longer than the
// threshold. These usually indicate a worker that died without releasing.
func (s *Store) ListLongReservations(ctx context.Context, olderThan time.Duration) ([]*Entry, error) {
	cutoff := formatTime(time.Now().UTC().Add(-olderThan))
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+entryColumns+` FROM queue_entries WHERE reserved_at IS NOT NULL AND reserved_at < ? ORDER BY reserved_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "queue", "list long reservations", "", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, services.Wrap(services.ErrStorage, "queue", "scan long reservation", "", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ClearQueue removes every pending and reserved entry, reporting how many
// rows were deleted. Failure records and the registry are untouched.
func (s *Store) ClearQueue(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM queue_entries`)
	if err != nil {
		return 0, services.Wrap(services.ErrStorage, "queue", "clear queue", "", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, services.Wrap(services.ErrStorage, "queue", "clear queue rows affected", "", err)
	}
	return affected, nil
}

// CheckHealth inspects the database file and schema without mutating anything.
// It is safe to call against a database another process has open.
func (s *Store) CheckHealth(ctx context.Context) DatabaseHealth {
	ctx = ensureContext(ctx)
	health := DatabaseHealth{DBPath: s.path}

	if _, err := os.Stat(s.path); err != nil {
		health.Error = fmt.Sprintf("database file not accessible: %v", err)
		return health
	}
	health.DatabaseExists = true

	if err := s.db.PingContext(ctx); err != nil {
		health.Error = fmt.Sprintf("database not readable: %v", err)
		return health
	}
	health.DatabaseReadable = true

	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'queue_entries'`).Scan(&name)
	if err != nil {
		health.Error = "queue_entries table missing"
		return health
	}
	health.TableExists = true
	health.MissingColumns = s.missingEntryColumns(ctx)

	var integrity string
	if err := s.db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&integrity); err == nil {
		health.IntegrityCheck = strings.EqualFold(integrity, "ok")
	}
	if n, err := s.scanCount(ctx, `SELECT COUNT(*) FROM queue_entries`); err == nil {
		health.TotalEntries = n
	}
	return health
}

func (s *Store) missingEntryColumns(ctx context.Context) []string {
	required := []string{"id", "queue_name", "payload", "priority", "attempts", "created_at", "available_at", "reserved_at"}
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(queue_entries)`)
	if err != nil {
		return required
	}
	defer rows.Close()

	present := make(map[string]bool, len(required))
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &primaryKey); err != nil {
			return required
		}
		present[name] = true
	}

	var missing []string
	for _, column := range required {
		if !present[column] {
			missing = append(missing, column)
		}
	}
	return missing
}
