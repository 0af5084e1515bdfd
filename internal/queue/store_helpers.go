package queue

import (
	"database/sql"
	"errors"
	"time"
)

// timeLayout is a fixed-width UTC layout so stored timestamps compare
// lexicographically in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(value time.Time) string {
	return value.UTC().Format(timeLayout)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(timeLayout, value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

const entryColumns = "id, queue_name, payload, priority, attempts, created_at, available_at, reserved_at"

func scanEntry(scanner interface{ Scan(dest ...any) error }) (*Entry, error) {
	var (
		id          int64
		queueName   string
		payload     string
		priority    int
		attempts    int
		createdRaw  string
		availRaw    string
		reservedRaw sql.NullString
	)
	if err := scanner.Scan(&id, &queueName, &payload, &priority, &attempts, &createdRaw, &availRaw, &reservedRaw); err != nil {
		return nil, err
	}

	entry := &Entry{
		ID:        id,
		QueueName: queueName,
		Payload:   payload,
		Priority:  priority,
		Attempts:  attempts,
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		entry.CreatedAt = created
	}
	if avail, err := parseTimeString(availRaw); err == nil {
		entry.AvailableAt = avail
	}
	if reservedRaw.Valid {
		if reserved, err := parseTimeString(reservedRaw.String); err == nil {
			entry.ReservedAt = &reserved
		}
	}
	return entry, nil
}

const failureColumns = "id, queue_name, payload, error_detail, failed_at"

func scanFailure(scanner interface{ Scan(dest ...any) error }) (*FailureRecord, error) {
	var (
		id        int64
		queueName string
		payload   string
		detail    string
		failedRaw string
	)
	if err := scanner.Scan(&id, &queueName, &payload, &detail, &failedRaw); err != nil {
		return nil, err
	}
	record := &FailureRecord{
		ID:          id,
		QueueName:   queueName,
		Payload:     payload,
		ErrorDetail: detail,
	}
	if failed, err := parseTimeString(failedRaw); err == nil {
		record.FailedAt = failed
	}
	return record, nil
}

const workItemColumns = "work_id, owner_id, status, updated_at"

func scanWorkItem(scanner interface{ Scan(dest ...any) error }) (*WorkItem, error) {
	var (
		workID     string
		ownerID    string
		status     string
		updatedRaw string
	)
	if err := scanner.Scan(&workID, &ownerID, &status, &updatedRaw); err != nil {
		return nil, err
	}
	item := &WorkItem{
		WorkID:  workID,
		OwnerID: ownerID,
		Status:  WorkStatus(status),
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		item.UpdatedAt = updated
	}
	return item, nil
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
