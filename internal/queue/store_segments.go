package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"lectern/internal/services"
)

const segmentColumns = "segment_id, course_id, stage, progress_percent, error_message, artifact_refs, approval, is_processing, started_at, updated_at"

func scanSegment(scanner interface{ Scan(dest ...any) error }) (*Segment, error) {
	var (
		segmentID    string
		courseID     string
		stage        string
		progress     float64
		errorMessage sql.NullString
		artifactJSON sql.NullString
		approvalJSON sql.NullString
		isProcessing int
		startedAt    sql.NullString
		updatedAt    string
	)
	if err := scanner.Scan(&segmentID, &courseID, &stage, &progress, &errorMessage, &artifactJSON, &approvalJSON, &isProcessing, &startedAt, &updatedAt); err != nil {
		return nil, err
	}

	segment := &Segment{
		SegmentID:       segmentID,
		CourseID:        courseID,
		Stage:           SegmentStage(stage),
		ProgressPercent: progress,
		ErrorMessage:    errorMessage.String,
		IsProcessing:    isProcessing != 0,
	}
	if artifactJSON.Valid && artifactJSON.String != "" {
		if err := json.Unmarshal([]byte(artifactJSON.String), &segment.ArtifactRefs); err != nil {
			return nil, err
		}
	}
	if approvalJSON.Valid && approvalJSON.String != "" {
		if err := json.Unmarshal([]byte(approvalJSON.String), &segment.Approval); err != nil {
			return nil, err
		}
	}
	if startedAt.Valid && startedAt.String != "" {
		parsed, err := parseTimeString(startedAt.String)
		if err != nil {
			return nil, err
		}
		segment.StartedAt = &parsed
	}
	parsed, err := parseTimeString(updatedAt)
	if err != nil {
		return nil, err
	}
	segment.UpdatedAt = parsed
	return segment, nil
}

func segmentJSON(segment *Segment) (artifacts, approval string, err error) {
	refs := segment.ArtifactRefs
	if refs == nil {
		refs = map[string]string{}
	}
	artifactBytes, err := json.Marshal(refs)
	if err != nil {
		return "", "", err
	}
	approvalBytes, err := json.Marshal(segment.Approval)
	if err != nil {
		return "", "", err
	}
	return string(artifactBytes), string(approvalBytes), nil
}

// EnsureSegment creates the processing record for a segment at the ready
// stage if one does not exist, then returns the current record.
func (s *Store) EnsureSegment(ctx context.Context, segmentID, courseID string) (*Segment, error) {
	if segmentID == "" {
		return nil, services.Wrap(services.ErrValidation, "queue", "ensure segment", "segment id is empty", nil)
	}
	ctx = ensureContext(ctx)
	_, err := s.execWithRetry(
		ctx,
		`INSERT OR IGNORE INTO segment_processing
             (segment_id, course_id, stage, progress_percent, error_message, artifact_refs, approval, is_processing, started_at, updated_at)
         VALUES (?, ?, ?, 0, NULL, '{}', '{"approved":false}', 0, NULL, ?)`,
		segmentID,
		courseID,
		string(StageReady),
		formatTime(time.Now().UTC()),
	)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "queue", "ensure segment", "", err)
	}
	return s.GetSegment(ctx, segmentID)
}

// GetSegment fetches a segment processing record. Returns nil when absent.
func (s *Store) GetSegment(ctx context.Context, segmentID string) (*Segment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+segmentColumns+` FROM segment_processing WHERE segment_id = ?`, segmentID)
	segment, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "queue", "get segment", "", err)
	}
	return segment, nil
}

// UpdateSegment persists the full segment record. The row must already exist.
func (s *Store) UpdateSegment(ctx context.Context, segment *Segment) error {
	if segment == nil || segment.SegmentID == "" {
		return services.Wrap(services.ErrValidation, "queue", "update segment", "segment id is empty", nil)
	}
	artifacts, approval, err := segmentJSON(segment)
	if err != nil {
		return services.Wrap(services.ErrStorage, "queue", "encode segment", "", err)
	}
	segment.UpdatedAt = time.Now().UTC()

	res, err := s.execWithRetry(
		ctx,
		`UPDATE segment_processing
             SET course_id = ?, stage = ?, progress_percent = ?, error_message = ?,
                 artifact_refs = ?, approval = ?, is_processing = ?, started_at = ?, updated_at = ?
         WHERE segment_id = ?`,
		segment.CourseID,
		string(segment.Stage),
		segment.ProgressPercent,
		nullableString(segment.ErrorMessage),
		artifacts,
		approval,
		boolToInt(segment.IsProcessing),
		nullableTime(segment.StartedAt),
		formatTime(segment.UpdatedAt),
		segment.SegmentID,
	)
	if err != nil {
		return services.Wrap(services.ErrStorage, "queue", "update segment", "", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return services.Wrap(services.ErrStorage, "queue", "update segment rows affected", "", err)
	}
	if affected == 0 {
		return services.Wrap(services.ErrNotFound, "queue", "update segment", "segment "+segment.SegmentID+" missing", nil)
	}
	return nil
}

// ListSegmentsByCourse returns every segment record for a course, ordered by
// segment identifier.
func (s *Store) ListSegmentsByCourse(ctx context.Context, courseID string) ([]*Segment, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+segmentColumns+` FROM segment_processing WHERE course_id = ? ORDER BY segment_id ASC`,
		courseID,
	)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "queue", "list segments", "", err)
	}
	defer rows.Close()

	var segments []*Segment
	for rows.Next() {
		segment, err := scanSegment(rows)
		if err != nil {
			return nil, services.Wrap(services.ErrStorage, "queue", "scan segment", "", err)
		}
		segments = append(segments, segment)
	}
	return segments, rows.Err()
}

// DeleteSegment removes a segment processing record.
func (s *Store) DeleteSegment(ctx context.Context, segmentID string) error {
	_, err := s.execWithRetry(ctx, `DELETE FROM segment_processing WHERE segment_id = ?`, segmentID)
	if err != nil {
		return services.Wrap(services.ErrStorage, "queue", "delete segment", "", err)
	}
	return nil
}
