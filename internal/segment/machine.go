// Package segment drives the per-segment pipeline state machine: ready,
// audio extraction, transcription, terminology, completed, with failed
// reachable from any non-terminal stage. Transitions are guarded against
// reentrancy and against skipping required artifacts or the approval gate.
package segment

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"lectern/internal/logging"
	"lectern/internal/queue"
	"lectern/internal/services"
)

// Machine applies guarded stage transitions to segment records.
type Machine struct {
	store  *queue.Store
	logger *slog.Logger
}

// NewMachine builds a stage machine over the given store.
func NewMachine(store *queue.Store, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Machine{
		store:  store,
		logger: logging.NewComponentLogger(logger, "segment"),
	}
}

func (m *Machine) load(ctx context.Context, segmentID string) (*queue.Segment, error) {
	segment, err := m.store.GetSegment(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	if segment == nil {
		return nil, services.Wrap(services.ErrNotFound, "segment", "load", "segment "+segmentID+" missing", nil)
	}
	return segment, nil
}

// guardIdle rejects transitions on terminal or in-flight segments.
func guardIdle(segment *queue.Segment, operation string) error {
	if segment.Stage.Terminal() {
		return services.Wrap(services.ErrConflict, "segment", operation, "segment "+segment.SegmentID+" already completed", nil)
	}
	if segment.IsProcessing {
		return services.Wrap(services.ErrConflict, "segment", operation, "segment "+segment.SegmentID+" is already processing", nil)
	}
	return nil
}

// StartAudioExtraction begins audio extraction. Allowed only from ready or
// failed (a restart after failure).
func (m *Machine) StartAudioExtraction(ctx context.Context, segmentID string) (*queue.Segment, error) {
	segment, err := m.load(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	if err := guardIdle(segment, "start audio extraction"); err != nil {
		return nil, err
	}
	if segment.Stage != queue.StageReady && segment.Stage != queue.StageFailed {
		return nil, services.Wrap(services.ErrConflict, "segment", "start audio extraction",
			"cannot start from stage "+string(segment.Stage), nil)
	}

	now := time.Now().UTC()
	segment.Stage = queue.StageAudioExtracting
	segment.IsProcessing = true
	segment.StartedAt = &now
	segment.ErrorMessage = ""
	segment.ProgressPercent = 5
	if err := m.store.UpdateSegment(ctx, segment); err != nil {
		return nil, err
	}
	m.logStage(ctx, segment)
	return segment, nil
}

// CompleteAudioExtraction records the produced audio artifact and releases
// the processing guard. The segment stays in audio_extracting until
// transcription starts.
func (m *Machine) CompleteAudioExtraction(ctx context.Context, segmentID, audioPath string) (*queue.Segment, error) {
	segment, err := m.load(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	if segment.Stage != queue.StageAudioExtracting {
		return nil, services.Wrap(services.ErrConflict, "segment", "complete audio extraction",
			"segment is in stage "+string(segment.Stage), nil)
	}
	if strings.TrimSpace(audioPath) == "" {
		return nil, services.Wrap(services.ErrValidation, "segment", "complete audio extraction", "audio path is empty", nil)
	}

	segment.SetArtifactRef(queue.ArtifactAudio, audioPath)
	segment.IsProcessing = false
	segment.ProgressPercent = 30
	if err := m.store.UpdateSegment(ctx, segment); err != nil {
		return nil, err
	}
	m.logStage(ctx, segment)
	return segment, nil
}

// Approve records the go decision required before transcription.
func (m *Machine) Approve(ctx context.Context, segmentID, approvedBy string) (*queue.Segment, error) {
	segment, err := m.load(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	if segment.Stage.Terminal() {
		return nil, services.Wrap(services.ErrConflict, "segment", "approve", "segment already completed", nil)
	}

	now := time.Now().UTC()
	segment.Approval = queue.Approval{Approved: true, ApprovedBy: approvedBy, ApprovedAt: &now}
	if err := m.store.UpdateSegment(ctx, segment); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "segment approved",
		logging.String(logging.FieldWorkID, segment.SegmentID),
		logging.String("approved_by", approvedBy),
	)
	return segment, nil
}

// StartTranscription begins transcription. Requires the audio artifact and
// the approval gate.
func (m *Machine) StartTranscription(ctx context.Context, segmentID string) (*queue.Segment, error) {
	segment, err := m.load(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	if err := guardIdle(segment, "start transcription"); err != nil {
		return nil, err
	}
	if _, ok := segment.ArtifactRef(queue.ArtifactAudio); !ok {
		return nil, services.Wrap(services.ErrConflict, "segment", "start transcription", "audio artifact missing", nil)
	}
	if !segment.Approval.Approved {
		return nil, services.Wrap(services.ErrConflict, "segment", "start transcription", "segment not approved", nil)
	}

	segment.Stage = queue.StageTranscribing
	segment.IsProcessing = true
	segment.ProgressPercent = 40
	if err := m.store.UpdateSegment(ctx, segment); err != nil {
		return nil, err
	}
	m.logStage(ctx, segment)
	return segment, nil
}

// CompleteTranscription records the transcript artifact.
func (m *Machine) CompleteTranscription(ctx context.Context, segmentID, transcriptPath string) (*queue.Segment, error) {
	segment, err := m.load(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	if segment.Stage != queue.StageTranscribing {
		return nil, services.Wrap(services.ErrConflict, "segment", "complete transcription",
			"segment is in stage "+string(segment.Stage), nil)
	}
	if strings.TrimSpace(transcriptPath) == "" {
		return nil, services.Wrap(services.ErrValidation, "segment", "complete transcription", "transcript path is empty", nil)
	}

	segment.SetArtifactRef(queue.ArtifactTranscript, transcriptPath)
	segment.IsProcessing = false
	segment.ProgressPercent = 75
	if err := m.store.UpdateSegment(ctx, segment); err != nil {
		return nil, err
	}
	m.logStage(ctx, segment)
	return segment, nil
}

// StartTerminology begins terminology extraction. Requires a non-empty
// transcript artifact on disk.
func (m *Machine) StartTerminology(ctx context.Context, segmentID string) (*queue.Segment, error) {
	segment, err := m.load(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	if err := guardIdle(segment, "start terminology"); err != nil {
		return nil, err
	}
	transcriptPath, ok := segment.ArtifactRef(queue.ArtifactTranscript)
	if !ok {
		return nil, services.Wrap(services.ErrConflict, "segment", "start terminology", "transcript artifact missing", nil)
	}
	if err := requireNonEmptyFile(transcriptPath); err != nil {
		return nil, services.Wrap(services.ErrConflict, "segment", "start terminology", "transcript artifact is empty", err)
	}

	segment.Stage = queue.StageTerminology
	segment.IsProcessing = true
	segment.ProgressPercent = 85
	if err := m.store.UpdateSegment(ctx, segment); err != nil {
		return nil, err
	}
	m.logStage(ctx, segment)
	return segment, nil
}

// CompleteTerminology records the terminology artifact and completes the
// pipeline for the segment.
func (m *Machine) CompleteTerminology(ctx context.Context, segmentID, terminologyPath string) (*queue.Segment, error) {
	segment, err := m.load(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	if segment.Stage != queue.StageTerminology {
		return nil, services.Wrap(services.ErrConflict, "segment", "complete terminology",
			"segment is in stage "+string(segment.Stage), nil)
	}
	if strings.TrimSpace(terminologyPath) == "" {
		return nil, services.Wrap(services.ErrValidation, "segment", "complete terminology", "terminology path is empty", nil)
	}

	segment.SetArtifactRef(queue.ArtifactTerminology, terminologyPath)
	segment.Stage = queue.StageCompleted
	segment.IsProcessing = false
	segment.ProgressPercent = 100
	if err := m.store.UpdateSegment(ctx, segment); err != nil {
		return nil, err
	}
	m.logStage(ctx, segment)
	return segment, nil
}

// MarkFailed moves a non-terminal segment to failed, recording the reason
// and releasing the processing guard.
func (m *Machine) MarkFailed(ctx context.Context, segmentID, reason string) (*queue.Segment, error) {
	segment, err := m.load(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	if segment.Stage.Terminal() {
		return nil, services.Wrap(services.ErrConflict, "segment", "mark failed", "segment already completed", nil)
	}

	segment.Stage = queue.StageFailed
	segment.ErrorMessage = reason
	segment.IsProcessing = false
	if err := m.store.UpdateSegment(ctx, segment); err != nil {
		return nil, err
	}
	m.logger.WarnContext(ctx, "segment failed",
		logging.String(logging.FieldWorkID, segment.SegmentID),
		logging.String("reason", reason),
	)
	return segment, nil
}

func (m *Machine) logStage(ctx context.Context, segment *queue.Segment) {
	m.logger.InfoContext(ctx, "segment stage updated",
		logging.String(logging.FieldWorkID, segment.SegmentID),
		logging.String(logging.FieldStage, string(segment.Stage)),
		logging.Float64("progress", segment.ProgressPercent),
		logging.Bool("processing", segment.IsProcessing),
	)
}
