package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"lectern/internal/config"
	"lectern/internal/dispatch"
	"lectern/internal/logging"
	"lectern/internal/queue"
	"lectern/internal/segment"
	"lectern/internal/services"
	"lectern/internal/worker"
)

// Stage artifact filenames under <artifact_dir>/<segment_id>/.
const (
	audioFileName       = "audio.flac"
	transcriptFileName  = "transcript.txt"
	terminologyFileName = "terminology.json"
	summaryFileName     = "summary.json"
)

// Stages holds the handler set for every job type.
type Stages struct {
	cfg     *config.Config
	store   *queue.Store
	machine *segment.Machine
	runner  Runner
	logger  *slog.Logger
}

// NewStages builds the handlers. A nil runner defaults to ExecRunner.
func NewStages(cfg *config.Config, store *queue.Store, machine *segment.Machine, runner Runner, logger *slog.Logger) *Stages {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Stages{
		cfg:     cfg,
		store:   store,
		machine: machine,
		runner:  runner,
		logger:  logging.NewComponentLogger(logger, "pipeline"),
	}
}

// Register installs one handler per job type on the worker manager.
func (s *Stages) Register(manager *worker.Manager) {
	manager.Register(dispatch.JobSegmentDownload, s.HandleDownload)
	manager.Register(dispatch.JobAudioExtract, s.HandleAudioExtract)
	manager.Register(dispatch.JobTranscribe, s.HandleTranscribe)
	manager.Register(dispatch.JobTerminology, s.HandleTerminology)
	manager.Register(dispatch.JobBatchAggregate, s.HandleAggregate)
}

func (s *Stages) segmentDir(segmentID string) string {
	return filepath.Join(s.cfg.Paths.ArtifactDir, segmentID)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

// findSourceMedia locates the delivered source file for a segment. Source
// acquisition itself is an external collaborator; lectern only waits for the
// file to land under the segment's artifact directory.
func (s *Stages) findSourceMedia(segmentID string) (string, bool) {
	matches, err := filepath.Glob(filepath.Join(s.segmentDir(segmentID), "source_media*"))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	return matches[0], fileExists(matches[0])
}

// HandleDownload waits for the segment's source media and records it as an
// artifact, leaving the segment ready for audio extraction.
func (s *Stages) HandleDownload(ctx context.Context, desc dispatch.Descriptor) error {
	seg, err := s.store.EnsureSegment(ctx, desc.SegmentID, desc.CourseID)
	if err != nil {
		return err
	}
	sourcePath, ok := s.findSourceMedia(desc.SegmentID)
	if !ok {
		return worker.ErrWaiting
	}
	seg.SetArtifactRef(queue.ArtifactSourceMedia, sourcePath)
	if err := s.store.UpdateSegment(ctx, seg); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "source media recorded",
		logging.String(logging.FieldWorkID, desc.SegmentID),
		logging.String("path", sourcePath),
	)
	return nil
}

// runStage passes an artifact through the configured tool, or waits for it
// when no tool is set. A tool failure marks the segment failed and surfaces
// the error.
func (s *Stages) runStage(ctx context.Context, segmentID, command, input, output string) error {
	if command == "" {
		if !fileExists(output) {
			return worker.ErrWaiting
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return services.Wrap(services.ErrStorage, "pipeline", "prepare artifact dir", "", err)
	}
	if err := s.runner.Run(ctx, expandCommand(command, segmentID, input, output)); err != nil {
		if _, failErr := s.machine.MarkFailed(ctx, segmentID, err.Error()); failErr != nil {
			return errors.Join(err, failErr)
		}
		return err
	}
	if !fileExists(output) {
		err := errors.New("tool exited cleanly but produced no output at " + output)
		if _, failErr := s.machine.MarkFailed(ctx, segmentID, err.Error()); failErr != nil {
			return errors.Join(err, failErr)
		}
		return err
	}
	return nil
}

// HandleAudioExtract moves a segment through audio extraction.
func (s *Stages) HandleAudioExtract(ctx context.Context, desc dispatch.Descriptor) error {
	seg, err := s.store.GetSegment(ctx, desc.SegmentID)
	if err != nil {
		return err
	}
	if seg == nil {
		return services.Wrap(services.ErrNotFound, "pipeline", "audio extract", "segment "+desc.SegmentID+" missing", nil)
	}
	sourcePath, ok := seg.ArtifactRef(queue.ArtifactSourceMedia)
	if !ok {
		return worker.ErrWaiting
	}
	if seg.Stage != queue.StageAudioExtracting {
		if _, err := s.machine.StartAudioExtraction(ctx, desc.SegmentID); err != nil {
			return err
		}
	}

	output := filepath.Join(s.segmentDir(desc.SegmentID), audioFileName)
	if err := s.runStage(ctx, desc.SegmentID, s.cfg.Tools.AudioExtractCommand, sourcePath, output); err != nil {
		return err
	}
	_, err = s.machine.CompleteAudioExtraction(ctx, desc.SegmentID, output)
	return err
}

// HandleTranscribe moves a segment through transcription. The approval gate
// is a wait, not a failure: unapproved segments are released and revisited.
func (s *Stages) HandleTranscribe(ctx context.Context, desc dispatch.Descriptor) error {
	seg, err := s.store.GetSegment(ctx, desc.SegmentID)
	if err != nil {
		return err
	}
	if seg == nil {
		return services.Wrap(services.ErrNotFound, "pipeline", "transcribe", "segment "+desc.SegmentID+" missing", nil)
	}
	audioPath, ok := seg.ArtifactRef(queue.ArtifactAudio)
	if !ok {
		return worker.ErrWaiting
	}
	if !seg.Approval.Approved {
		return worker.ErrWaiting
	}
	if seg.Stage != queue.StageTranscribing {
		if _, err := s.machine.StartTranscription(ctx, desc.SegmentID); err != nil {
			return err
		}
	}

	output := filepath.Join(s.segmentDir(desc.SegmentID), transcriptFileName)
	if err := s.runStage(ctx, desc.SegmentID, s.cfg.Tools.TranscribeCommand, audioPath, output); err != nil {
		return err
	}
	_, err = s.machine.CompleteTranscription(ctx, desc.SegmentID, output)
	return err
}

// HandleTerminology runs the final stage and completes the segment.
func (s *Stages) HandleTerminology(ctx context.Context, desc dispatch.Descriptor) error {
	seg, err := s.store.GetSegment(ctx, desc.SegmentID)
	if err != nil {
		return err
	}
	if seg == nil {
		return services.Wrap(services.ErrNotFound, "pipeline", "terminology", "segment "+desc.SegmentID+" missing", nil)
	}
	transcriptPath, ok := seg.ArtifactRef(queue.ArtifactTranscript)
	if !ok || !fileExists(transcriptPath) {
		return worker.ErrWaiting
	}
	if seg.Stage != queue.StageTerminology {
		if _, err := s.machine.StartTerminology(ctx, desc.SegmentID); err != nil {
			return err
		}
	}

	output := filepath.Join(s.segmentDir(desc.SegmentID), terminologyFileName)
	if err := s.runStage(ctx, desc.SegmentID, s.cfg.Tools.TerminologyCommand, transcriptPath, output); err != nil {
		return err
	}
	_, err = s.machine.CompleteTerminology(ctx, desc.SegmentID, output)
	return err
}

// courseSummary is the aggregate artifact written for a course.
type courseSummary struct {
	CourseID  string         `json:"course_id"`
	Segments  int            `json:"segments"`
	ByStage   map[string]int `json:"by_stage"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
}

// HandleAggregate writes a course-level summary of segment stages.
func (s *Stages) HandleAggregate(ctx context.Context, desc dispatch.Descriptor) error {
	segments, err := s.store.ListSegmentsByCourse(ctx, desc.CourseID)
	if err != nil {
		return err
	}

	summary := courseSummary{
		CourseID: desc.CourseID,
		Segments: len(segments),
		ByStage:  make(map[string]int),
	}
	for _, seg := range segments {
		summary.ByStage[string(seg.Stage)]++
		switch seg.Stage {
		case queue.StageCompleted:
			summary.Completed++
		case queue.StageFailed:
			summary.Failed++
		}
	}

	raw, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return services.Wrap(services.ErrPayload, "pipeline", "aggregate", "", err)
	}
	outputDir := filepath.Join(s.cfg.Paths.ArtifactDir, "courses", desc.CourseID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return services.Wrap(services.ErrStorage, "pipeline", "aggregate", "", err)
	}
	output := filepath.Join(outputDir, summaryFileName)
	if err := os.WriteFile(output, raw, 0o644); err != nil {
		return services.Wrap(services.ErrStorage, "pipeline", "aggregate", "", err)
	}
	s.logger.InfoContext(ctx, "course summary written",
		logging.String("course_id", desc.CourseID),
		logging.Int("segments", summary.Segments),
		logging.String("path", output),
	)
	return nil
}
