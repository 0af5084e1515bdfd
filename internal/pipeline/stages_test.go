package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"lectern/internal/config"
	"lectern/internal/dispatch"
	"lectern/internal/pipeline"
	"lectern/internal/queue"
	"lectern/internal/segment"
	"lectern/internal/testsupport"
	"lectern/internal/worker"
)

type stubRunner struct {
	commands []string
	err      error
	output   string
}

func (r *stubRunner) Run(ctx context.Context, command string) error {
	r.commands = append(r.commands, command)
	if r.err != nil {
		return r.err
	}
	if r.output != "" {
		if err := os.WriteFile(r.output, []byte("generated"), 0o644); err != nil {
			return err
		}
	}
	return nil
}

type fixture struct {
	cfg     *config.Config
	store   *queue.Store
	machine *segment.Machine
	runner  *stubRunner
	stages  *pipeline.Stages
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	machine := segment.NewMachine(store, nil)
	runner := &stubRunner{}
	return &fixture{
		cfg:     cfg,
		store:   store,
		machine: machine,
		runner:  runner,
		stages:  pipeline.NewStages(cfg, store, machine, runner, nil),
	}
}

func (f *fixture) descriptor(jobType dispatch.JobType, segmentID string) dispatch.Descriptor {
	return dispatch.Descriptor{
		Type:      jobType,
		WorkID:    fmt.Sprintf("%s:%s", segmentID, jobType),
		SegmentID: segmentID,
		CourseID:  "course-1",
	}
}

func TestHandleDownloadWaitsForSourceMedia(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	desc := f.descriptor(dispatch.JobSegmentDownload, "seg-dl")

	if err := f.stages.HandleDownload(ctx, desc); !errors.Is(err, worker.ErrWaiting) {
		t.Fatalf("expected waiting before delivery, got %v", err)
	}

	testsupport.WriteArtifact(t, f.cfg.Paths.ArtifactDir, "seg-dl/source_media.mp4", "video")
	if err := f.stages.HandleDownload(ctx, desc); err != nil {
		t.Fatalf("HandleDownload failed: %v", err)
	}

	seg, err := f.store.GetSegment(ctx, "seg-dl")
	if err != nil {
		t.Fatalf("GetSegment failed: %v", err)
	}
	if _, ok := seg.ArtifactRef(queue.ArtifactSourceMedia); !ok {
		t.Fatal("source media artifact should be recorded")
	}
}

func TestHandleAudioExtractRunsTool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.cfg.Tools.AudioExtractCommand = "extract {input} {output}"

	source := testsupport.WriteArtifact(t, f.cfg.Paths.ArtifactDir, "seg-a/source_media.mp4", "video")
	if err := f.stages.HandleDownload(ctx, f.descriptor(dispatch.JobSegmentDownload, "seg-a")); err != nil {
		t.Fatalf("HandleDownload failed: %v", err)
	}
	f.runner.output = filepath.Join(f.cfg.Paths.ArtifactDir, "seg-a", "audio.flac")

	if err := f.stages.HandleAudioExtract(ctx, f.descriptor(dispatch.JobAudioExtract, "seg-a")); err != nil {
		t.Fatalf("HandleAudioExtract failed: %v", err)
	}
	if len(f.runner.commands) != 1 {
		t.Fatalf("expected one tool invocation, got %v", f.runner.commands)
	}
	want := "extract " + source + " " + f.runner.output
	if f.runner.commands[0] != want {
		t.Fatalf("placeholder expansion wrong:\n got %q\nwant %q", f.runner.commands[0], want)
	}

	seg, err := f.store.GetSegment(ctx, "seg-a")
	if err != nil {
		t.Fatalf("GetSegment failed: %v", err)
	}
	if seg.Stage != queue.StageAudioExtracting || seg.IsProcessing {
		t.Fatalf("unexpected segment state: %#v", seg)
	}
	if _, ok := seg.ArtifactRef(queue.ArtifactAudio); !ok {
		t.Fatal("audio artifact should be recorded")
	}
}

func TestHandleAudioExtractToolFailureMarksSegmentFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.cfg.Tools.AudioExtractCommand = "extract {input} {output}"
	f.runner.err = errors.New("codec exploded")

	testsupport.WriteArtifact(t, f.cfg.Paths.ArtifactDir, "seg-b/source_media.mp4", "video")
	if err := f.stages.HandleDownload(ctx, f.descriptor(dispatch.JobSegmentDownload, "seg-b")); err != nil {
		t.Fatalf("HandleDownload failed: %v", err)
	}

	err := f.stages.HandleAudioExtract(ctx, f.descriptor(dispatch.JobAudioExtract, "seg-b"))
	if err == nil {
		t.Fatal("expected tool error to surface")
	}
	seg, getErr := f.store.GetSegment(ctx, "seg-b")
	if getErr != nil {
		t.Fatalf("GetSegment failed: %v", getErr)
	}
	if seg.Stage != queue.StageFailed || seg.ErrorMessage == "" {
		t.Fatalf("segment should be failed with reason: %#v", seg)
	}
}

func TestHandleAudioExtractWaitsWithoutTool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	testsupport.WriteArtifact(t, f.cfg.Paths.ArtifactDir, "seg-c/source_media.mp4", "video")
	if err := f.stages.HandleDownload(ctx, f.descriptor(dispatch.JobSegmentDownload, "seg-c")); err != nil {
		t.Fatalf("HandleDownload failed: %v", err)
	}

	desc := f.descriptor(dispatch.JobAudioExtract, "seg-c")
	if err := f.stages.HandleAudioExtract(ctx, desc); !errors.Is(err, worker.ErrWaiting) {
		t.Fatalf("expected waiting for out-of-band artifact, got %v", err)
	}

	// Delivering the artifact lets the handler resume from the in-progress
	// stage and complete it.
	testsupport.WriteArtifact(t, f.cfg.Paths.ArtifactDir, "seg-c/audio.flac", "pcm")
	if err := f.stages.HandleAudioExtract(ctx, desc); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
}

func TestHandleTranscribeGatesOnApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	testsupport.WriteArtifact(t, f.cfg.Paths.ArtifactDir, "seg-d/source_media.mp4", "video")
	if err := f.stages.HandleDownload(ctx, f.descriptor(dispatch.JobSegmentDownload, "seg-d")); err != nil {
		t.Fatalf("HandleDownload failed: %v", err)
	}
	testsupport.WriteArtifact(t, f.cfg.Paths.ArtifactDir, "seg-d/audio.flac", "pcm")
	if err := f.stages.HandleAudioExtract(ctx, f.descriptor(dispatch.JobAudioExtract, "seg-d")); err != nil {
		t.Fatalf("HandleAudioExtract failed: %v", err)
	}

	desc := f.descriptor(dispatch.JobTranscribe, "seg-d")
	if err := f.stages.HandleTranscribe(ctx, desc); !errors.Is(err, worker.ErrWaiting) {
		t.Fatalf("expected waiting on approval, got %v", err)
	}

	if _, err := f.machine.Approve(ctx, "seg-d", "reviewer"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	testsupport.WriteArtifact(t, f.cfg.Paths.ArtifactDir, "seg-d/transcript.txt", "hello")
	if err := f.stages.HandleTranscribe(ctx, desc); err != nil {
		t.Fatalf("HandleTranscribe failed: %v", err)
	}

	// Terminology completes the segment.
	testsupport.WriteArtifact(t, f.cfg.Paths.ArtifactDir, "seg-d/terminology.json", "{}")
	if err := f.stages.HandleTerminology(ctx, f.descriptor(dispatch.JobTerminology, "seg-d")); err != nil {
		t.Fatalf("HandleTerminology failed: %v", err)
	}
	seg, err := f.store.GetSegment(ctx, "seg-d")
	if err != nil {
		t.Fatalf("GetSegment failed: %v", err)
	}
	if seg.Stage != queue.StageCompleted {
		t.Fatalf("expected completed segment, got %s", seg.Stage)
	}
}

func TestHandleAggregateWritesSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, stage := range []queue.SegmentStage{queue.StageCompleted, queue.StageFailed, queue.StageReady} {
		segmentID := fmt.Sprintf("agg-%d", i)
		seg := mustEnsure(t, f.store, segmentID)
		seg.Stage = stage
		if err := f.store.UpdateSegment(ctx, seg); err != nil {
			t.Fatalf("UpdateSegment failed: %v", err)
		}
	}

	desc := dispatch.Descriptor{
		Type:     dispatch.JobBatchAggregate,
		WorkID:   "course-1:aggregate",
		CourseID: "course-1",
	}
	if err := f.stages.HandleAggregate(ctx, desc); err != nil {
		t.Fatalf("HandleAggregate failed: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(f.cfg.Paths.ArtifactDir, "courses", "course-1", "summary.json"))
	if err != nil {
		t.Fatalf("summary not written: %v", err)
	}
	var summary map[string]any
	if err := json.Unmarshal(raw, &summary); err != nil {
		t.Fatalf("summary not valid JSON: %v", err)
	}
	if summary["segments"].(float64) != 3 || summary["completed"].(float64) != 1 || summary["failed"].(float64) != 1 {
		t.Fatalf("unexpected summary: %v", summary)
	}
}

func mustEnsure(t *testing.T, store *queue.Store, segmentID string) *queue.Segment {
	t.Helper()
	seg, err := store.EnsureSegment(context.Background(), segmentID, "course-1")
	if err != nil {
		t.Fatalf("EnsureSegment failed: %v", err)
	}
	return seg
}
