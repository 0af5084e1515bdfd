package main

import (
	"context"
	"testing"

	"lectern/internal/queue"
)

func TestSegmentApproveAndShow(t *testing.T) {
	env := setupCLITestEnv(t)
	ctx := context.Background()

	if _, err := env.store.EnsureSegment(ctx, "seg-show", "course-1"); err != nil {
		t.Fatalf("EnsureSegment: %v", err)
	}

	out, _, err := runCLI(t, []string{"segment", "approve", "seg-show", "--by", "reviewer"}, env.configPath)
	if err != nil {
		t.Fatalf("segment approve: %v", err)
	}
	requireContains(t, out, "Approved segment seg-show")

	out, _, err = runCLI(t, []string{"segment", "show", "seg-show"}, env.configPath)
	if err != nil {
		t.Fatalf("segment show: %v", err)
	}
	requireContains(t, out, "Stage: ready")
	requireContains(t, out, "Approved: yes by reviewer")
}

func TestSegmentRestartResetsStage(t *testing.T) {
	env := setupCLITestEnv(t)
	ctx := context.Background()

	seg, err := env.store.EnsureSegment(ctx, "seg-restart", "course-1")
	if err != nil {
		t.Fatalf("EnsureSegment: %v", err)
	}
	seg.Stage = queue.StageFailed
	seg.ErrorMessage = "tool crashed"
	if err := env.store.UpdateSegment(ctx, seg); err != nil {
		t.Fatalf("UpdateSegment: %v", err)
	}

	out, _, err := runCLI(t, []string{"segment", "restart", "seg-restart"}, env.configPath)
	if err != nil {
		t.Fatalf("segment restart: %v", err)
	}
	requireContains(t, out, "reset to ready")

	updated, err := env.store.GetSegment(ctx, "seg-restart")
	if err != nil {
		t.Fatalf("GetSegment: %v", err)
	}
	if updated.Stage != queue.StageReady || updated.ErrorMessage != "" {
		t.Fatalf("unexpected segment state: %#v", updated)
	}
}

func TestHealthCommands(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"health"}, env.configPath)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	requireContains(t, out, "Health score")
	requireContains(t, out, "Worker liveness")

	out, _, err = runCLI(t, []string{"health", "db"}, env.configPath)
	if err != nil {
		t.Fatalf("health db: %v", err)
	}
	requireContains(t, out, "Integrity check")
}
