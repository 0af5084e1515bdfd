package queue_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"lectern/internal/queue"
	"lectern/internal/testsupport"
)

func TestOpenInitializesSchema(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	entry, err := store.InsertEntry(ctx, queue.NewEntry{
		QueueName: queue.QueueSegments,
		Payload:   `{"type":"transcribe"}`,
		Priority:  queue.PriorityNormal,
	})
	if err != nil {
		t.Fatalf("InsertEntry failed: %v", err)
	}
	if entry.ID == 0 {
		t.Fatal("expected entry ID to be assigned")
	}
	if entry.Reserved() {
		t.Fatal("new entry should not be reserved")
	}

	fetched, err := store.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetEntry failed: %v", err)
	}
	if fetched == nil || fetched.Payload != `{"type":"transcribe"}` {
		t.Fatalf("unexpected fetched entry: %#v", fetched)
	}
}

func TestClaimOrdersByPriorityThenAge(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	normalFirst := testsupport.MustEnqueue(t, store, queue.QueueSegments, "normal-first", queue.PriorityNormal)
	testsupport.MustEnqueue(t, store, queue.QueueSegments, "normal-second", queue.PriorityNormal)
	high := testsupport.MustEnqueue(t, store, queue.QueueSegments, "high", queue.PriorityHigh)
	testsupport.MustEnqueue(t, store, queue.QueueSegments, "low", queue.PriorityLow)

	claimed, err := store.Claim(ctx, queue.QueueSegments)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed == nil || claimed.ID != high.ID {
		t.Fatalf("expected high priority entry %d first, got %#v", high.ID, claimed)
	}
	if !claimed.Reserved() {
		t.Fatal("claimed entry should carry a reservation")
	}
	if claimed.Attempts != 1 {
		t.Fatalf("expected attempts=1 after claim, got %d", claimed.Attempts)
	}

	second, err := store.Claim(ctx, queue.QueueSegments)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if second == nil || second.ID != normalFirst.ID {
		t.Fatalf("expected oldest normal entry %d second, got %#v", normalFirst.ID, second)
	}
}

func TestClaimSkipsReservedAndDelayedEntries(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	if _, err := store.InsertEntry(ctx, queue.NewEntry{
		QueueName: queue.QueueSegments,
		Payload:   "delayed",
		Priority:  queue.PriorityHigh,
		Delay:     time.Hour,
	}); err != nil {
		t.Fatalf("InsertEntry failed: %v", err)
	}
	ready := testsupport.MustEnqueue(t, store, queue.QueueSegments, "ready", queue.PriorityNormal)

	claimed, err := store.Claim(ctx, queue.QueueSegments)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed == nil || claimed.ID != ready.ID {
		t.Fatalf("expected ready entry %d, got %#v", ready.ID, claimed)
	}

	again, err := store.Claim(ctx, queue.QueueSegments)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if again != nil {
		t.Fatalf("expected no eligible entry, got %#v", again)
	}
}

func TestClaimSingleWinnerUnderContention(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	entry := testsupport.MustEnqueue(t, store, queue.QueueSegments, "contested", queue.PriorityNormal)

	const claimers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []int64
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := store.Claim(ctx, queue.QueueSegments)
			if err != nil {
				t.Errorf("Claim failed: %v", err)
				return
			}
			if claimed != nil {
				mu.Lock()
				winners = append(winners, claimed.ID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}
	if winners[0] != entry.ID {
		t.Fatalf("unexpected winner %d, want %d", winners[0], entry.ID)
	}
}

func TestReleaseReturnsEntryAfterDelay(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	testsupport.MustEnqueue(t, store, queue.QueueSegments, "release-me", queue.PriorityNormal)
	claimed, err := store.Claim(ctx, queue.QueueSegments)
	if err != nil || claimed == nil {
		t.Fatalf("Claim failed: %v %v", claimed, err)
	}

	if err := store.Release(ctx, claimed.ID, 0); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	reclaimed, err := store.Claim(ctx, queue.QueueSegments)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if reclaimed == nil || reclaimed.ID != claimed.ID {
		t.Fatalf("expected released entry back, got %#v", reclaimed)
	}
	if reclaimed.Attempts != 2 {
		t.Fatalf("expected attempts=2 after reclaim, got %d", reclaimed.Attempts)
	}

	if err := store.Release(ctx, reclaimed.ID, time.Hour); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	delayed, err := store.Claim(ctx, queue.QueueSegments)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if delayed != nil {
		t.Fatalf("expected delayed entry to be ineligible, got %#v", delayed)
	}
}

func TestFailEntryMovesToFailureStore(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	entry := testsupport.MustEnqueue(t, store, queue.QueueSegments, `{"segment":"s1"}`, queue.PriorityNormal)
	record, err := store.FailEntry(ctx, entry.ID, "transcription backend unreachable")
	if err != nil {
		t.Fatalf("FailEntry failed: %v", err)
	}
	if record.QueueName != queue.QueueSegments || record.Payload != `{"segment":"s1"}` {
		t.Fatalf("failure record lost entry fields: %#v", record)
	}
	if record.ErrorDetail != "transcription backend unreachable" {
		t.Fatalf("unexpected error detail: %q", record.ErrorDetail)
	}

	gone, err := store.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetEntry failed: %v", err)
	}
	if gone != nil {
		t.Fatalf("expected entry removed after failure, got %#v", gone)
	}

	failures, err := store.ListFailures(ctx)
	if err != nil {
		t.Fatalf("ListFailures failed: %v", err)
	}
	if len(failures) != 1 || failures[0].ID != record.ID {
		t.Fatalf("unexpected failure list: %#v", failures)
	}
}

func TestMoveFailureToQueueIsTransactional(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	entry := testsupport.MustEnqueue(t, store, queue.QueueSegments, "original", queue.PriorityNormal)
	record, err := store.FailEntry(ctx, entry.ID, "boom")
	if err != nil {
		t.Fatalf("FailEntry failed: %v", err)
	}

	requeued, err := store.MoveFailureToQueue(ctx, record.ID, "retry-payload", queue.PriorityHigh)
	if err != nil {
		t.Fatalf("MoveFailureToQueue failed: %v", err)
	}
	if requeued.Payload != "retry-payload" || requeued.Priority != queue.PriorityHigh {
		t.Fatalf("unexpected requeued entry: %#v", requeued)
	}
	if requeued.Attempts != 0 {
		t.Fatalf("requeued entry should start with zero attempts, got %d", requeued.Attempts)
	}

	remaining, err := store.GetFailure(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetFailure failed: %v", err)
	}
	if remaining != nil {
		t.Fatalf("failure record should be consumed, got %#v", remaining)
	}

	if _, err := store.MoveFailureToQueue(ctx, record.ID, "again", queue.PriorityHigh); err == nil {
		t.Fatal("expected error re-escalating a consumed failure record")
	}
}

func TestRecordWorkItemNeverRegresses(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	changed, err := store.RecordWorkItem(ctx, "seg-1", "batch-1", queue.WorkQueued)
	if err != nil || !changed {
		t.Fatalf("RecordWorkItem queued: changed=%v err=%v", changed, err)
	}
	changed, err = store.RecordWorkItem(ctx, "seg-1", "batch-1", queue.WorkCompleted)
	if err != nil || !changed {
		t.Fatalf("RecordWorkItem completed: changed=%v err=%v", changed, err)
	}

	// A late duplicate dispatch must not pull the item back to queued.
	changed, err = store.RecordWorkItem(ctx, "seg-1", "batch-1", queue.WorkQueued)
	if err != nil {
		t.Fatalf("RecordWorkItem regress: %v", err)
	}
	if changed {
		t.Fatal("regression to queued should be rejected")
	}

	item, err := store.GetWorkItem(ctx, "seg-1")
	if err != nil {
		t.Fatalf("GetWorkItem failed: %v", err)
	}
	if item.Status != queue.WorkCompleted {
		t.Fatalf("expected completed, got %s", item.Status)
	}
}

func TestIsAlreadyProcessedAllowsFailedRetries(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	cases := []struct {
		status    queue.WorkStatus
		processed bool
	}{
		{queue.WorkQueued, true},
		{queue.WorkProcessing, true},
		{queue.WorkCompleted, true},
		{queue.WorkFailed, false},
	}
	for i, tc := range cases {
		workID := fmt.Sprintf("work-%d", i)
		if _, err := store.RecordWorkItem(ctx, workID, "", tc.status); err != nil {
			t.Fatalf("RecordWorkItem %s: %v", tc.status, err)
		}
		processed, err := store.IsAlreadyProcessed(ctx, workID)
		if err != nil {
			t.Fatalf("IsAlreadyProcessed %s: %v", tc.status, err)
		}
		if processed != tc.processed {
			t.Fatalf("status %s: processed=%v want %v", tc.status, processed, tc.processed)
		}
	}

	processed, err := store.IsAlreadyProcessed(ctx, "never-seen")
	if err != nil || processed {
		t.Fatalf("unknown work id: processed=%v err=%v", processed, err)
	}
}

func TestBatchCountsDerivedFromWorkItems(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	batch := &queue.Batch{
		ID:               "batch-counts",
		OwnerID:          "course-1",
		TotalUnits:       4,
		ConcurrencyLimit: 2,
	}
	if err := store.CreateBatch(ctx, batch); err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}

	statuses := []queue.WorkStatus{queue.WorkQueued, queue.WorkProcessing, queue.WorkCompleted, queue.WorkFailed}
	for i, status := range statuses {
		if _, err := store.RecordWorkItem(ctx, fmt.Sprintf("unit-%d", i), batch.ID, status); err != nil {
			t.Fatalf("RecordWorkItem failed: %v", err)
		}
	}

	counts, err := store.BatchCounts(ctx, batch.ID)
	if err != nil {
		t.Fatalf("BatchCounts failed: %v", err)
	}
	want := queue.BatchCounts{Queued: 1, Processing: 1, Completed: 1, Failed: 1}
	if counts != want {
		t.Fatalf("unexpected counts: %#v", counts)
	}
	if counts.Finished(batch.TotalUnits) {
		t.Fatal("batch with queued units should not be finished")
	}

	for _, id := range []string{"unit-0", "unit-1"} {
		if _, err := store.RecordWorkItem(ctx, id, batch.ID, queue.WorkCompleted); err != nil {
			t.Fatalf("RecordWorkItem failed: %v", err)
		}
	}
	counts, err = store.BatchCounts(ctx, batch.ID)
	if err != nil {
		t.Fatalf("BatchCounts failed: %v", err)
	}
	if !counts.Finished(batch.TotalUnits) {
		t.Fatalf("expected finished batch, got %#v", counts)
	}
}

func TestUpdateBatchStatusStampsTimes(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	batch := &queue.Batch{ID: "batch-times", TotalUnits: 1, ConcurrencyLimit: 1}
	if err := store.CreateBatch(ctx, batch); err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}
	if batch.Status != queue.BatchPending {
		t.Fatalf("expected pending default, got %s", batch.Status)
	}

	updated, err := store.UpdateBatchStatus(ctx, batch.ID, queue.BatchProcessing)
	if err != nil {
		t.Fatalf("UpdateBatchStatus failed: %v", err)
	}
	if updated.StartedAt == nil {
		t.Fatal("expected started_at stamped on processing")
	}
	if updated.CompletedAt != nil {
		t.Fatal("completed_at should be unset while processing")
	}

	done, err := store.UpdateBatchStatus(ctx, batch.ID, queue.BatchCompleted)
	if err != nil {
		t.Fatalf("UpdateBatchStatus failed: %v", err)
	}
	if done.CompletedAt == nil {
		t.Fatal("expected completed_at stamped on completion")
	}
}

func TestSegmentRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	segment, err := store.EnsureSegment(ctx, "seg-rt", "course-rt")
	if err != nil {
		t.Fatalf("EnsureSegment failed: %v", err)
	}
	if segment.Stage != queue.StageReady {
		t.Fatalf("new segment should start ready, got %s", segment.Stage)
	}
	if segment.Approval.Approved {
		t.Fatal("new segment should not be approved")
	}

	now := time.Now().UTC()
	segment.Stage = queue.StageTranscribing
	segment.ProgressPercent = 42.5
	segment.IsProcessing = true
	segment.StartedAt = &now
	segment.SetArtifactRef(queue.ArtifactAudio, "/tmp/a.flac")
	segment.Approval = queue.Approval{Approved: true, ApprovedBy: "reviewer", ApprovedAt: &now}
	if err := store.UpdateSegment(ctx, segment); err != nil {
		t.Fatalf("UpdateSegment failed: %v", err)
	}

	fetched, err := store.GetSegment(ctx, "seg-rt")
	if err != nil {
		t.Fatalf("GetSegment failed: %v", err)
	}
	if fetched.Stage != queue.StageTranscribing || fetched.ProgressPercent != 42.5 || !fetched.IsProcessing {
		t.Fatalf("segment fields lost: %#v", fetched)
	}
	if ref, ok := fetched.ArtifactRef(queue.ArtifactAudio); !ok || ref != "/tmp/a.flac" {
		t.Fatalf("artifact ref lost: %q %v", ref, ok)
	}
	if !fetched.Approval.Approved || fetched.Approval.ApprovedBy != "reviewer" {
		t.Fatalf("approval lost: %#v", fetched.Approval)
	}
	if fetched.StartedAt == nil || !fetched.StartedAt.Equal(now) {
		t.Fatalf("started_at lost: %v", fetched.StartedAt)
	}

	// EnsureSegment on an existing row must not reset progress.
	again, err := store.EnsureSegment(ctx, "seg-rt", "course-rt")
	if err != nil {
		t.Fatalf("EnsureSegment failed: %v", err)
	}
	if again.Stage != queue.StageTranscribing {
		t.Fatalf("EnsureSegment reset stage to %s", again.Stage)
	}
}

func TestStatsAndStuckCounts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	testsupport.MustEnqueue(t, store, queue.QueueSegments, "one", queue.PriorityNormal)
	testsupport.MustEnqueue(t, store, queue.QueueCourses, "two", queue.PriorityNormal)
	claimedSource := testsupport.MustEnqueue(t, store, queue.QueueSegments, "three", queue.PriorityHigh)
	if _, err := store.Claim(ctx, queue.QueueSegments); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	failSource := testsupport.MustEnqueue(t, store, queue.QueueSegments, "four", queue.PriorityNormal)
	if _, err := store.FailEntry(ctx, failSource.ID, "boom"); err != nil {
		t.Fatalf("FailEntry failed: %v", err)
	}
	_ = claimedSource

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Pending != 2 || stats.Reserved != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected stats: %#v", stats)
	}
	if stats.ByQueue[queue.QueueSegments] != 2 || stats.ByQueue[queue.QueueCourses] != 1 {
		t.Fatalf("unexpected by-queue counts: %#v", stats.ByQueue)
	}
	if stats.OldestPending == nil || stats.LatestReserved == nil {
		t.Fatalf("expected timestamps in stats: %#v", stats)
	}

	stuck, err := store.CountStuck(ctx, time.Minute)
	if err != nil {
		t.Fatalf("CountStuck failed: %v", err)
	}
	if stuck != 0 {
		t.Fatalf("fresh entries should not count as stuck, got %d", stuck)
	}
	stuck, err = store.CountStuck(ctx, -time.Minute)
	if err != nil {
		t.Fatalf("CountStuck failed: %v", err)
	}
	if stuck != 2 {
		t.Fatalf("expected 2 stuck entries with future cutoff, got %d", stuck)
	}

	failures, err := store.CountFailuresSince(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountFailuresSince failed: %v", err)
	}
	if failures != 1 {
		t.Fatalf("expected 1 recent failure, got %d", failures)
	}
}

func TestCheckHealthReportsSchema(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	health := store.CheckHealth(context.Background())
	if !health.DatabaseExists || !health.DatabaseReadable || !health.TableExists {
		t.Fatalf("unexpected health: %#v", health)
	}
	if len(health.MissingColumns) != 0 {
		t.Fatalf("expected no missing columns, got %v", health.MissingColumns)
	}
	if !health.IntegrityCheck {
		t.Fatal("expected integrity check to pass")
	}
}
