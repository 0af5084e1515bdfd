package escalate_test

import (
	"context"
	"errors"
	"testing"

	"lectern/internal/dispatch"
	"lectern/internal/escalate"
	"lectern/internal/queue"
	"lectern/internal/services"
	"lectern/internal/testsupport"
)

func newEscalator(t *testing.T) (*escalate.Escalator, *queue.Store) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	return escalate.NewEscalator(store, nil), store
}

func failDispatched(t *testing.T, store *queue.Store, workID string) *queue.FailureRecord {
	t.Helper()
	ctx := context.Background()
	dispatcher := dispatch.NewDispatcher(store, nil)
	result, err := dispatcher.Enqueue(ctx, dispatch.Descriptor{
		Type:      dispatch.JobTranscribe,
		WorkID:    workID,
		OwnerID:   "batch-1",
		SegmentID: workID,
		CourseID:  "course-1",
	}, 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	record, err := store.FailEntry(ctx, result.Entry.ID, "backend exploded")
	if err != nil {
		t.Fatalf("FailEntry failed: %v", err)
	}
	if _, err := store.RecordWorkItem(ctx, workID, "batch-1", queue.WorkFailed); err != nil {
		t.Fatalf("RecordWorkItem failed: %v", err)
	}
	return record
}

func TestRetryEscalatesToHighPriority(t *testing.T) {
	escalator, store := newEscalator(t)
	ctx := context.Background()
	record := failDispatched(t, store, "work-esc")

	entry, err := escalator.Retry(ctx, record.ID)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if entry.Priority < queue.PriorityHigh {
		t.Fatalf("escalated entry must be high priority, got %d", entry.Priority)
	}
	if entry.QueueName != record.QueueName {
		t.Fatalf("escalated entry should stay on queue %q, got %q", record.QueueName, entry.QueueName)
	}

	desc, err := dispatch.DecodeDescriptor(entry.Payload)
	if err != nil {
		t.Fatalf("DecodeDescriptor failed: %v", err)
	}
	if !desc.IsRetry() || desc.Retry.OriginalFailureID != record.ID || desc.Retry.OriginalQueue != record.QueueName {
		t.Fatalf("retry metadata missing or wrong: %#v", desc.Retry)
	}
	if desc.Retry.RetryTime.IsZero() {
		t.Fatal("retry time should be stamped")
	}

	// The failure record is consumed and the registry shows queued again.
	gone, err := store.GetFailure(ctx, record.ID)
	if err != nil || gone != nil {
		t.Fatalf("failure record should be consumed: %#v err=%v", gone, err)
	}
	item, err := store.GetWorkItem(ctx, "work-esc")
	if err != nil || item == nil || item.Status != queue.WorkQueued {
		t.Fatalf("registry should show queued: %#v err=%v", item, err)
	}
}

func TestRetryUnknownFailureID(t *testing.T) {
	escalator, _ := newEscalator(t)
	if _, err := escalator.Retry(context.Background(), 9999); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRetryKeepsRecordOnUnparseablePayload(t *testing.T) {
	escalator, store := newEscalator(t)
	ctx := context.Background()

	entry, err := store.InsertEntry(ctx, queue.NewEntry{
		QueueName: queue.QueueSegments,
		Payload:   "GARBAGE",
		Priority:  queue.PriorityNormal,
	})
	if err != nil {
		t.Fatalf("InsertEntry failed: %v", err)
	}
	record, err := store.FailEntry(ctx, entry.ID, "boom")
	if err != nil {
		t.Fatalf("FailEntry failed: %v", err)
	}

	if _, err := escalator.Retry(ctx, record.ID); !errors.Is(err, services.ErrPayload) {
		t.Fatalf("expected payload error, got %v", err)
	}
	kept, err := store.GetFailure(ctx, record.ID)
	if err != nil || kept == nil {
		t.Fatalf("record must be kept for inspection: %#v err=%v", kept, err)
	}
}
