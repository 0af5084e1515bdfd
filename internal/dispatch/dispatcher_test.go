package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"lectern/internal/dispatch"
	"lectern/internal/queue"
	"lectern/internal/testsupport"
)

func newDispatcher(t *testing.T) (*dispatch.Dispatcher, *queue.Store) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	return dispatch.NewDispatcher(store, nil), store
}

func segmentDescriptor(workID string) dispatch.Descriptor {
	return dispatch.Descriptor{
		Type:      dispatch.JobTranscribe,
		WorkID:    workID,
		OwnerID:   "batch-1",
		SegmentID: "seg-1",
		CourseID:  "course-1",
	}
}

func TestEnqueueWritesEntryAndRegistry(t *testing.T) {
	dispatcher, store := newDispatcher(t)
	ctx := context.Background()

	result, err := dispatcher.Enqueue(ctx, segmentDescriptor("work-1"), 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if result.Skipped || result.Entry == nil {
		t.Fatalf("unexpected result: %#v", result)
	}
	if result.Entry.QueueName != queue.QueueSegments {
		t.Fatalf("segment job should land on segments queue, got %q", result.Entry.QueueName)
	}
	if result.Entry.Priority != queue.PriorityNormal {
		t.Fatalf("expected normal priority, got %d", result.Entry.Priority)
	}

	decoded, err := dispatch.DecodeDescriptor(result.Entry.Payload)
	if err != nil {
		t.Fatalf("DecodeDescriptor failed: %v", err)
	}
	if decoded.WorkID != "work-1" || decoded.Type != dispatch.JobTranscribe {
		t.Fatalf("payload round trip lost fields: %#v", decoded)
	}
	if decoded.JobDescription == "" || decoded.EstimatedDuration == "" {
		t.Fatalf("display fields should be annotated: %#v", decoded)
	}

	item, err := store.GetWorkItem(ctx, "work-1")
	if err != nil {
		t.Fatalf("GetWorkItem failed: %v", err)
	}
	if item == nil || item.Status != queue.WorkQueued {
		t.Fatalf("expected queued registry entry, got %#v", item)
	}
}

func TestEnqueueTwiceYieldsSingleEntry(t *testing.T) {
	dispatcher, store := newDispatcher(t)
	ctx := context.Background()

	first, err := dispatcher.Enqueue(ctx, segmentDescriptor("dup-work"), 0)
	if err != nil || first.Skipped {
		t.Fatalf("first Enqueue: %#v err=%v", first, err)
	}
	second, err := dispatcher.Enqueue(ctx, segmentDescriptor("dup-work"), 0)
	if err != nil {
		t.Fatalf("second Enqueue failed: %v", err)
	}
	if !second.Skipped {
		t.Fatal("duplicate dispatch should be skipped")
	}

	entries, err := store.ListEntries(ctx)
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(entries))
	}
}

func TestEnqueueConcurrentSingleWinner(t *testing.T) {
	dispatcher, store := newDispatcher(t)
	ctx := context.Background()

	const racers = 4
	results := make(chan *dispatch.Result, racers)
	errs := make(chan error, racers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			result, err := dispatcher.Enqueue(ctx, segmentDescriptor("contested-work"), 0)
			if err != nil {
				errs <- err
				return
			}
			results <- result
		}()
	}
	close(start)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("Enqueue failed: %v", err)
	}
	winners := 0
	for result := range results {
		if !result.Skipped {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one dispatch to win, got %d", winners)
	}

	entries, err := store.ListEntries(ctx)
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one entry after contended dispatch, got %d", len(entries))
	}
	item, err := store.GetWorkItem(ctx, "contested-work")
	if err != nil {
		t.Fatalf("GetWorkItem failed: %v", err)
	}
	if item == nil || item.Status != queue.WorkQueued {
		t.Fatalf("expected a single queued registry record, got %#v", item)
	}
}

func TestEnqueueAllowsRedispatchAfterFailure(t *testing.T) {
	dispatcher, store := newDispatcher(t)
	ctx := context.Background()

	if _, err := store.RecordWorkItem(ctx, "failed-work", "batch-1", queue.WorkFailed); err != nil {
		t.Fatalf("RecordWorkItem failed: %v", err)
	}
	desc := segmentDescriptor("failed-work")
	result, err := dispatcher.Enqueue(ctx, desc, 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if result.Skipped {
		t.Fatal("failed work should be dispatchable again")
	}
	item, err := store.GetWorkItem(ctx, "failed-work")
	if err != nil {
		t.Fatalf("GetWorkItem failed: %v", err)
	}
	if item == nil || item.Status != queue.WorkQueued {
		t.Fatalf("redispatch should reset the registry record to queued, got %#v", item)
	}
}

func TestResolvePriorityPrecedence(t *testing.T) {
	retry := segmentDescriptor("w")
	retry.Retry = &dispatch.RetryMeta{IsRetry: true, OriginalFailureID: 7, OriginalQueue: queue.QueueSegments, RetryTime: time.Now()}
	if got := dispatch.ResolvePriority(retry, queue.PriorityLow); got != queue.PriorityHigh {
		t.Fatalf("retry metadata must force high priority, got %d", got)
	}

	aggregate := dispatch.Descriptor{Type: dispatch.JobBatchAggregate, WorkID: "w", CourseID: "c"}
	if got := dispatch.ResolvePriority(aggregate, 0); got != queue.PriorityHigh {
		t.Fatalf("aggregate jobs default to high priority, got %d", got)
	}
	if aggregate.Type.QueueName() != queue.QueueCourses {
		t.Fatal("aggregate jobs belong on the courses queue")
	}

	plain := segmentDescriptor("w")
	if got := dispatch.ResolvePriority(plain, 0); got != queue.PriorityNormal {
		t.Fatalf("default priority should be normal, got %d", got)
	}
	if got := dispatch.ResolvePriority(plain, queue.PriorityLow); got != queue.PriorityLow {
		t.Fatalf("hint should win without other rules, got %d", got)
	}
}

func TestEnqueueValidation(t *testing.T) {
	dispatcher, _ := newDispatcher(t)
	ctx := context.Background()

	cases := []struct {
		name string
		desc dispatch.Descriptor
	}{
		{"unknown type", dispatch.Descriptor{Type: "mystery", WorkID: "w"}},
		{"missing work id", dispatch.Descriptor{Type: dispatch.JobTranscribe, SegmentID: "s"}},
		{"segment job without segment", dispatch.Descriptor{Type: dispatch.JobAudioExtract, WorkID: "w"}},
		{"aggregate without course", dispatch.Descriptor{Type: dispatch.JobBatchAggregate, WorkID: "w"}},
	}
	for _, tc := range cases {
		if _, err := dispatcher.Enqueue(ctx, tc.desc, 0); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestDecodeDescriptorRejectsGarbage(t *testing.T) {
	if _, err := dispatch.DecodeDescriptor("not json"); err == nil {
		t.Fatal("expected payload error for unparseable payload")
	}
	if _, err := dispatch.DecodeDescriptor(`{"type":"mystery","work_id":"w"}`); err == nil {
		t.Fatal("expected payload error for unknown variant")
	}
}
