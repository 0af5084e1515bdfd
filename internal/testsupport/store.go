package testsupport

import (
	"context"
	"testing"

	"lectern/internal/config"
	"lectern/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustEnqueue inserts a queue entry for tests using the provided store.
func MustEnqueue(t testing.TB, store *queue.Store, queueName, payload string, priority int) *queue.Entry {
	t.Helper()

	entry, err := store.InsertEntry(context.Background(), queue.NewEntry{
		QueueName: queueName,
		Payload:   payload,
		Priority:  priority,
	})
	if err != nil {
		t.Fatalf("store.InsertEntry: %v", err)
	}
	return entry
}
