package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// Thread builds a metadata-only thread fixture carrying labels.
func Thread(id string, date time.Time, labels ...string) model.Thread {
	return model.Thread{
		ID:           id,
		Subject:      "Subject " + id,
		Snippet:      "snippet of " + id,
		LastDate:     date,
		Labels:       labels,
		FromAddress:  "alice@example.com",
		Participants: []string{"alice@example.com", "me@example.com"},
	}
}

// Message builds a message fixture with id "<threadID>-m<n>" and an
// optional text body.
func Message(threadID string, n int, date time.Time, body string, labels ...string) model.Message {
	return model.Message{
		ID:       fmt.Sprintf("%s-m%d", threadID, n),
		ThreadID: threadID,
		From:     "alice@example.com",
		FromName: "Alice",
		To:       []string{"me@example.com"},
		Subject:  "Subject " + threadID,
		Snippet:  "snippet of " + threadID,
		BodyText: body,
		Date:     date,
		Labels:   labels,
	}
}

// SeedThread writes a thread and its messages, failing the test on error.
func SeedThread(t *testing.T, s store.Store, thread model.Thread, messages ...model.Message) {
	t.Helper()

	if err := s.UpsertFullThread(context.Background(), thread, messages); err != nil {
		t.Fatalf("seeding thread %s: %v", thread.ID, err)
	}
}
