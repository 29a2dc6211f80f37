package store_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/store"
	"github.com/nhle/mailcache/tests/testutil"
)

// seedLargeThreads writes n threads with bulky text bodies, oldest cached
// first.
func seedLargeThreads(t *testing.T, s store.Store, n int) []string {
	t.Helper()

	body := strings.Repeat("lorem ipsum dolor ", 8000)
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("t%02d", i)
		date := base.Add(time.Duration(i) * time.Minute)
		testutil.SeedThread(t, s, testutil.Thread(id, date, model.LabelInbox),
			testutil.Message(id, 1, date, body))
		ids = append(ids, id)
	}
	return ids
}

func TestPruneNoopUnderLimit(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	seedLargeThreads(t, s, 2)

	for _, limit := range []int64{0, 1 << 40} {
		evicted, err := s.Prune(ctx, limit)
		if err != nil {
			t.Fatalf("Prune(%d): %v", limit, err)
		}
		if evicted != 0 {
			t.Fatalf("Prune(%d) evicted %d threads", limit, evicted)
		}
	}
}

func TestPruneProtectsThreadsWithPendingActions(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	ids := seedLargeThreads(t, s, 4)
	protected := ids[0]
	if _, err := s.EnqueuePendingAction(ctx, model.PendingAction{Type: model.ActionArchive, ThreadID: protected}); err != nil {
		t.Fatalf("EnqueuePendingAction: %v", err)
	}

	evicted, err := s.Prune(ctx, 1)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if evicted != 3 {
		t.Fatalf("expected 3 evictions, got %d", evicted)
	}

	if _, err := s.GetThread(ctx, protected); err != nil {
		t.Fatalf("protected thread was evicted: %v", err)
	}
	for _, id := range ids[1:] {
		if _, err := s.GetThread(ctx, id); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected %s evicted, got %v", id, err)
		}
	}
}

func TestPruneEvictsOldestToNinetyPercent(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	ids := seedLargeThreads(t, s, 10)
	before, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}

	limit := before.SizeBytes * 6 / 10
	evicted, err := s.Prune(ctx, limit)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if evicted == 0 || evicted == len(ids) {
		t.Fatalf("expected a partial eviction, got %d of %d", evicted, len(ids))
	}

	after, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if after.SizeBytes > limit*9/10 {
		t.Fatalf("expected size <= %d after prune, got %d", limit*9/10, after.SizeBytes)
	}
	if after.Threads != len(ids)-evicted {
		t.Fatalf("expected %d threads left, got %d", len(ids)-evicted, after.Threads)
	}

	for i, id := range ids {
		_, err := s.GetThread(ctx, id)
		if i < evicted && !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected older thread %s evicted, got %v", id, err)
		}
		if i >= evicted && err != nil {
			t.Fatalf("expected newer thread %s kept, got %v", id, err)
		}
	}
}

func TestClearCachePreservesQueuesAndSnoozes(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	testutil.SeedThread(t, s, testutil.Thread("t1", base, model.LabelInbox),
		testutil.Message("t1", 1, base, "kept nowhere"))
	if _, err := s.EnqueuePendingAction(ctx, model.PendingAction{Type: model.ActionStar, ThreadID: "t1"}); err != nil {
		t.Fatalf("EnqueuePendingAction: %v", err)
	}
	if _, err := s.EnqueueOutbox(ctx, model.SendPayload{To: []string{"bob@example.com"}}); err != nil {
		t.Fatalf("EnqueueOutbox: %v", err)
	}
	if err := s.SnoozeThread(ctx, "t1", base.Add(time.Hour), []string{model.LabelInbox}); err != nil {
		t.Fatalf("SnoozeThread: %v", err)
	}
	if err := s.RecordContacts(ctx, []model.ContactAddress{{Address: "bob@example.com"}}, 2); err != nil {
		t.Fatalf("RecordContacts: %v", err)
	}
	if err := s.SetLastHistoryID(ctx, "4242"); err != nil {
		t.Fatalf("SetLastHistoryID: %v", err)
	}
	if err := s.SetLastSyncedAt(ctx, base); err != nil {
		t.Fatalf("SetLastSyncedAt: %v", err)
	}

	if err := s.ClearCache(ctx); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	want := model.CacheStats{Contacts: 1, Snoozed: 1, PendingActions: 1, OutboxItems: 1, SizeBytes: stats.SizeBytes}
	if stats != want {
		t.Fatalf("expected %+v, got %+v", want, stats)
	}

	meta, err := s.GetSyncMeta(ctx)
	if err != nil {
		t.Fatalf("GetSyncMeta: %v", err)
	}
	if meta.LastHistoryID != "" || !meta.LastSyncedAt.IsZero() {
		t.Fatalf("expected sync meta cleared, got %+v", meta)
	}

	found, err := s.SearchLocal(ctx, "nowhere", 0)
	if err != nil {
		t.Fatalf("SearchLocal: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("expected empty index after clear, got %v", threadIDs(found))
	}
}

func TestSyncMetaRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	meta, err := s.GetSyncMeta(ctx)
	if err != nil {
		t.Fatalf("GetSyncMeta: %v", err)
	}
	if meta.LastHistoryID != "" || !meta.LastSyncedAt.IsZero() {
		t.Fatalf("expected empty meta on a new store, got %+v", meta)
	}

	if err := s.SetLastHistoryID(ctx, "100"); err != nil {
		t.Fatalf("SetLastHistoryID: %v", err)
	}
	if err := s.SetLastHistoryID(ctx, "120"); err != nil {
		t.Fatalf("SetLastHistoryID: %v", err)
	}
	if err := s.SetLastSyncedAt(ctx, base); err != nil {
		t.Fatalf("SetLastSyncedAt: %v", err)
	}

	meta, err = s.GetSyncMeta(ctx)
	if err != nil {
		t.Fatalf("GetSyncMeta: %v", err)
	}
	if meta.LastHistoryID != "120" {
		t.Fatalf("expected cursor 120, got %q", meta.LastHistoryID)
	}
	if !meta.LastSyncedAt.Equal(base) {
		t.Fatalf("expected last sync %v, got %v", base, meta.LastSyncedAt)
	}
}
