package sync

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
	"github.com/nhle/mailcache/internal/store"
	"github.com/nhle/mailcache/tests/testutil"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeMonitor struct {
	online        atomic.Bool
	onlineReports atomic.Int32

	mu   gosync.Mutex
	errs []error

	ch chan bool
}

func newFakeMonitor(online bool) *fakeMonitor {
	m := &fakeMonitor{ch: make(chan bool, 1)}
	m.online.Store(online)
	return m
}

func (m *fakeMonitor) IsOnline() bool { return m.online.Load() }
func (m *fakeMonitor) ReportOnline()  { m.onlineReports.Add(1) }

func (m *fakeMonitor) ReportError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, err)
}

func (m *fakeMonitor) Subscribe() (<-chan bool, func()) {
	return m.ch, func() {}
}

func (m *fakeMonitor) networkErrors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, err := range m.errs {
		if remote.IsNetworkError(err) {
			n++
		}
	}
	return n
}

type recordingNotifier struct {
	mu      gosync.Mutex
	batches [][]string
}

func (n *recordingNotifier) ThreadsChanged(ids []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.batches = append(n.batches, append([]string(nil), ids...))
}

func (n *recordingNotifier) all() map[string]bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]bool)
	for _, b := range n.batches {
		for _, id := range b {
			out[id] = true
		}
	}
	return out
}

type fixture struct {
	store    *store.SQLiteStore
	remote   *testutil.FakeRemote
	monitor  *fakeMonitor
	notifier *recordingNotifier
	engine   *Engine
	clock    *atomic.Pointer[time.Time]
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()

	f := &fixture{
		store:    testutil.NewTestStore(t),
		remote:   testutil.NewFakeRemote(),
		monitor:  newFakeMonitor(true),
		notifier: &recordingNotifier{},
		clock:    &atomic.Pointer[time.Time]{},
	}
	now := base
	f.clock.Store(&now)

	o := Options{
		Store:         f.store,
		Remote:        f.remote,
		Monitor:       f.monitor,
		Notifier:      f.notifier,
		Settings:      model.StaticSettings{Enabled: true, MaxSizeMB: 500},
		PopulateDelay: time.Millisecond,
		SyncInterval:  time.Hour,
		Now:           func() time.Time { return *f.clock.Load() },
	}
	for _, fn := range opts {
		fn(&o)
	}
	f.engine = New(o)
	t.Cleanup(f.engine.Stop)
	return f
}

func (f *fixture) advance(d time.Duration) {
	next := f.clock.Load().Add(d)
	f.clock.Store(&next)
}

func (f *fixture) setCursor(t *testing.T, cursor string) {
	t.Helper()
	if err := f.store.SetLastHistoryID(context.Background(), cursor); err != nil {
		t.Fatalf("SetLastHistoryID: %v", err)
	}
}

func (f *fixture) cursor(t *testing.T) string {
	t.Helper()
	meta, err := f.store.GetSyncMeta(context.Background())
	if err != nil {
		t.Fatalf("GetSyncMeta: %v", err)
	}
	return meta.LastHistoryID
}

func (f *fixture) thread(t *testing.T, id string) *model.Thread {
	t.Helper()
	th, err := f.store.GetThread(context.Background(), id)
	if err != nil {
		t.Fatalf("GetThread(%s): %v", id, err)
	}
	return th
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func labelAdded(threadID string, labels ...string) remote.HistoryRecord {
	return remote.HistoryRecord{Type: remote.HistoryLabelAdded, ThreadID: threadID, LabelIDs: labels}
}

func labelRemoved(threadID string, labels ...string) remote.HistoryRecord {
	return remote.HistoryRecord{Type: remote.HistoryLabelRemoved, ThreadID: threadID, LabelIDs: labels}
}

func messageAdded(threadID, messageID string) remote.HistoryRecord {
	return remote.HistoryRecord{Type: remote.HistoryMessageAdded, ThreadID: threadID, MessageID: messageID}
}

func TestColdStartRunsFullSync(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.FullSyncViews = []string{"in:inbox", "is:starred"} })
	ctx := context.Background()

	f.remote.Put(testutil.Thread("t1", base, model.LabelInbox))
	f.remote.Put(testutil.Thread("t2", base.Add(time.Hour), model.LabelInbox, model.LabelStarred))
	f.remote.Views["in:inbox"] = []string{"t1", "t2"}
	f.remote.Views["is:starred"] = []string{"t2"}

	res, err := f.engine.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Mode != ModeFull {
		t.Fatalf("mode = %s, want full", res.Mode)
	}
	if want := []string{"t1", "t2"}; !reflect.DeepEqual(res.Changed, want) {
		t.Fatalf("changed = %v, want %v", res.Changed, want)
	}
	if got := f.cursor(t); got != "100" {
		t.Fatalf("cursor = %q, want 100", got)
	}
	if !f.notifier.all()["t2"] {
		t.Fatalf("expected t2 in change notification")
	}
	if f.monitor.onlineReports.Load() == 0 {
		t.Fatalf("expected success to be reported to the monitor")
	}

	meta, _ := f.store.GetSyncMeta(ctx)
	if !meta.LastSyncedAt.Equal(base) {
		t.Fatalf("last synced = %v, want %v", meta.LastSyncedAt, base)
	}

	// The next pass resumes from the stored cursor.
	f.remote.SetHistory("120")
	res, err = f.engine.Sync(ctx)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if res.Mode != ModeIncremental || res.Cursor != "120" {
		t.Fatalf("second pass = %+v", res)
	}
	if got := f.cursor(t); got != "120" {
		t.Fatalf("cursor = %q, want 120", got)
	}
}

func TestIncrementalSyncClassifiesNudges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inbound := func(threadID string, n int, from string, at time.Time) model.Message {
		m := testutil.Message(threadID, n, at, "hello", model.LabelInbox)
		m.From, m.FromName = from, ""
		return m
	}

	// Cached state before the window.
	testutil.SeedThread(t, f.store, testutil.Thread("reply", base), inbound("reply", 1, "alice@example.com", base))
	testutil.SeedThread(t, f.store, testutil.Thread("follow", base), inbound("follow", 1, "me@example.com", base))
	testutil.SeedThread(t, f.store, testutil.Thread("fresh", base, model.LabelInbox), inbound("fresh", 1, "alice@example.com", base))
	testutil.SeedThread(t, f.store, testutil.Thread("archived", base, model.LabelInbox), inbound("archived", 1, "alice@example.com", base))
	testutil.SeedThread(t, f.store, testutil.Thread("bounced", base), inbound("bounced", 1, "alice@example.com", base))
	testutil.SeedThread(t, f.store, testutil.Thread("gone", base, model.LabelInbox), inbound("gone", 1, "alice@example.com", base))
	for id, n := range map[string]model.NudgeType{"fresh": model.NudgeReply, "archived": model.NudgeFollowUp} {
		if err := f.store.SetNudge(ctx, id, n); err != nil {
			t.Fatalf("SetNudge: %v", err)
		}
	}
	f.setCursor(t, "100")

	// Remote state after the window.
	f.remote.Put(testutil.Thread("reply", base, model.LabelInbox), inbound("reply", 1, "alice@example.com", base))
	f.remote.Put(testutil.Thread("follow", base, model.LabelInbox),
		inbound("follow", 1, "alice@example.com", base.Add(-time.Hour)),
		inbound("follow", 2, "Me@Example.com", base))
	f.remote.Put(testutil.Thread("fresh", base, model.LabelInbox),
		inbound("fresh", 1, "alice@example.com", base),
		inbound("fresh", 2, "carol@example.com", base.Add(time.Minute)))
	f.remote.Put(testutil.Thread("archived", base), inbound("archived", 1, "alice@example.com", base))
	f.remote.Put(testutil.Thread("bounced", base), inbound("bounced", 1, "alice@example.com", base))
	f.remote.SetHistory("150",
		labelAdded("reply", model.LabelInbox),
		labelAdded("follow", model.LabelInbox),
		messageAdded("fresh", "fresh-m2"),
		labelAdded("fresh", model.LabelInbox),
		labelRemoved("archived", model.LabelInbox),
		labelAdded("bounced", model.LabelInbox),
		labelAdded("gone", model.LabelInbox),
	)

	res, err := f.engine.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Mode != ModeIncremental {
		t.Fatalf("mode = %s", res.Mode)
	}

	tests := []struct {
		id   string
		want model.NudgeType
	}{
		{"reply", model.NudgeReply},
		{"follow", model.NudgeFollowUp},
		{"fresh", model.NudgeNone},
		{"archived", model.NudgeNone},
		{"bounced", model.NudgeNone},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.id, func(t *testing.T) {
			if got := f.thread(t, tc.id).Nudge; got != tc.want {
				t.Fatalf("nudge = %q, want %q", got, tc.want)
			}
		})
	}

	if _, err := f.store.GetThread(ctx, "gone"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected vanished thread to be deleted, got %v", err)
	}
	if !reflect.DeepEqual(res.Deleted, []string{"gone"}) {
		t.Fatalf("deleted = %v", res.Deleted)
	}
	if got := f.cursor(t); got != "150" {
		t.Fatalf("cursor = %q, want 150", got)
	}

	contacts, err := f.store.SuggestContacts(ctx, "carol", 5)
	if err != nil {
		t.Fatalf("SuggestContacts: %v", err)
	}
	if len(contacts) != 1 || contacts[0].Frequency != 1 {
		t.Fatalf("expected carol learned once, got %+v", contacts)
	}
	if me, _ := f.store.SuggestContacts(ctx, "me@", 5); len(me) != 0 {
		t.Fatalf("owner must not be learned as a contact: %+v", me)
	}

	changed := f.notifier.all()
	for _, id := range []string{"reply", "follow", "fresh", "archived", "bounced", "gone"} {
		if !changed[id] {
			t.Errorf("expected %s in change notification", id)
		}
	}
}

func TestCursorExpiryClearsCacheAndRunsFullSync(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.FullSyncViews = []string{"in:inbox"} })
	ctx := context.Background()

	testutil.SeedThread(t, f.store, testutil.Thread("stale", base, model.LabelInbox),
		testutil.Message("stale", 1, base, "old body"))
	if _, err := f.store.EnqueueOutbox(ctx, model.SendPayload{To: []string{"bob@example.com"}, Subject: "kept"}); err != nil {
		t.Fatalf("EnqueueOutbox: %v", err)
	}
	f.setCursor(t, "5")

	f.remote.HistoryErr = remote.ErrCursorExpired
	f.remote.Cursor = "900"
	f.remote.Put(testutil.Thread("t1", base, model.LabelInbox))
	f.remote.Views["in:inbox"] = []string{"t1"}

	res, err := f.engine.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Mode != ModeFull || !res.Recovered {
		t.Fatalf("result = %+v, want recovered full sync", res)
	}
	if _, err := f.store.GetThread(ctx, "stale"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected stale thread cleared, got %v", err)
	}
	f.thread(t, "t1")
	if got := f.cursor(t); got != "900" {
		t.Fatalf("cursor = %q, want 900", got)
	}

	items, _ := f.store.ListOutbox(ctx)
	if len(items) != 1 {
		t.Fatalf("outbox must survive cache clear, got %d items", len(items))
	}
}

func TestSyncSkippedWhileOffline(t *testing.T) {
	f := newFixture(t)
	f.monitor.online.Store(false)

	res, err := f.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Mode != ModeSkipped || res.Reason != ReasonOffline {
		t.Fatalf("result = %+v", res)
	}
	if len(f.remote.HistoryFrom) != 0 {
		t.Fatalf("no remote calls expected while offline")
	}
}

func TestConcurrentSyncIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.setCursor(t, "100")
	f.remote.Put(testutil.Thread("t1", base, model.LabelInbox))
	f.remote.SetHistory("110", labelAdded("t1", model.LabelStarred))
	gate := make(chan struct{})
	f.remote.FetchGate = gate

	type outcome struct {
		res Result
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := f.engine.Sync(ctx)
		first <- outcome{res, err}
	}()

	waitFor(t, time.Second, func() bool { return len(f.remote.Fetches()) == 1 })

	res, err := f.engine.Sync(ctx)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if res.Mode != ModeSkipped || res.Reason != ReasonInProgress {
		t.Fatalf("second result = %+v, want skipped", res)
	}

	close(gate)
	got := <-first
	if got.err != nil || got.res.Mode != ModeIncremental {
		t.Fatalf("first result = %+v, %v", got.res, got.err)
	}
	if n := len(f.remote.Fetches()); n != 1 {
		t.Fatalf("fetches = %d, want 1", n)
	}
}

func TestNetworkFailureKeepsCursorAndReportsOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	testutil.SeedThread(t, f.store, testutil.Thread("t1", base, model.LabelInbox))
	f.setCursor(t, "100")
	f.remote.Put(testutil.Thread("t1", base, model.LabelInbox))
	f.remote.SetHistory("130", labelAdded("t1", model.LabelInbox))
	f.remote.FetchErr["t1"] = &remote.NetworkError{Op: "threads.get", Err: errors.New("connection reset by peer")}

	if _, err := f.engine.Sync(ctx); err == nil {
		t.Fatalf("expected sync error")
	}
	if got := f.cursor(t); got != "100" {
		t.Fatalf("cursor advanced to %q after a failed pass", got)
	}
	if f.monitor.networkErrors() == 0 {
		t.Fatalf("expected network error reported to the monitor")
	}
	if f.thread(t, "t1").Nudge != model.NudgeNone {
		t.Fatalf("no nudge expected from an aborted pass")
	}

	// The same window is reprocessed once the network is back.
	delete(f.remote.FetchErr, "t1")
	if _, err := f.engine.Sync(ctx); err != nil {
		t.Fatalf("retry Sync: %v", err)
	}
	if got := f.cursor(t); got != "130" {
		t.Fatalf("cursor = %q, want 130", got)
	}
	if f.thread(t, "t1").Nudge != model.NudgeReply {
		t.Fatalf("expected reply nudge after retry")
	}
}

func TestPerThreadFailureDoesNotAbortPass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.setCursor(t, "100")
	f.remote.Put(testutil.Thread("ok", base, model.LabelInbox))
	f.remote.Put(testutil.Thread("bad", base, model.LabelInbox))
	f.remote.FetchErr["bad"] = errors.New("invalid thread payload")
	f.remote.SetHistory("101", labelAdded("bad", model.LabelStarred), labelAdded("ok", model.LabelStarred))

	if _, err := f.engine.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	f.thread(t, "ok")
	if got := f.cursor(t); got != "101" {
		t.Fatalf("cursor = %q, want 101", got)
	}
}

func TestRefreshRunsInBoundedBatches(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.RefreshBatchSize = 20 })
	ctx := context.Background()

	f.setCursor(t, "100")
	var records []remote.HistoryRecord
	for i := 0; i < 45; i++ {
		id := fmt.Sprintf("t%02d", i)
		f.remote.Put(testutil.Thread(id, base, model.LabelInbox))
		records = append(records, labelAdded(id, model.LabelUnread))
	}
	f.remote.SetHistory("200", records...)

	res, err := f.engine.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(res.Changed) != 45 {
		t.Fatalf("changed = %d, want 45", len(res.Changed))
	}
	if n := len(f.remote.Fetches()); n != 45 {
		t.Fatalf("fetches = %d, want 45", n)
	}
	if f.remote.MaxInFlight > 20 {
		t.Fatalf("max concurrent fetches = %d, want <= 20", f.remote.MaxInFlight)
	}
}

func TestRefreshKeepsCachedDepth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	testutil.SeedThread(t, f.store, testutil.Thread("full", base, model.LabelInbox),
		testutil.Message("full", 1, base, "cached body"))
	testutil.SeedThread(t, f.store, testutil.Thread("meta", base, model.LabelInbox))
	f.setCursor(t, "100")

	f.remote.Put(testutil.Thread("full", base, model.LabelInbox), testutil.Message("full", 1, base, "updated body"))
	f.remote.Put(testutil.Thread("meta", base, model.LabelInbox), testutil.Message("meta", 1, base, "remote body"))
	f.remote.SetHistory("101", labelAdded("full", model.LabelStarred), labelAdded("meta", model.LabelStarred))

	if _, err := f.engine.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !reflect.DeepEqual(f.remote.FullFetches, []string{"full"}) {
		t.Fatalf("full fetches = %v, want [full]", f.remote.FullFetches)
	}
	if has, _ := f.store.HasFullThread(ctx, "meta"); has {
		t.Fatalf("metadata-only thread must stay metadata-only")
	}
	if got := f.thread(t, "full").Messages[0].BodyText; got != "updated body" {
		t.Fatalf("body = %q", got)
	}
}

func TestApplyActionIsOptimisticAndReplaysOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.monitor.online.Store(false)

	testutil.SeedThread(t, f.store, testutil.Thread("t1", base, model.LabelInbox, model.LabelUnread))
	testutil.SeedThread(t, f.store, testutil.Thread("t2", base, model.LabelInbox))
	if err := f.store.SetNudge(ctx, "t1", model.NudgeReply); err != nil {
		t.Fatalf("SetNudge: %v", err)
	}

	if _, err := f.engine.ApplyAction(ctx, model.ActionArchive, "t1", model.ActionPayload{}); err != nil {
		t.Fatalf("ApplyAction archive: %v", err)
	}
	if _, err := f.engine.ApplyAction(ctx, model.ActionTrash, "t2", model.ActionPayload{}); err != nil {
		t.Fatalf("ApplyAction trash: %v", err)
	}
	if _, err := f.engine.ApplyAction(ctx, model.ActionStar, "uncached", model.ActionPayload{}); err != nil {
		t.Fatalf("ApplyAction on uncached thread: %v", err)
	}
	if _, err := f.engine.ApplyAction(ctx, "explode", "t1", model.ActionPayload{}); err == nil {
		t.Fatalf("expected unknown action type to be rejected")
	}

	t1 := f.thread(t, "t1")
	if t1.HasLabel(model.LabelInbox) || t1.Nudge != model.NudgeNone {
		t.Fatalf("archive not applied locally: %+v", t1)
	}
	if !f.thread(t, "t2").HasLabel(model.LabelTrash) {
		t.Fatalf("trash not applied locally")
	}

	if res, err := f.engine.ReplayPending(ctx); err != nil || res.Synced != 0 {
		t.Fatalf("offline replay = %+v, %v", res, err)
	}
	if modified, trashed, _ := f.remote.Calls(); len(modified)+len(trashed) != 0 {
		t.Fatalf("no remote calls expected while offline")
	}

	f.monitor.online.Store(true)
	res, err := f.engine.ReplayPending(ctx)
	if err != nil {
		t.Fatalf("ReplayPending: %v", err)
	}
	if res.Synced != 3 {
		t.Fatalf("synced = %d, want 3", res.Synced)
	}
	modified, trashed, _ := f.remote.Calls()
	want := []testutil.ModifyCall{
		{ThreadID: "t1", Remove: []string{model.LabelInbox}},
		{ThreadID: "uncached", Add: []string{model.LabelStarred}},
	}
	if !reflect.DeepEqual(modified, want) {
		t.Fatalf("modify calls = %+v, want %+v", modified, want)
	}
	if !reflect.DeepEqual(trashed, []string{"t2"}) {
		t.Fatalf("trash calls = %v", trashed)
	}

	if _, err := f.engine.ReplayPending(ctx); err != nil {
		t.Fatalf("second ReplayPending: %v", err)
	}
	if again, _, _ := f.remote.Calls(); len(again) != len(modified) {
		t.Fatalf("synced actions were replayed again")
	}
}

func TestReplayFailureHandling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"rejected", "ok", "flaky", "later"} {
		if _, err := f.engine.ApplyAction(ctx, model.ActionStar, id, model.ActionPayload{}); err != nil {
			t.Fatalf("ApplyAction(%s): %v", id, err)
		}
	}
	f.remote.ModifyErr["rejected"] = errors.New("invalid label id")
	f.remote.ModifyErr["flaky"] = &remote.NetworkError{Op: "threads.modify", Err: errors.New("i/o timeout")}

	res, err := f.engine.ReplayPending(ctx)
	if err == nil {
		t.Fatalf("expected network failure to stop the replay")
	}
	if res.Synced != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v, want 1 synced 1 failed", res)
	}
	if f.monitor.networkErrors() == 0 {
		t.Fatalf("expected network error reported")
	}

	pending, _ := f.store.GetPendingActions(ctx)
	var ids []string
	for _, a := range pending {
		ids = append(ids, a.ThreadID)
	}
	if !reflect.DeepEqual(ids, []string{"flaky", "later"}) {
		t.Fatalf("pending = %v, want [flaky later]", ids)
	}

	delete(f.remote.ModifyErr, "flaky")
	res, err = f.engine.ReplayPending(ctx)
	if err != nil || res.Synced != 2 {
		t.Fatalf("second replay = %+v, %v", res, err)
	}
}

func TestDrainOutbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := model.SendPayload{
		To:       []string{"Bob Stone <bob@example.com>"},
		Cc:       []string{"dana@example.com"},
		Subject:  "hello",
		BodyText: "hi",
		ThreadID: "t1",
	}
	id, err := f.engine.QueueSend(ctx, payload)
	if err != nil {
		t.Fatalf("QueueSend: %v", err)
	}

	res, err := f.engine.DrainOutbox(ctx)
	if err != nil {
		t.Fatalf("DrainOutbox: %v", err)
	}
	if res.Sent != 1 {
		t.Fatalf("sent = %d", res.Sent)
	}
	if _, _, sent := f.remote.Calls(); len(sent) != 1 || sent[0].Subject != "hello" {
		t.Fatalf("remote sends = %+v", sent)
	}
	if items, _ := f.store.ListOutbox(ctx); len(items) != 0 {
		t.Fatalf("sent item still listed: %+v", items)
	}

	contacts, _ := f.store.SuggestContacts(ctx, "bob", 5)
	if len(contacts) != 1 || contacts[0].Frequency != sentContactWeight || contacts[0].Name != "Bob Stone" {
		t.Fatalf("recipient contact = %+v", contacts)
	}
	if !f.notifier.all()["t1"] {
		t.Fatalf("expected reply thread in change notification")
	}
	if err := f.store.MarkOutboxSent(ctx, id); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("sent item must be terminal, got %v", err)
	}
}

func TestDrainOutboxFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.QueueSend(ctx, model.SendPayload{To: []string{"bob@example.com"}, Subject: "one"})
	if err != nil {
		t.Fatalf("QueueSend: %v", err)
	}

	f.remote.SendErr = &remote.NetworkError{Op: "messages.send", Err: errors.New("no such host")}
	if _, err := f.engine.DrainOutbox(ctx); err == nil {
		t.Fatalf("expected network error")
	}
	items, _ := f.store.ListOutbox(ctx)
	if len(items) != 1 || items[0].Status != model.OutboxQueued {
		t.Fatalf("item after network failure = %+v, want queued", items)
	}

	f.remote.SendErr = errors.New("recipient address rejected")
	res, err := f.engine.DrainOutbox(ctx)
	if err != nil || res.Failed != 1 {
		t.Fatalf("drain = %+v, %v", res, err)
	}
	items, _ = f.store.ListOutbox(ctx)
	if items[0].Status != model.OutboxFailed || items[0].Error == "" {
		t.Fatalf("item after rejection = %+v", items[0])
	}

	f.remote.SendErr = nil
	if err := f.engine.RetrySend(ctx, id); err != nil {
		t.Fatalf("RetrySend: %v", err)
	}
	if res, err := f.engine.DrainOutbox(ctx); err != nil || res.Sent != 1 {
		t.Fatalf("drain after retry = %+v, %v", res, err)
	}
}

func TestSnoozeAndWake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	testutil.SeedThread(t, f.store, testutil.Thread("t1", base, model.LabelInbox, model.LabelStarred, "Label_7"))

	if err := f.engine.Snooze(ctx, "t1", base.Add(-time.Minute)); err == nil {
		t.Fatalf("expected past wake time to be rejected")
	}
	if err := f.engine.Snooze(ctx, "missing", base.Add(time.Hour)); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("snoozing uncached thread: %v", err)
	}
	if err := f.engine.Snooze(ctx, "t1", base.Add(time.Hour)); err != nil {
		t.Fatalf("Snooze: %v", err)
	}
	if f.thread(t, "t1").HasLabel(model.LabelInbox) {
		t.Fatalf("snoozed thread must leave the inbox")
	}

	if n, err := f.engine.WakeSnoozes(ctx); err != nil || n != 0 {
		t.Fatalf("early wake = %d, %v", n, err)
	}

	f.advance(2 * time.Hour)
	n, err := f.engine.WakeSnoozes(ctx)
	if err != nil || n != 1 {
		t.Fatalf("WakeSnoozes = %d, %v", n, err)
	}

	woken := f.thread(t, "t1")
	for _, l := range []string{model.LabelInbox, model.LabelStarred, "Label_7"} {
		if !woken.HasLabel(l) {
			t.Fatalf("label %s not restored: %v", l, woken.Labels)
		}
	}
	if all, _ := f.store.GetAllSnoozed(ctx); len(all) != 0 {
		t.Fatalf("snooze record not removed: %+v", all)
	}

	pending, _ := f.store.GetPendingActions(ctx)
	if len(pending) != 2 || pending[0].Type != model.ActionArchive || pending[1].Type != model.ActionLabelAdd {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestRestoreLabelsSkipsServiceOwnedLabels(t *testing.T) {
	got := restoreLabels([]string{model.LabelSent, model.LabelInbox, "Label_1", model.LabelDraft, model.LabelUnread})
	want := []string{model.LabelInbox, "Label_1", model.LabelUnread}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("restoreLabels = %v, want %v", got, want)
	}
}

func TestPopulateBodies(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.PopulateBatch = 5 })
	ctx := context.Background()

	for i, id := range []string{"a", "b", "vanished"} {
		testutil.SeedThread(t, f.store, testutil.Thread(id, base.Add(time.Duration(i)*time.Hour), model.LabelInbox))
	}
	f.remote.Put(testutil.Thread("a", base, model.LabelInbox), testutil.Message("a", 1, base, "body a"))
	f.remote.Put(testutil.Thread("b", base, model.LabelInbox), testutil.Message("b", 1, base, "body b"))

	n, err := f.engine.PopulateBodies(ctx)
	if err != nil {
		t.Fatalf("PopulateBodies: %v", err)
	}
	if n != 2 {
		t.Fatalf("populated = %d, want 2", n)
	}
	for _, id := range []string{"a", "b"} {
		if has, _ := f.store.HasFullThread(ctx, id); !has {
			t.Fatalf("thread %s not populated", id)
		}
	}
	if _, err := f.store.GetThread(ctx, "vanished"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("vanished thread should be deleted, got %v", err)
	}
}

func TestPopulateBodiesGuards(t *testing.T) {
	tests := []struct {
		name     string
		settings model.StaticSettings
		online   bool
	}{
		{"cache disabled", model.StaticSettings{Enabled: false, MaxSizeMB: 500}, true},
		{"offline", model.StaticSettings{Enabled: true, MaxSizeMB: 500}, false},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, func(o *Options) { o.Settings = tc.settings })
			f.monitor.online.Store(tc.online)
			testutil.SeedThread(t, f.store, testutil.Thread("a", base, model.LabelInbox))
			f.remote.Put(testutil.Thread("a", base, model.LabelInbox), testutil.Message("a", 1, base, "body"))

			n, err := f.engine.PopulateBodies(context.Background())
			if err != nil || n != 0 {
				t.Fatalf("PopulateBodies = %d, %v", n, err)
			}
			if len(f.remote.Fetches()) != 0 {
				t.Fatalf("no fetch expected")
			}
		})
	}
}

func TestPopulateBodiesStopsNearBudget(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Settings = model.StaticSettings{Enabled: true, MaxSizeMB: 1}
	})
	ctx := context.Background()

	large := strings.Repeat("lorem ipsum dolor ", 8000)
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("big%d", i)
		testutil.SeedThread(t, f.store, testutil.Thread(id, base), testutil.Message(id, 1, base, large))
	}
	testutil.SeedThread(t, f.store, testutil.Thread("meta", base, model.LabelInbox))
	f.remote.Put(testutil.Thread("meta", base, model.LabelInbox), testutil.Message("meta", 1, base, "body"))

	n, err := f.engine.PopulateBodies(ctx)
	if err != nil || n != 0 {
		t.Fatalf("PopulateBodies = %d, %v", n, err)
	}
	if len(f.remote.Fetches()) != 0 {
		t.Fatalf("no fetch expected near the budget")
	}
}

func TestStartSyncsAndFlushesOnReconnect(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.FullSyncViews = []string{"in:inbox"} })
	ctx := context.Background()

	f.remote.Put(testutil.Thread("t1", base, model.LabelInbox))
	f.remote.Views["in:inbox"] = []string{"t1"}

	f.monitor.online.Store(false)
	f.engine.Start(ctx)

	if _, err := f.engine.ApplyAction(ctx, model.ActionStar, "t1", model.ActionPayload{}); err != nil {
		t.Fatalf("ApplyAction: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if modified, _, _ := f.remote.Calls(); len(modified) != 0 {
		t.Fatalf("replayed while offline")
	}

	f.monitor.online.Store(true)
	f.monitor.ch <- true

	waitFor(t, 2*time.Second, func() bool {
		modified, _, _ := f.remote.Calls()
		return len(modified) == 1
	})
	waitFor(t, 2*time.Second, func() bool { return f.cursor(t) == "100" })

	f.engine.Stop()
	f.engine.Stop()
}
