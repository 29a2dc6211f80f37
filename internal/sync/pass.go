package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
	"github.com/nhle/mailcache/internal/store"
)

// Mode describes which kind of pass Sync ran.
type Mode string

const (
	ModeSkipped     Mode = "skipped"
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Skip reasons reported in Result.Reason.
const (
	ReasonOffline    = "offline"
	ReasonInProgress = "in progress"
)

// Result summarizes one call to Sync.
type Result struct {
	Mode   Mode   `json:"mode"`
	Reason string `json:"reason,omitempty"`

	// Recovered is set when an expired cursor forced a full sync.
	Recovered bool `json:"recovered,omitempty"`

	Changed []string `json:"changed,omitempty"`
	Deleted []string `json:"deleted,omitempty"`
	Nudged  []string `json:"nudged,omitempty"`
	Pruned  int      `json:"pruned,omitempty"`
	Cursor  string   `json:"cursor,omitempty"`
}

// Sync runs one pass: full when no cursor is stored, incremental
// otherwise. It is skipped while offline or while another pass runs. A
// network failure is reported to the connectivity monitor; the stored
// cursor only advances after the pass has been applied.
func (e *Engine) Sync(ctx context.Context) (Result, error) {
	if !e.monitor.IsOnline() {
		return Result{Mode: ModeSkipped, Reason: ReasonOffline}, nil
	}
	if !e.syncing.CompareAndSwap(false, true) {
		return Result{Mode: ModeSkipped, Reason: ReasonInProgress}, nil
	}
	defer e.syncing.Store(false)

	res, err := e.runPass(ctx)
	if err != nil {
		e.reportError(err)
		return res, fmt.Errorf("sync: %w", err)
	}
	e.monitor.ReportOnline()

	if err := e.store.SetLastSyncedAt(ctx, e.now()); err != nil {
		e.logger.Error("recording sync time", "err", err)
	}

	settings := e.settings.CacheSettings()
	if settings.Enabled {
		pruned, err := e.store.Prune(ctx, settings.MaxSizeBytes())
		if err != nil {
			e.logger.Error("pruning cache", "err", err)
		}
		res.Pruned = pruned
	}

	e.logger.Info("sync pass complete",
		"mode", res.Mode,
		"changed", len(res.Changed),
		"deleted", len(res.Deleted),
		"nudged", len(res.Nudged),
		"pruned", res.Pruned,
	)
	return res, nil
}

func (e *Engine) runPass(ctx context.Context) (Result, error) {
	meta, err := e.store.GetSyncMeta(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("reading sync meta: %w", err)
	}
	if meta.LastHistoryID == "" {
		return e.fullSync(ctx)
	}

	res, err := e.incrementalSync(ctx, meta.LastHistoryID)
	if !errors.Is(err, remote.ErrCursorExpired) {
		return res, err
	}

	e.logger.Warn("history cursor expired; clearing cache for a full sync", "cursor", meta.LastHistoryID)
	if err := e.store.ClearCache(ctx); err != nil {
		return Result{}, fmt.Errorf("clearing cache: %w", err)
	}
	res, err = e.fullSync(ctx)
	res.Recovered = err == nil
	return res, err
}

// fullSync captures the current cursor first so changes made while the
// views are fetched are replayed by the next incremental pass.
func (e *Engine) fullSync(ctx context.Context) (Result, error) {
	profile, err := e.remote.GetProfile(ctx)
	if err != nil {
		return Result{Mode: ModeFull}, fmt.Errorf("reading profile: %w", err)
	}
	e.rememberSelf(profile.Address)

	var changed []string
	for _, view := range e.fullSyncViews {
		page, err := e.remote.FetchThreads(ctx, view, e.fullSyncMaxResults, "")
		if err != nil {
			return Result{Mode: ModeFull}, fmt.Errorf("fetching view %q: %w", view, err)
		}
		if len(page.Threads) == 0 {
			continue
		}
		if err := e.store.UpsertThreads(ctx, page.Threads); err != nil {
			return Result{Mode: ModeFull}, fmt.Errorf("storing view %q: %w", view, err)
		}
		for _, t := range page.Threads {
			changed = append(changed, t.ID)
		}
	}

	if err := e.store.SetLastHistoryID(ctx, profile.Cursor); err != nil {
		return Result{Mode: ModeFull}, fmt.Errorf("storing cursor: %w", err)
	}

	changed = unique(changed)
	e.notifier.ThreadsChanged(changed)
	return Result{Mode: ModeFull, Changed: changed, Cursor: profile.Cursor}, nil
}

// historyDelta is the classified content of one history window.
type historyDelta struct {
	affected     []string
	newMessages  map[string]bool
	addedMsgIDs  map[string]bool
	inboxAdded   map[string]bool
	inboxRemoved map[string]bool
}

func classifyHistory(records []remote.HistoryRecord) historyDelta {
	d := historyDelta{
		newMessages:  make(map[string]bool),
		addedMsgIDs:  make(map[string]bool),
		inboxAdded:   make(map[string]bool),
		inboxRemoved: make(map[string]bool),
	}
	for _, r := range records {
		if r.ThreadID == "" {
			continue
		}
		d.affected = append(d.affected, r.ThreadID)
		switch r.Type {
		case remote.HistoryMessageAdded:
			d.newMessages[r.ThreadID] = true
			if r.MessageID != "" {
				d.addedMsgIDs[r.MessageID] = true
			}
		case remote.HistoryLabelAdded:
			if hasInbox(r.LabelIDs) {
				d.inboxAdded[r.ThreadID] = true
			}
		case remote.HistoryLabelRemoved:
			if hasInbox(r.LabelIDs) {
				d.inboxRemoved[r.ThreadID] = true
			}
		}
	}
	d.affected = unique(d.affected)
	return d
}

// nudgeCandidates are threads that re-entered the inbox without a new
// message in the same window.
func (d historyDelta) nudgeCandidates() []string {
	var out []string
	for _, id := range d.affected {
		if d.inboxAdded[id] && !d.newMessages[id] {
			out = append(out, id)
		}
	}
	return out
}

// nudgeClears are threads whose nudge no longer applies.
func (d historyDelta) nudgeClears() []string {
	var out []string
	for _, id := range d.affected {
		if d.newMessages[id] || d.inboxRemoved[id] {
			out = append(out, id)
		}
	}
	return out
}

func (e *Engine) incrementalSync(ctx context.Context, cursor string) (Result, error) {
	res := Result{Mode: ModeIncremental}

	page, err := e.remote.GetHistory(ctx, cursor)
	if err != nil {
		return res, err
	}

	next := page.Cursor
	if next == "" {
		next = cursor
	}
	res.Cursor = next

	if len(page.Records) == 0 {
		if next != cursor {
			if err := e.store.SetLastHistoryID(ctx, next); err != nil {
				return res, fmt.Errorf("storing cursor: %w", err)
			}
		}
		return res, nil
	}

	delta := classifyHistory(page.Records)

	if clears := delta.nudgeClears(); len(clears) > 0 {
		if err := e.store.ClearNudges(ctx, clears); err != nil {
			return res, fmt.Errorf("clearing nudges: %w", err)
		}
	}

	refreshed, deleted, err := e.refreshThreads(ctx, delta.affected)
	if err != nil {
		return res, err
	}
	res.Deleted = deleted

	self := e.selfAddress(ctx)
	for _, id := range delta.nudgeCandidates() {
		t, ok := refreshed[id]
		if !ok || !t.HasLabel(model.LabelInbox) {
			continue
		}
		nudge := classifyNudge(t, self)
		if err := e.store.SetNudge(ctx, id, nudge); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return res, fmt.Errorf("setting nudge on %s: %w", id, err)
		}
		res.Nudged = append(res.Nudged, id)
	}

	e.learnContacts(ctx, refreshed, delta.addedMsgIDs, self)

	if err := e.store.SetLastHistoryID(ctx, next); err != nil {
		return res, fmt.Errorf("storing cursor: %w", err)
	}

	res.Changed = delta.affected
	e.notifier.ThreadsChanged(delta.affected)
	return res, nil
}

// classifyNudge marks a thread follow_up when the owner sent the latest
// message and reply otherwise.
func classifyNudge(t *model.Thread, self string) model.NudgeType {
	from := t.FromAddress
	if latest := t.LatestMessage(); latest != nil {
		from = latest.From
	}
	if self != "" && model.NormalizeAddress(from) == self {
		return model.NudgeFollowUp
	}
	return model.NudgeReply
}

// learnContacts records senders of messages added in this window.
func (e *Engine) learnContacts(ctx context.Context, threads map[string]*model.Thread, added map[string]bool, self string) {
	var addrs []model.ContactAddress
	for _, t := range threads {
		for _, m := range t.Messages {
			if !added[m.ID] || m.From == "" {
				continue
			}
			if self != "" && model.NormalizeAddress(m.From) == self {
				continue
			}
			addrs = append(addrs, model.ContactAddress{Address: m.From, Name: m.FromName})
		}
	}
	if len(addrs) == 0 {
		return
	}
	if err := e.store.RecordContacts(ctx, addrs, 1); err != nil {
		e.logger.Error("recording contacts", "err", err)
	}
}

type refreshOutcome struct {
	id      string
	thread  *model.Thread
	deleted bool
	err     error
}

// refreshThreads re-fetches ids in batches: concurrent within a batch,
// sequential across batches. A thread the service no longer has is
// deleted locally. Other per-thread failures are logged and skipped,
// except network failures, which abort the pass.
func (e *Engine) refreshThreads(ctx context.Context, ids []string) (map[string]*model.Thread, []string, error) {
	refreshed := make(map[string]*model.Thread, len(ids))
	var deleted []string

	for start := 0; start < len(ids); start += e.refreshBatchSize {
		end := min(start+e.refreshBatchSize, len(ids))
		batch := ids[start:end]

		outcomes := make([]refreshOutcome, len(batch))
		var wg gosync.WaitGroup
		for i, id := range batch {
			i, id := i, id
			wg.Add(1)
			go func() {
				defer wg.Done()
				outcomes[i] = e.refreshThread(ctx, id)
			}()
		}
		wg.Wait()

		for _, o := range outcomes {
			switch {
			case o.err != nil && remote.IsNetworkError(o.err):
				return refreshed, deleted, fmt.Errorf("refreshing %s: %w", o.id, o.err)
			case o.err != nil:
				e.logger.Warn("skipping thread refresh", "thread", o.id, "err", o.err)
			case o.deleted:
				deleted = append(deleted, o.id)
			default:
				refreshed[o.id] = o.thread
			}
		}
	}
	return refreshed, deleted, nil
}

// refreshThread keeps the cached depth: a thread with cached bodies is
// fetched in full, anything else as metadata.
func (e *Engine) refreshThread(ctx context.Context, id string) refreshOutcome {
	full, err := e.store.HasFullThread(ctx, id)
	if err != nil {
		return refreshOutcome{id: id, err: err}
	}

	t, err := e.remote.FetchThread(ctx, id, full)
	if errors.Is(err, remote.ErrNotFound) {
		if err := e.store.DeleteThread(ctx, id); err != nil {
			return refreshOutcome{id: id, err: err}
		}
		return refreshOutcome{id: id, deleted: true}
	}
	if err != nil {
		return refreshOutcome{id: id, err: err}
	}

	if err := e.store.UpsertFullThread(ctx, *t, t.Messages); err != nil {
		return refreshOutcome{id: id, err: err}
	}
	return refreshOutcome{id: id, thread: t}
}

func hasInbox(labels []string) bool {
	for _, l := range labels {
		if l == model.LabelInbox {
			return true
		}
	}
	return false
}

func unique(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
