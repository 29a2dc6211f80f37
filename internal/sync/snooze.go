package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/nhle/mailcache/internal/model"
)

// unrestorable labels are owned by the service and cannot be re-added.
var unrestorable = map[string]bool{
	model.LabelSent:  true,
	model.LabelDraft: true,
	model.LabelTrash: true,
	model.LabelSpam:  true,
}

// Snooze hides a cached thread until until: its current labels are
// remembered and the thread is archived.
func (e *Engine) Snooze(ctx context.Context, threadID string, until time.Time) error {
	t, err := e.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if !until.After(e.now()) {
		return fmt.Errorf("snooze time %s is not in the future", until.Format(time.RFC3339))
	}

	if err := e.store.SnoozeThread(ctx, threadID, until, t.Labels); err != nil {
		return err
	}
	if _, err := e.ApplyAction(ctx, model.ActionArchive, threadID, model.ActionPayload{}); err != nil {
		return fmt.Errorf("archiving snoozed thread: %w", err)
	}
	return nil
}

// Unsnooze returns a snoozed thread to the inbox with the labels it had
// when it was snoozed.
func (e *Engine) Unsnooze(ctx context.Context, threadID string) error {
	rec, err := e.store.GetSnoozedThread(ctx, threadID)
	if err != nil {
		return err
	}

	if _, err := e.ApplyAction(ctx, model.ActionLabelAdd, threadID, model.ActionPayload{
		Labels: restoreLabels(rec.OriginalLabels),
	}); err != nil {
		return fmt.Errorf("restoring labels: %w", err)
	}
	return e.store.CancelSnooze(ctx, threadID)
}

// WakeSnoozes unsnoozes every thread whose wake time has passed and
// returns how many woke.
func (e *Engine) WakeSnoozes(ctx context.Context) (int, error) {
	expired, err := e.store.GetExpiredSnoozes(ctx, e.now())
	if err != nil {
		return 0, err
	}

	woke := 0
	for _, rec := range expired {
		if err := e.Unsnooze(ctx, rec.ThreadID); err != nil {
			return woke, fmt.Errorf("waking %s: %w", rec.ThreadID, err)
		}
		woke++
	}
	if woke > 0 {
		e.logger.Info("woke snoozed threads", "count", woke)
	}
	return woke, nil
}

func restoreLabels(original []string) []string {
	out := []string{model.LabelInbox}
	for _, l := range original {
		if l == model.LabelInbox || unrestorable[l] {
			continue
		}
		out = append(out, l)
	}
	return out
}
