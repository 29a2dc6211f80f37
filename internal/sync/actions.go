package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
	"github.com/nhle/mailcache/internal/store"
)

// ReplayResult counts what one ReplayPending call did.
type ReplayResult struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
}

// ApplyAction applies a metadata mutation to the cached thread right away
// and queues it for the remote service. A thread that is not cached is
// still queued. It returns the pending action id.
func (e *Engine) ApplyAction(
	ctx context.Context,
	typ model.ActionType,
	threadID string,
	payload model.ActionPayload,
) (string, error) {
	if !typ.Known() {
		return "", fmt.Errorf("unknown action type %q", typ)
	}

	add, remove := model.LabelDiffFor(typ, payload)
	err := e.store.UpdateThreadLabels(ctx, threadID, add, remove)
	switch {
	case errors.Is(err, store.ErrNotFound):
		e.logger.Debug("queueing action for uncached thread", "thread", threadID, "type", typ)
	case err != nil:
		return "", fmt.Errorf("applying %s locally: %w", typ, err)
	}

	if hasInbox(remove) {
		if err := e.store.ClearNudge(ctx, threadID); err != nil && !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("clearing nudge", "thread", threadID, "err", err)
		}
	}

	id, err := e.store.EnqueuePendingAction(ctx, model.PendingAction{
		Type:     typ,
		ThreadID: threadID,
		Payload:  payload,
	})
	if err != nil {
		return "", err
	}

	e.notifier.ThreadsChanged([]string{threadID})
	if e.monitor.IsOnline() {
		e.requestFlush()
	}
	return id, nil
}

// ReplayPending sends queued actions to the remote service in FIFO order.
// A network failure stops the replay and leaves the rest pending; an
// authorization failure stops it as well. Any other failure marks that
// action failed and moves on.
func (e *Engine) ReplayPending(ctx context.Context) (ReplayResult, error) {
	var res ReplayResult
	if !e.monitor.IsOnline() {
		return res, nil
	}
	if !e.replaying.CompareAndSwap(false, true) {
		return res, nil
	}
	defer e.replaying.Store(false)

	actions, err := e.store.GetPendingActions(ctx)
	if err != nil {
		return res, err
	}

	for _, a := range actions {
		err := e.pushAction(ctx, a)
		switch {
		case err == nil:
			if err := e.store.MarkActionSynced(ctx, a.ID); err != nil {
				return res, err
			}
			res.Synced++
		case remote.IsNetworkError(err):
			e.reportError(err)
			return res, fmt.Errorf("replaying %s on %s: %w", a.Type, a.ThreadID, err)
		case remote.IsAuthError(err):
			return res, fmt.Errorf("replaying %s on %s: %w", a.Type, a.ThreadID, err)
		default:
			e.logger.Warn("pending action rejected", "id", a.ID, "type", a.Type, "thread", a.ThreadID, "err", err)
			if err := e.store.MarkActionFailed(ctx, a.ID, err.Error()); err != nil {
				return res, err
			}
			res.Failed++
		}
	}

	if res.Synced > 0 || res.Failed > 0 {
		e.logger.Info("replayed pending actions", "synced", res.Synced, "failed", res.Failed)
	}
	return res, nil
}

// RetryAction puts a failed action back in the queue.
func (e *Engine) RetryAction(ctx context.Context, id string) error {
	if err := e.store.RetryAction(ctx, id); err != nil {
		return err
	}
	if e.monitor.IsOnline() {
		e.requestFlush()
	}
	return nil
}

func (e *Engine) pushAction(ctx context.Context, a model.PendingAction) error {
	if a.Type == model.ActionTrash {
		return e.remote.TrashThread(ctx, a.ThreadID)
	}
	add, remove := a.LabelDiff()
	return e.remote.ModifyThread(ctx, a.ThreadID, add, remove)
}
