package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/mailcache/internal/remote"
)

// PopulateBodies fetches full content for cached threads that only have
// metadata, one at a time with a pause between fetches. It does nothing
// when the cache is disabled, while offline, during a sync pass, or once
// the store is near its size budget. It returns the number of threads
// populated.
func (e *Engine) PopulateBodies(ctx context.Context) (int, error) {
	settings := e.settings.CacheSettings()
	if !settings.Enabled || !e.monitor.IsOnline() || e.syncing.Load() {
		return 0, nil
	}
	if !e.populating.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer e.populating.Store(false)

	if budget := settings.MaxSizeBytes(); budget > 0 {
		stats, err := e.store.GetStats(ctx)
		if err != nil {
			return 0, err
		}
		if float64(stats.SizeBytes) >= float64(budget)*populateBudgetRatio {
			e.logger.Debug("cache near budget; skipping population", "size", stats.SizeBytes, "budget", budget)
			return 0, nil
		}
	}

	ids, err := e.store.GetThreadsNeedingBodies(ctx, e.populateBatch)
	if err != nil {
		return 0, err
	}

	var populated []string
	defer func() { e.notifyChanged(populated) }()

	for i, id := range ids {
		if i > 0 && !e.pause(ctx) {
			break
		}
		if !e.monitor.IsOnline() {
			break
		}

		t, err := e.remote.FetchThread(ctx, id, true)
		switch {
		case errors.Is(err, remote.ErrNotFound):
			if err := e.store.DeleteThread(ctx, id); err != nil {
				e.logger.Warn("deleting vanished thread", "thread", id, "err", err)
			}
			continue
		case remote.IsNetworkError(err):
			e.reportError(err)
			return len(populated), fmt.Errorf("fetching %s: %w", id, err)
		case err != nil:
			e.logger.Warn("skipping body population", "thread", id, "err", err)
			continue
		}

		if err := e.store.UpsertFullThread(ctx, *t, t.Messages); err != nil {
			return len(populated), err
		}
		populated = append(populated, id)
	}

	if len(populated) > 0 {
		e.logger.Info("populated thread bodies", "count", len(populated))
	}
	return len(populated), nil
}

// pause waits populateDelay. It reports false if ctx ended first.
func (e *Engine) pause(ctx context.Context) bool {
	timer := time.NewTimer(e.populateDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
