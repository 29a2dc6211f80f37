package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailcache/internal/model"
)

const (
	metaLastHistoryID = "last_history_id"
	metaLastSyncedAt  = "last_synced_at"

	// pruneTargetRatio is the share of the size limit prune evicts down to.
	pruneTargetRatio = 0.9
)

// sizeQuery returns the bytes held by live pages, ignoring the freelist.
const sizeQuery = `
	SELECT (p.page_count - f.freelist_count) * s.page_size
	FROM pragma_page_count() p, pragma_freelist_count() f, pragma_page_size() s`

type queryer interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func databaseSize(ctx context.Context, q queryer) (int64, error) {
	var size int64
	if err := q.GetContext(ctx, &size, sizeQuery); err != nil {
		return 0, fmt.Errorf("measuring database size: %w", err)
	}
	return size, nil
}

// GetStats returns row counts and the approximate on-disk size.
func (s *SQLiteStore) GetStats(ctx context.Context) (model.CacheStats, error) {
	var stats model.CacheStats
	var row struct {
		Threads        int `db:"threads"`
		FullThreads    int `db:"full_threads"`
		Messages       int `db:"messages"`
		Contacts       int `db:"contacts"`
		Snoozed        int `db:"snoozed"`
		PendingActions int `db:"pending_actions"`
		OutboxItems    int `db:"outbox_items"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT
			(SELECT COUNT(*) FROM threads) AS threads,
			(SELECT COUNT(DISTINCT thread_id) FROM messages WHERE has_body = 1) AS full_threads,
			(SELECT COUNT(*) FROM messages) AS messages,
			(SELECT COUNT(*) FROM contacts) AS contacts,
			(SELECT COUNT(*) FROM snoozed) AS snoozed,
			(SELECT COUNT(*) FROM pending_actions WHERE status = ?) AS pending_actions,
			(SELECT COUNT(*) FROM outbox WHERE status != ?) AS outbox_items`,
		model.ActionPending, model.OutboxSent,
	)
	if err != nil {
		return stats, fmt.Errorf("counting cache rows: %w", err)
	}

	size, err := databaseSize(ctx, s.db)
	if err != nil {
		return stats, err
	}

	stats = model.CacheStats{
		Threads:        row.Threads,
		FullThreads:    row.FullThreads,
		Messages:       row.Messages,
		Contacts:       row.Contacts,
		Snoozed:        row.Snoozed,
		PendingActions: row.PendingActions,
		OutboxItems:    row.OutboxItems,
		SizeBytes:      size,
	}
	return stats, nil
}

// Prune evicts the least recently cached threads until the database is at
// or below 90% of maxSizeBytes. Threads with a pending action are never
// evicted. It returns the number of evicted threads; a non-positive limit
// disables pruning.
func (s *SQLiteStore) Prune(ctx context.Context, maxSizeBytes int64) (int, error) {
	if maxSizeBytes <= 0 {
		return 0, nil
	}

	size, err := databaseSize(ctx, s.db)
	if err != nil {
		return 0, err
	}
	if size <= maxSizeBytes {
		return 0, nil
	}
	target := int64(float64(maxSizeBytes) * pruneTargetRatio)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var candidates []string
	err = tx.SelectContext(ctx, &candidates, `
		SELECT t.id FROM threads t
		WHERE NOT EXISTS (
			SELECT 1 FROM pending_actions p
			WHERE p.thread_id = t.id AND p.status = ?
		)
		ORDER BY t.cached_at ASC, t.rowid ASC`, model.ActionPending)
	if err != nil {
		return 0, fmt.Errorf("selecting eviction candidates: %w", err)
	}

	evicted := 0
	for _, id := range candidates {
		if size <= target {
			break
		}
		if err := deleteThreadTx(ctx, tx, id); err != nil {
			return 0, err
		}
		evicted++

		if size, err = databaseSize(ctx, tx); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing prune: %w", err)
	}

	if evicted > 0 {
		if _, err := s.db.ExecContext(ctx, "PRAGMA incremental_vacuum"); err != nil {
			return evicted, fmt.Errorf("reclaiming free pages: %w", err)
		}
	}
	return evicted, nil
}

// ClearCache removes every thread, message and index entry along with the
// sync cursor and last sync time. Contacts, snoozes and both queues are
// kept.
func (s *SQLiteStore) ClearCache(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM messages_fts",
		"DELETE FROM messages",
		"DELETE FROM threads",
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clearing cache (%s): %w", stmt, err)
		}
	}

	query, args, err := sqlx.In("DELETE FROM sync_meta WHERE key IN (?)",
		[]string{metaLastHistoryID, metaLastSyncedAt})
	if err != nil {
		return fmt.Errorf("building sync meta delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("clearing sync meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing cache clear: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "PRAGMA incremental_vacuum"); err != nil {
		return fmt.Errorf("reclaiming free pages: %w", err)
	}
	return nil
}

// GetSyncMeta returns the stored cursor and last sync time. Missing values
// come back empty.
func (s *SQLiteStore) GetSyncMeta(ctx context.Context) (model.SyncMeta, error) {
	var meta model.SyncMeta

	cursor, err := s.getMeta(ctx, metaLastHistoryID)
	if err != nil {
		return meta, err
	}
	meta.LastHistoryID = cursor

	syncedAt, err := s.getMeta(ctx, metaLastSyncedAt)
	if err != nil {
		return meta, err
	}
	if syncedAt != "" {
		ms, err := strconv.ParseInt(syncedAt, 10, 64)
		if err != nil {
			return meta, fmt.Errorf("parsing %s %q: %w", metaLastSyncedAt, syncedAt, err)
		}
		meta.LastSyncedAt = fromMillis(ms)
	}
	return meta, nil
}

// SetLastHistoryID stores the incremental sync cursor.
func (s *SQLiteStore) SetLastHistoryID(ctx context.Context, cursor string) error {
	return s.setMeta(ctx, metaLastHistoryID, cursor)
}

// SetLastSyncedAt stores the time of the last successful sync.
func (s *SQLiteStore) SetLastSyncedAt(ctx context.Context, at time.Time) error {
	return s.setMeta(ctx, metaLastSyncedAt, strconv.FormatInt(toMillis(at), 10))
}

func (s *SQLiteStore) getMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM sync_meta WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) setMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}
