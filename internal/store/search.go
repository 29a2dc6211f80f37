package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/nhle/mailcache/internal/model"
)

const defaultSearchLimit = 50

// SearchLocal runs a full-text query over message subject, body, sender
// and recipients. If the index rejects the query (malformed FTS syntax),
// it falls back to a substring scan over thread metadata instead of
// failing the call.
func (s *SQLiteStore) SearchLocal(
	ctx context.Context,
	query string,
	limit int,
) ([]model.Thread, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	threads, ftsErr := s.searchFTS(ctx, query, limit)
	if ftsErr == nil {
		return threads, nil
	}

	threads, err := s.searchSubstring(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("searching %q: %w (full-text: %v)", query, err, ftsErr)
	}
	return threads, nil
}

func (s *SQLiteStore) searchFTS(ctx context.Context, query string, limit int) ([]model.Thread, error) {
	var rows []threadRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+threadColumns+` FROM threads t
		WHERE t.id IN (
			SELECT thread_id FROM messages_fts WHERE messages_fts MATCH ?
		)
		ORDER BY t.last_date DESC
		LIMIT ?`, query, limit)
	if err != nil {
		return nil, err
	}
	return threadsFromRows(rows)
}

func (s *SQLiteStore) searchSubstring(ctx context.Context, query string, limit int) ([]model.Thread, error) {
	pattern := "%" + escapeLike(query) + "%"

	var rows []threadRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+threadColumns+` FROM threads t
		WHERE t.subject LIKE ? ESCAPE '\'
			OR t.snippet LIKE ? ESCAPE '\'
			OR t.from_addr LIKE ? ESCAPE '\'
			OR t.participants LIKE ? ESCAPE '\'
		ORDER BY t.last_date DESC
		LIMIT ?`, pattern, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, err
	}
	return threadsFromRows(rows)
}

// escapeLike escapes LIKE wildcards so s matches literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
