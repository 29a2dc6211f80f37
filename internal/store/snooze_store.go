package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/mailcache/internal/model"
)

type snoozeRow struct {
	ThreadID       string `db:"thread_id"`
	WakeAt         int64  `db:"wake_at"`
	OriginalLabels string `db:"original_labels"`
	CreatedAt      int64  `db:"created_at"`
}

func (r snoozeRow) toModel() (model.SnoozeRecord, error) {
	rec := model.SnoozeRecord{
		ThreadID:  r.ThreadID,
		WakeAt:    fromMillis(r.WakeAt),
		CreatedAt: fromMillis(r.CreatedAt),
	}
	if err := unmarshalList(r.OriginalLabels, &rec.OriginalLabels); err != nil {
		return model.SnoozeRecord{}, fmt.Errorf("unmarshaling snooze labels of %s: %w", r.ThreadID, err)
	}
	return rec, nil
}

func snoozesFromRows(rows []snoozeRow) ([]model.SnoozeRecord, error) {
	out := make([]model.SnoozeRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// SnoozeThread records (or replaces) a snooze for a thread.
func (s *SQLiteStore) SnoozeThread(
	ctx context.Context,
	threadID string,
	wakeAt time.Time,
	originalLabels []string,
) error {
	if threadID == "" {
		return fmt.Errorf("thread id must not be empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snoozed (thread_id, wake_at, original_labels, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			wake_at         = excluded.wake_at,
			original_labels = excluded.original_labels,
			created_at      = excluded.created_at`,
		threadID, toMillis(wakeAt), marshalList(originalLabels), toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("snoozing thread %s: %w", threadID, err)
	}
	return nil
}

// CancelSnooze removes a thread's snooze record, if any.
func (s *SQLiteStore) CancelSnooze(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM snoozed WHERE thread_id = ?", threadID); err != nil {
		return fmt.Errorf("cancelling snooze of %s: %w", threadID, err)
	}
	return nil
}

// GetExpiredSnoozes returns snoozes whose wake time is at or before now,
// earliest first.
func (s *SQLiteStore) GetExpiredSnoozes(
	ctx context.Context,
	now time.Time,
) ([]model.SnoozeRecord, error) {
	var rows []snoozeRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM snoozed WHERE wake_at <= ? ORDER BY wake_at ASC, thread_id",
		toMillis(now)); err != nil {
		return nil, fmt.Errorf("querying expired snoozes: %w", err)
	}
	return snoozesFromRows(rows)
}

// GetSnoozedThread returns the snooze record of a thread or ErrNotFound.
func (s *SQLiteStore) GetSnoozedThread(
	ctx context.Context,
	threadID string,
) (*model.SnoozeRecord, error) {
	var row snoozeRow
	err := s.db.GetContext(ctx, &row,
		"SELECT * FROM snoozed WHERE thread_id = ?", threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting snooze of %s: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting snooze of %s: %w", threadID, err)
	}
	rec, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetAllSnoozed returns every snooze record ordered by wake time.
func (s *SQLiteStore) GetAllSnoozed(ctx context.Context) ([]model.SnoozeRecord, error) {
	var rows []snoozeRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM snoozed ORDER BY wake_at ASC, thread_id"); err != nil {
		return nil, fmt.Errorf("querying snoozes: %w", err)
	}
	return snoozesFromRows(rows)
}
