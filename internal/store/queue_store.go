package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailcache/internal/model"
)

type pendingActionRow struct {
	Seq       int64  `db:"seq"`
	ID        string `db:"id"`
	Type      string `db:"type"`
	ThreadID  string `db:"thread_id"`
	Payload   string `db:"payload"`
	CreatedAt int64  `db:"created_at"`
	Status    string `db:"status"`
	Error     string `db:"error"`
}

type outboxRow struct {
	Seq       int64         `db:"seq"`
	ID        string        `db:"id"`
	Payload   string        `db:"payload"`
	CreatedAt int64         `db:"created_at"`
	Status    string        `db:"status"`
	Error     string        `db:"error"`
	SentAt    sql.NullInt64 `db:"sent_at"`
}

// EnqueuePendingAction appends an offline mutation to the replay log and
// returns its id.
func (s *SQLiteStore) EnqueuePendingAction(
	ctx context.Context,
	action model.PendingAction,
) (string, error) {
	if !action.Type.Known() {
		return "", fmt.Errorf("unknown action type %q", action.Type)
	}
	if strings.TrimSpace(action.ThreadID) == "" {
		return "", fmt.Errorf("action thread id must not be empty")
	}
	if action.ID == "" {
		action.ID = uuid.New().String()
	}

	payload, err := json.Marshal(action.Payload)
	if err != nil {
		return "", fmt.Errorf("marshaling action payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_actions (id, type, thread_id, payload, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		action.ID, string(action.Type), action.ThreadID, string(payload),
		toMillis(s.now()), model.ActionPending,
	)
	if err != nil {
		return "", fmt.Errorf("enqueuing action %s: %w", action.ID, err)
	}
	return action.ID, nil
}

// GetPendingActions returns non-terminal actions in creation order.
func (s *SQLiteStore) GetPendingActions(ctx context.Context) ([]model.PendingAction, error) {
	var rows []pendingActionRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM pending_actions WHERE status = ? ORDER BY seq ASC",
		model.ActionPending); err != nil {
		return nil, fmt.Errorf("querying pending actions: %w", err)
	}

	actions := make([]model.PendingAction, 0, len(rows))
	for _, r := range rows {
		a := model.PendingAction{
			ID:        r.ID,
			Type:      model.ActionType(r.Type),
			ThreadID:  r.ThreadID,
			CreatedAt: fromMillis(r.CreatedAt),
			Status:    r.Status,
			Error:     r.Error,
		}
		if r.Payload != "" {
			if err := json.Unmarshal([]byte(r.Payload), &a.Payload); err != nil {
				return nil, fmt.Errorf("unmarshaling payload of action %s: %w", r.ID, err)
			}
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// MarkActionSynced moves a pending action to synced. Synced is terminal.
func (s *SQLiteStore) MarkActionSynced(ctx context.Context, id string) error {
	return s.transition(ctx, "pending_actions", id,
		"status = 'synced', error = ''", nil,
		model.ActionPending)
}

// MarkActionFailed moves a pending action to failed with the error text.
func (s *SQLiteStore) MarkActionFailed(ctx context.Context, id string, errText string) error {
	return s.transition(ctx, "pending_actions", id,
		"status = 'failed', error = ?", []interface{}{errText},
		model.ActionPending)
}

// RetryAction puts a failed action back in the replay log.
func (s *SQLiteStore) RetryAction(ctx context.Context, id string) error {
	return s.transition(ctx, "pending_actions", id,
		"status = 'pending', error = ''", nil,
		model.ActionFailed)
}

// EnqueueOutbox queues an outbound send and returns its id.
func (s *SQLiteStore) EnqueueOutbox(ctx context.Context, payload model.SendPayload) (string, error) {
	if len(payload.Recipients()) == 0 {
		return "", fmt.Errorf("outbound message has no recipients")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling send payload: %w", err)
	}

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outbox (id, payload, created_at, status)
		VALUES (?, ?, ?, ?)`,
		id, string(raw), toMillis(s.now()), model.OutboxQueued,
	)
	if err != nil {
		return "", fmt.Errorf("enqueuing outbox item: %w", err)
	}
	return id, nil
}

// GetOutboxItems returns queued and in-flight items in creation order.
func (s *SQLiteStore) GetOutboxItems(ctx context.Context) ([]model.OutboxItem, error) {
	return s.queryOutbox(ctx,
		"SELECT * FROM outbox WHERE status IN (?, ?) ORDER BY seq ASC",
		model.OutboxQueued, model.OutboxSending)
}

// ListOutbox returns every item that has not been sent, failed ones
// included, in creation order.
func (s *SQLiteStore) ListOutbox(ctx context.Context) ([]model.OutboxItem, error) {
	return s.queryOutbox(ctx,
		"SELECT * FROM outbox WHERE status != ? ORDER BY seq ASC",
		model.OutboxSent)
}

func (s *SQLiteStore) queryOutbox(ctx context.Context, query string, args ...interface{}) ([]model.OutboxItem, error) {
	var rows []outboxRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying outbox: %w", err)
	}

	items := make([]model.OutboxItem, 0, len(rows))
	for _, r := range rows {
		item := model.OutboxItem{
			ID:        r.ID,
			CreatedAt: fromMillis(r.CreatedAt),
			Status:    r.Status,
			Error:     r.Error,
		}
		if r.SentAt.Valid {
			sentAt := fromMillis(r.SentAt.Int64)
			item.SentAt = &sentAt
		}
		if err := json.Unmarshal([]byte(r.Payload), &item.Payload); err != nil {
			return nil, fmt.Errorf("unmarshaling outbox item %s: %w", r.ID, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// MarkOutboxSending claims an item for sending.
func (s *SQLiteStore) MarkOutboxSending(ctx context.Context, id string) error {
	return s.transition(ctx, "outbox", id,
		"status = 'sending'", nil,
		model.OutboxQueued, model.OutboxSending)
}

// MarkOutboxSent records a successful send. Sent is terminal.
func (s *SQLiteStore) MarkOutboxSent(ctx context.Context, id string) error {
	return s.transition(ctx, "outbox", id,
		"status = 'sent', error = '', sent_at = ?", []interface{}{toMillis(s.now())},
		model.OutboxQueued, model.OutboxSending)
}

// MarkOutboxFailed records a failed send with its error text.
func (s *SQLiteStore) MarkOutboxFailed(ctx context.Context, id string, errText string) error {
	return s.transition(ctx, "outbox", id,
		"status = 'failed', error = ?", []interface{}{errText},
		model.OutboxQueued, model.OutboxSending)
}

// RetryOutboxItem resets a failed or interrupted item to queued.
func (s *SQLiteStore) RetryOutboxItem(ctx context.Context, id string) error {
	return s.transition(ctx, "outbox", id,
		"status = 'queued', error = ''", nil,
		model.OutboxFailed, model.OutboxSending)
}

// CancelOutboxItem deletes an item that is queued or failed.
func (s *SQLiteStore) CancelOutboxItem(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM outbox WHERE id = ? AND status IN (?, ?)",
		id, model.OutboxQueued, model.OutboxFailed)
	if err != nil {
		return fmt.Errorf("cancelling outbox item %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return s.explainTransition(ctx, "outbox", id)
	}
	return nil
}

// transition updates a queue row only if its status is one of from.
func (s *SQLiteStore) transition(
	ctx context.Context,
	table, id, set string,
	setArgs []interface{},
	from ...string,
) error {
	query, args, err := sqlx.In(
		"UPDATE "+table+" SET "+set+" WHERE id = ? AND status IN (?)",
		append(append([]interface{}{}, setArgs...), id, from)...,
	)
	if err != nil {
		return fmt.Errorf("building %s transition: %w", table, err)
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("updating %s %s: %w", table, id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return s.explainTransition(ctx, table, id)
	}
	return nil
}

// explainTransition distinguishes a missing row from one in the wrong state.
func (s *SQLiteStore) explainTransition(ctx context.Context, table, id string) error {
	var status string
	err := s.db.GetContext(ctx, &status, "SELECT status FROM "+table+" WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading %s %s: %w", table, id, err)
	}
	return fmt.Errorf("%s %s is %s: %w", table, id, status, ErrInvalidTransition)
}
