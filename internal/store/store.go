package store

import (
	"context"
	"errors"
	"time"

	"github.com/nhle/mailcache/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a queue item is not in a state
	// that allows the requested status change.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store defines the persistence interface for the mailbox cache: threads,
// messages, the full-text index, contacts, snoozes, the two durable
// queues and sync metadata. Every call is transactional.
type Store interface {
	// === Threads & messages ===

	UpsertThreads(ctx context.Context, threads []model.Thread) error
	UpsertMessages(ctx context.Context, messages []model.Message) error
	UpsertFullThread(ctx context.Context, thread model.Thread, messages []model.Message) error
	GetThreadsByLabels(ctx context.Context, labels []string, limit, offset int) ([]model.Thread, error)
	GetThread(ctx context.Context, id string) (*model.Thread, error)
	HasFullThread(ctx context.Context, id string) (bool, error)
	GetThreadsNeedingBodies(ctx context.Context, limit int) ([]string, error)
	UpdateThreadLabels(ctx context.Context, id string, add, remove []string) error
	DeleteThread(ctx context.Context, id string) error

	// === Search ===

	SearchLocal(ctx context.Context, query string, limit int) ([]model.Thread, error)

	// === Nudges ===

	SetNudge(ctx context.Context, id string, nudge model.NudgeType) error
	ClearNudge(ctx context.Context, id string) error
	ClearNudges(ctx context.Context, ids []string) error

	// === Contacts ===

	RecordContacts(ctx context.Context, addrs []model.ContactAddress, weight int) error
	SuggestContacts(ctx context.Context, prefix string, limit int) ([]model.Contact, error)

	// === Snoozes ===

	SnoozeThread(ctx context.Context, threadID string, wakeAt time.Time, originalLabels []string) error
	CancelSnooze(ctx context.Context, threadID string) error
	GetExpiredSnoozes(ctx context.Context, now time.Time) ([]model.SnoozeRecord, error)
	GetSnoozedThread(ctx context.Context, threadID string) (*model.SnoozeRecord, error)
	GetAllSnoozed(ctx context.Context) ([]model.SnoozeRecord, error)

	// === Pending actions ===

	EnqueuePendingAction(ctx context.Context, action model.PendingAction) (string, error)
	GetPendingActions(ctx context.Context) ([]model.PendingAction, error)
	MarkActionSynced(ctx context.Context, id string) error
	MarkActionFailed(ctx context.Context, id string, errText string) error
	RetryAction(ctx context.Context, id string) error

	// === Outbox ===

	EnqueueOutbox(ctx context.Context, payload model.SendPayload) (string, error)
	GetOutboxItems(ctx context.Context) ([]model.OutboxItem, error)
	ListOutbox(ctx context.Context) ([]model.OutboxItem, error)
	MarkOutboxSending(ctx context.Context, id string) error
	MarkOutboxSent(ctx context.Context, id string) error
	MarkOutboxFailed(ctx context.Context, id string, errText string) error
	RetryOutboxItem(ctx context.Context, id string) error
	CancelOutboxItem(ctx context.Context, id string) error

	// === Maintenance & sync metadata ===

	GetStats(ctx context.Context) (model.CacheStats, error)
	Prune(ctx context.Context, maxSizeBytes int64) (int, error)
	ClearCache(ctx context.Context) error
	GetSyncMeta(ctx context.Context) (model.SyncMeta, error)
	SetLastHistoryID(ctx context.Context, cursor string) error
	SetLastSyncedAt(ctx context.Context, at time.Time) error

	Close() error
}
