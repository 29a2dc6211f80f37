package remote

import (
	"context"

	"github.com/nhle/mailcache/internal/model"
)

// ThreadPage holds one page of a thread listing.
type ThreadPage struct {
	Threads       []model.Thread
	NextPageToken string
}

// HistoryRecordType classifies a single remote change record.
type HistoryRecordType string

const (
	HistoryMessageAdded   HistoryRecordType = "message_added"
	HistoryMessageDeleted HistoryRecordType = "message_deleted"
	HistoryLabelAdded     HistoryRecordType = "label_added"
	HistoryLabelRemoved   HistoryRecordType = "label_removed"
)

// HistoryRecord is one change since a cursor. LabelIDs is set for label
// records only.
type HistoryRecord struct {
	Type      HistoryRecordType
	ThreadID  string
	MessageID string
	LabelIDs  []string
}

// HistoryPage holds every change record since a cursor and the cursor to
// resume from afterwards.
type HistoryPage struct {
	Records []HistoryRecord
	Cursor  string
}

// Profile identifies the mailbox owner and its current change cursor.
type Profile struct {
	Address string
	Cursor  string
}

// Client is the narrow remote mail service surface the sync engine needs.
//
// Implementations return ErrNotFound for missing threads, ErrCursorExpired
// when GetHistory is given a cursor the service no longer knows, and
// *AuthError when credentials are rejected. Transport failures should be
// recognizable by IsNetworkError.
type Client interface {
	// FetchThreads lists threads matching query with their metadata.
	FetchThreads(ctx context.Context, query string, max int, pageToken string) (ThreadPage, error)

	// FetchThread returns one thread with its messages. When full is false
	// the messages carry metadata only.
	FetchThread(ctx context.Context, id string, full bool) (*model.Thread, error)

	GetHistory(ctx context.Context, cursor string) (HistoryPage, error)
	GetProfile(ctx context.Context) (Profile, error)

	ModifyThread(ctx context.Context, id string, add, remove []string) error
	TrashThread(ctx context.Context, id string) error

	// SendMessage sends payload and returns the remote message id.
	SendMessage(ctx context.Context, payload model.SendPayload) (string, error)

	// Probe performs a cheap authenticated request to confirm the service
	// is reachable.
	Probe(ctx context.Context) error
}
