package model

import "time"

// Contact is a derived address-book entry used to rank suggestions.
type Contact struct {
	Address   string    `json:"address"`
	Name      string    `json:"name,omitempty"`
	Frequency int       `json:"frequency"`
	LastUsed  time.Time `json:"last_used"`
}

// ContactAddress is an address observed on a message, with an optional
// display name.
type ContactAddress struct {
	Address string
	Name    string
}

// SnoozeRecord hides a thread until WakeAt, remembering the labels it
// had when it was snoozed.
type SnoozeRecord struct {
	ThreadID       string    `json:"thread_id"`
	WakeAt         time.Time `json:"wake_at"`
	OriginalLabels []string  `json:"original_labels"`
	CreatedAt      time.Time `json:"created_at"`
}

// SyncMeta is the process-wide sync state. LastHistoryID is empty when
// no cursor has been stored.
type SyncMeta struct {
	LastHistoryID string    `json:"last_history_id"`
	LastSyncedAt  time.Time `json:"last_synced_at"`
}

// CacheStats summarizes the Local Store contents.
type CacheStats struct {
	Threads        int   `json:"threads"`
	FullThreads    int   `json:"full_threads"`
	Messages       int   `json:"messages"`
	Contacts       int   `json:"contacts"`
	Snoozed        int   `json:"snoozed"`
	PendingActions int   `json:"pending_actions"`
	OutboxItems    int   `json:"outbox_items"`
	SizeBytes      int64 `json:"size_bytes"`
}
