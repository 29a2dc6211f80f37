package model

import (
	"strings"
	"time"
)

// System label identifiers shared with the remote mail service.
const (
	LabelInbox   = "INBOX"
	LabelUnread  = "UNREAD"
	LabelStarred = "STARRED"
	LabelSent    = "SENT"
	LabelDraft   = "DRAFT"
	LabelTrash   = "TRASH"
	LabelSpam    = "SPAM"
)

// NudgeType is the local classification for a thread the remote service
// re-surfaced without new content.
type NudgeType string

const (
	NudgeNone     NudgeType = ""
	NudgeFollowUp NudgeType = "follow_up"
	NudgeReply    NudgeType = "reply"
)

// Valid reports whether n is one of the known nudge classifications.
func (n NudgeType) Valid() bool {
	return n == NudgeFollowUp || n == NudgeReply
}

// Thread is a cached remote conversation. Threads are created and
// overwritten by sync only.
type Thread struct {
	// ID is the remote conversation identifier.
	ID string `json:"id"`

	Subject string `json:"subject"`
	Snippet string `json:"snippet"`

	// LastDate is the timestamp of the most recent message.
	LastDate time.Time `json:"last_date"`

	// Labels is the thread-level label set (union over its messages).
	Labels []string `json:"labels"`

	Unread bool `json:"unread"`

	// FromAddress is the sender address of the most recent message.
	FromAddress string `json:"from_address"`

	Participants []string `json:"participants"`

	Nudge NudgeType `json:"nudge,omitempty"`

	// CachedAt is when the thread was last written by sync.
	CachedAt time.Time `json:"cached_at"`

	// Messages is populated by GetThread; it may be empty when only
	// thread metadata is cached.
	Messages []Message `json:"messages,omitempty"`
}

// HasLabel reports whether the thread carries label.
func (t Thread) HasLabel(label string) bool {
	return containsLabel(t.Labels, label)
}

// IsFullyCached reports whether at least one message carries a body.
func (t Thread) IsFullyCached() bool {
	for _, m := range t.Messages {
		if m.HasBody() {
			return true
		}
	}
	return false
}

// LatestMessage returns the newest message of the thread, or nil.
func (t Thread) LatestMessage() *Message {
	var latest *Message
	for i := range t.Messages {
		if latest == nil || !t.Messages[i].Date.Before(latest.Date) {
			latest = &t.Messages[i]
		}
	}
	return latest
}

// Attachment describes a message attachment. No payload is cached.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MIMEType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Message belongs to exactly one Thread and is deleted with it.
type Message struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`

	From     string   `json:"from"`
	FromName string   `json:"from_name,omitempty"`
	To       []string `json:"to"`
	Cc       []string `json:"cc,omitempty"`

	Subject string `json:"subject"`
	Snippet string `json:"snippet"`

	// BodyHTML and BodyText are empty when only metadata is cached.
	BodyHTML string `json:"body_html,omitempty"`
	BodyText string `json:"body_text,omitempty"`

	Date   time.Time `json:"date"`
	Labels []string  `json:"labels"`
	Unread bool      `json:"unread"`

	Attachments []Attachment `json:"attachments,omitempty"`
}

// HasBody reports whether the message carries a non-empty body.
func (m Message) HasBody() bool {
	return m.BodyHTML != "" || m.BodyText != ""
}

// ApplyLabelDiff returns labels with add applied and remove taken away,
// preserving order and dropping duplicates.
func ApplyLabelDiff(labels, add, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, l := range remove {
		drop[l] = true
	}

	seen := make(map[string]bool, len(labels)+len(add))
	out := make([]string, 0, len(labels)+len(add))
	for _, l := range append(append([]string{}, labels...), add...) {
		if l == "" || drop[l] || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

// NormalizeAddress lower-cases and trims an email address.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func containsLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}
