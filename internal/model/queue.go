package model

import "time"

// ActionType identifies an offline metadata mutation.
type ActionType string

const (
	ActionArchive     ActionType = "archive"
	ActionMoveToInbox ActionType = "move_to_inbox"
	ActionMarkRead    ActionType = "mark_read"
	ActionMarkUnread  ActionType = "mark_unread"
	ActionStar        ActionType = "star"
	ActionUnstar      ActionType = "unstar"
	ActionLabelAdd    ActionType = "label_add"
	ActionLabelRemove ActionType = "label_remove"
	ActionTrash       ActionType = "trash"
)

// PendingAction status values. Only ActionPending is non-terminal.
const (
	ActionPending = "pending"
	ActionSynced  = "synced"
	ActionFailed  = "failed"
)

// ActionPayload carries the label arguments of label_add/label_remove.
type ActionPayload struct {
	Labels []string `json:"labels,omitempty"`
}

// PendingAction is an offline metadata mutation awaiting replay.
type PendingAction struct {
	ID        string        `json:"id"`
	Type      ActionType    `json:"type"`
	ThreadID  string        `json:"thread_id"`
	Payload   ActionPayload `json:"payload"`
	CreatedAt time.Time     `json:"created_at"`
	Status    string        `json:"status"`
	Error     string        `json:"error,omitempty"`
}

// LabelDiff returns the labels the action adds and removes. Trash is
// expressed as adding TRASH and leaving the inbox.
func (a PendingAction) LabelDiff() (add, remove []string) {
	return LabelDiffFor(a.Type, a.Payload)
}

// LabelDiffFor maps an action type and payload to a label diff.
func LabelDiffFor(t ActionType, p ActionPayload) (add, remove []string) {
	switch t {
	case ActionArchive:
		return nil, []string{LabelInbox}
	case ActionMoveToInbox:
		return []string{LabelInbox}, nil
	case ActionMarkRead:
		return nil, []string{LabelUnread}
	case ActionMarkUnread:
		return []string{LabelUnread}, nil
	case ActionStar:
		return []string{LabelStarred}, nil
	case ActionUnstar:
		return nil, []string{LabelStarred}
	case ActionLabelAdd:
		return p.Labels, nil
	case ActionLabelRemove:
		return nil, p.Labels
	case ActionTrash:
		return []string{LabelTrash}, []string{LabelInbox}
	}
	return nil, nil
}

// Known reports whether t is a supported action type.
func (t ActionType) Known() bool {
	switch t {
	case ActionArchive, ActionMoveToInbox, ActionMarkRead, ActionMarkUnread,
		ActionStar, ActionUnstar, ActionLabelAdd, ActionLabelRemove, ActionTrash:
		return true
	}
	return false
}

// Outbox status values. Sent is terminal; failed may be retried.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// SendPayload is everything needed to send one outbound message.
type SendPayload struct {
	To         []string `json:"to"`
	Cc         []string `json:"cc,omitempty"`
	Bcc        []string `json:"bcc,omitempty"`
	Subject    string   `json:"subject"`
	BodyText   string   `json:"body_text,omitempty"`
	BodyHTML   string   `json:"body_html,omitempty"`
	ThreadID   string   `json:"thread_id,omitempty"`
	InReplyTo  string   `json:"in_reply_to,omitempty"`
	References []string `json:"references,omitempty"`
}

// Recipients returns To, Cc and Bcc in order.
func (p SendPayload) Recipients() []string {
	out := make([]string, 0, len(p.To)+len(p.Cc)+len(p.Bcc))
	out = append(out, p.To...)
	out = append(out, p.Cc...)
	return append(out, p.Bcc...)
}

// OutboxItem is a queued outbound send.
type OutboxItem struct {
	ID        string      `json:"id"`
	Payload   SendPayload `json:"payload"`
	CreatedAt time.Time   `json:"created_at"`
	Status    string      `json:"status"`
	Error     string      `json:"error,omitempty"`
	SentAt    *time.Time  `json:"sent_at,omitempty"`
}
