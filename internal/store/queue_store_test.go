package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/store"
	"github.com/nhle/mailcache/tests/testutil"
)

func actionIDs(actions []model.PendingAction) []string {
	ids := make([]string, 0, len(actions))
	for _, a := range actions {
		ids = append(ids, a.ID)
	}
	return ids
}

func outboxIDs(items []model.OutboxItem) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	return ids
}

func TestPendingActionQueue(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	archive, err := s.EnqueuePendingAction(ctx, model.PendingAction{Type: model.ActionArchive, ThreadID: "t1"})
	if err != nil {
		t.Fatalf("enqueue archive: %v", err)
	}
	star, err := s.EnqueuePendingAction(ctx, model.PendingAction{Type: model.ActionStar, ThreadID: "t2"})
	if err != nil {
		t.Fatalf("enqueue star: %v", err)
	}
	label, err := s.EnqueuePendingAction(ctx, model.PendingAction{
		Type:     model.ActionLabelAdd,
		ThreadID: "t1",
		Payload:  model.ActionPayload{Labels: []string{"Work"}},
	})
	if err != nil {
		t.Fatalf("enqueue label: %v", err)
	}

	if _, err := s.EnqueuePendingAction(ctx, model.PendingAction{Type: "snooze", ThreadID: "t1"}); err == nil {
		t.Fatalf("expected error for unknown action type")
	}
	if _, err := s.EnqueuePendingAction(ctx, model.PendingAction{Type: model.ActionStar}); err == nil {
		t.Fatalf("expected error for missing thread id")
	}

	pending, err := s.GetPendingActions(ctx)
	if err != nil {
		t.Fatalf("GetPendingActions: %v", err)
	}
	if ids := actionIDs(pending); !equalIDs(ids, []string{archive, star, label}) {
		t.Fatalf("expected FIFO order, got %v", ids)
	}
	if got := pending[2].Payload.Labels; len(got) != 1 || got[0] != "Work" {
		t.Fatalf("payload not preserved: %v", got)
	}
	if pending[0].Status != model.ActionPending {
		t.Fatalf("expected pending status, got %q", pending[0].Status)
	}

	if err := s.MarkActionSynced(ctx, archive); err != nil {
		t.Fatalf("MarkActionSynced: %v", err)
	}
	if err := s.MarkActionFailed(ctx, star, "permission denied"); err != nil {
		t.Fatalf("MarkActionFailed: %v", err)
	}

	pending, err = s.GetPendingActions(ctx)
	if err != nil {
		t.Fatalf("GetPendingActions: %v", err)
	}
	if ids := actionIDs(pending); !equalIDs(ids, []string{label}) {
		t.Fatalf("expected only label action pending, got %v", ids)
	}

	// Terminal states are never reopened.
	if err := s.MarkActionSynced(ctx, archive); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition re-syncing, got %v", err)
	}
	if err := s.RetryAction(ctx, archive); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition retrying synced action, got %v", err)
	}
	if err := s.MarkActionSynced(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.RetryAction(ctx, star); err != nil {
		t.Fatalf("RetryAction: %v", err)
	}
	pending, err = s.GetPendingActions(ctx)
	if err != nil {
		t.Fatalf("GetPendingActions: %v", err)
	}
	if ids := actionIDs(pending); !equalIDs(ids, []string{star, label}) {
		t.Fatalf("expected retried action back in creation order, got %v", ids)
	}
	if pending[0].Error != "" {
		t.Fatalf("expected error text cleared on retry, got %q", pending[0].Error)
	}
}

func TestOutboxQueue(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	if _, err := s.EnqueueOutbox(ctx, model.SendPayload{Subject: "nobody"}); err == nil {
		t.Fatalf("expected error for message without recipients")
	}

	first, err := s.EnqueueOutbox(ctx, model.SendPayload{To: []string{"bob@example.com"}, Subject: "hi", BodyText: "hello"})
	if err != nil {
		t.Fatalf("EnqueueOutbox: %v", err)
	}
	second, err := s.EnqueueOutbox(ctx, model.SendPayload{Bcc: []string{"carol@example.com"}, Subject: "fyi"})
	if err != nil {
		t.Fatalf("EnqueueOutbox: %v", err)
	}

	items, err := s.GetOutboxItems(ctx)
	if err != nil {
		t.Fatalf("GetOutboxItems: %v", err)
	}
	if ids := outboxIDs(items); !equalIDs(ids, []string{first, second}) {
		t.Fatalf("expected FIFO order, got %v", ids)
	}
	if items[0].Payload.Subject != "hi" || items[0].Status != model.OutboxQueued {
		t.Fatalf("unexpected first item %+v", items[0])
	}

	if err := s.MarkOutboxSending(ctx, first); err != nil {
		t.Fatalf("MarkOutboxSending: %v", err)
	}
	if err := s.MarkOutboxSent(ctx, first); err != nil {
		t.Fatalf("MarkOutboxSent: %v", err)
	}
	if err := s.MarkOutboxSent(ctx, first); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition re-sending, got %v", err)
	}
	if err := s.RetryOutboxItem(ctx, first); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition retrying sent item, got %v", err)
	}
	if err := s.CancelOutboxItem(ctx, first); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition cancelling sent item, got %v", err)
	}

	if err := s.MarkOutboxSending(ctx, second); err != nil {
		t.Fatalf("MarkOutboxSending: %v", err)
	}
	if err := s.MarkOutboxFailed(ctx, second, "quota exceeded"); err != nil {
		t.Fatalf("MarkOutboxFailed: %v", err)
	}

	items, err = s.GetOutboxItems(ctx)
	if err != nil {
		t.Fatalf("GetOutboxItems: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no sendable items, got %v", outboxIDs(items))
	}

	listed, err := s.ListOutbox(ctx)
	if err != nil {
		t.Fatalf("ListOutbox: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != second || listed[0].Status != model.OutboxFailed || listed[0].Error != "quota exceeded" {
		t.Fatalf("expected failed second item listed, got %+v", listed)
	}

	if err := s.RetryOutboxItem(ctx, second); err != nil {
		t.Fatalf("RetryOutboxItem: %v", err)
	}
	items, err = s.GetOutboxItems(ctx)
	if err != nil {
		t.Fatalf("GetOutboxItems: %v", err)
	}
	if ids := outboxIDs(items); !equalIDs(ids, []string{second}) {
		t.Fatalf("expected retried item queued, got %v", ids)
	}

	if err := s.CancelOutboxItem(ctx, second); err != nil {
		t.Fatalf("CancelOutboxItem: %v", err)
	}
	if err := s.CancelOutboxItem(ctx, second); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after cancel, got %v", err)
	}

	listed, err = s.ListOutbox(ctx)
	if err != nil {
		t.Fatalf("ListOutbox: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected empty outbox, got %v", outboxIDs(listed))
	}
}
