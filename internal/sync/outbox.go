package sync

import (
	"context"
	"fmt"

	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
)

// sentContactWeight ranks people the owner writes to above senders.
const sentContactWeight = 2

// DrainResult counts what one DrainOutbox call did.
type DrainResult struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// QueueSend stores payload in the outbox and schedules a drain.
func (e *Engine) QueueSend(ctx context.Context, payload model.SendPayload) (string, error) {
	id, err := e.store.EnqueueOutbox(ctx, payload)
	if err != nil {
		return "", err
	}
	if e.monitor.IsOnline() {
		e.requestFlush()
	}
	return id, nil
}

// RetrySend puts a failed outbox item back in the queue.
func (e *Engine) RetrySend(ctx context.Context, id string) error {
	if err := e.store.RetryOutboxItem(ctx, id); err != nil {
		return err
	}
	if e.monitor.IsOnline() {
		e.requestFlush()
	}
	return nil
}

// DrainOutbox sends queued items oldest first. On a network or
// authorization failure the item goes back to queued and the drain stops.
// A message the service rejects is marked failed.
func (e *Engine) DrainOutbox(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	if !e.monitor.IsOnline() {
		return res, nil
	}
	if !e.draining.CompareAndSwap(false, true) {
		return res, nil
	}
	defer e.draining.Store(false)

	items, err := e.store.GetOutboxItems(ctx)
	if err != nil {
		return res, err
	}

	var threads []string
	for _, item := range items {
		if err := e.store.MarkOutboxSending(ctx, item.ID); err != nil {
			return res, err
		}

		_, sendErr := e.remote.SendMessage(ctx, item.Payload)
		switch {
		case sendErr == nil:
			if err := e.store.MarkOutboxSent(ctx, item.ID); err != nil {
				return res, err
			}
			res.Sent++
			e.recordRecipients(ctx, item.Payload)
			if item.Payload.ThreadID != "" {
				threads = append(threads, item.Payload.ThreadID)
			}
		case remote.IsNetworkError(sendErr) || remote.IsAuthError(sendErr):
			if err := e.store.RetryOutboxItem(ctx, item.ID); err != nil {
				e.logger.Error("requeueing outbox item", "id", item.ID, "err", err)
			}
			e.reportError(sendErr)
			e.notifyChanged(threads)
			return res, fmt.Errorf("sending outbox item %s: %w", item.ID, sendErr)
		default:
			e.logger.Warn("outbox item rejected", "id", item.ID, "err", sendErr)
			if err := e.store.MarkOutboxFailed(ctx, item.ID, sendErr.Error()); err != nil {
				return res, err
			}
			res.Failed++
		}
	}

	e.notifyChanged(threads)
	return res, nil
}

func (e *Engine) notifyChanged(ids []string) {
	if ids = unique(ids); len(ids) > 0 {
		e.notifier.ThreadsChanged(ids)
	}
}

func (e *Engine) recordRecipients(ctx context.Context, payload model.SendPayload) {
	var addrs []model.ContactAddress
	for _, raw := range payload.Recipients() {
		parsed, err := mail.ParseAddress(raw)
		if err != nil {
			addrs = append(addrs, model.ContactAddress{Address: raw})
			continue
		}
		addrs = append(addrs, model.ContactAddress{Address: parsed.Address, Name: parsed.Name})
	}
	if err := e.store.RecordContacts(ctx, addrs, sentContactWeight); err != nil {
		e.logger.Error("recording recipients", "err", err)
	}
}
