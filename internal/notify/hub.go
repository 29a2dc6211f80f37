// Package notify fans out cache change events to in-process observers.
package notify

import (
	"sync"
	"time"
)

// EventType names what changed.
type EventType string

const (
	EventThreadsChanged EventType = "threads_changed"
	EventConnectivity   EventType = "connectivity"
)

// Event is delivered to every subscriber. ThreadIDs is set for
// EventThreadsChanged, Online for EventConnectivity.
type Event struct {
	Type      EventType `json:"type"`
	ThreadIDs []string  `json:"thread_ids,omitempty"`
	Online    *bool     `json:"online,omitempty"`
	At        time.Time `json:"at"`
}

const subscriberBuffer = 16

// Hub is a broadcast point for Events. Delivery never blocks the
// publisher; a subscriber that falls behind misses events.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber. The returned function removes it
// and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast delivers ev to every subscriber whose buffer has room.
func (h *Hub) Broadcast(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// ThreadsChanged announces that the cached state of ids changed. Empty
// and duplicate ids are dropped; nothing is sent when none remain.
func (h *Hub) ThreadsChanged(ids []string) {
	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return
	}
	h.Broadcast(Event{Type: EventThreadsChanged, ThreadIDs: unique})
}

// ConnectivityChanged announces a committed connectivity state.
func (h *Hub) ConnectivityChanged(online bool) {
	h.Broadcast(Event{Type: EventConnectivity, Online: &online})
}

// Relay forwards every value received on states as a connectivity event
// until states is closed or stop is closed.
func (h *Hub) Relay(states <-chan bool, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case online, ok := <-states:
			if !ok {
				return
			}
			h.ConnectivityChanged(online)
		}
	}
}
