package events

import (
	"sync"
	"time"
)

// Event is the canonical event payload broadcast to websocket subscribers.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Broadcaster fans saga and event notifications out to in-process
// subscribers such as websocket sessions.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a broadcaster instance.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe subscribes to events with a buffered channel.
func (b *Broadcaster) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

// Broadcast broadcasts a generic event to all subscribers.
func (b *Broadcaster) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]chan Event, 0, len(b.subscribers))
	for ch := range b.subscribers {
		subs = append(subs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// Drop on overflow to keep broadcasters non-blocking.
		}
	}
}

// Event types.
const (
	TypeStepChanged   = "saga.step_changed"
	TypeEventReceived = "event.received"
)

// BroadcastStepChanged emits a saga step transition. It satisfies the
// coordinator's notifier contract.
func (b *Broadcaster) BroadcastStepChanged(
	sagaInstanceID, eventName, oldStatus, newStatus, errorMessage string,
	retryCount int,
	updatedAt time.Time,
) {
	payload := map[string]any{
		"saga_instance_id": sagaInstanceID,
		"event_name":       eventName,
		"old_status":       oldStatus,
		"new_status":       newStatus,
		"retry_count":      retryCount,
		"updated_at":       updatedAt.UTC().Format(time.RFC3339Nano),
	}
	if errorMessage != "" {
		payload["error"] = errorMessage
	}

	b.Broadcast(Event{
		Type:    TypeStepChanged,
		Payload: payload,
	})
}

// BroadcastEventReceived emits a notice for an inbound event.
func (b *Broadcaster) BroadcastEventReceived(topic, via, sagaInstanceID string) {
	payload := map[string]any{
		"topic": topic,
		"via":   via,
	}
	if sagaInstanceID != "" {
		payload["saga_instance_id"] = sagaInstanceID
	}
	b.Broadcast(Event{
		Type:    TypeEventReceived,
		Payload: payload,
	})
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}
