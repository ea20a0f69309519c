// Package memory provides an in-process transport driver. Drivers that share
// a Bus see each other's messages.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/goclaw/eventmesh/pkg/transport"
)

// Subscription represents a pattern subscription on the bus.
type Subscription struct {
	pattern string
	ch      chan *transport.Message
	done    chan struct{}
	bus     *Bus
	once    sync.Once
}

// C returns read-only message channel.
func (s *Subscription) C() <-chan *transport.Message {
	return s.ch
}

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close removes the subscription from the bus.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		close(s.done)
	})
	return nil
}

// Bus is an in-memory pub/sub medium with wildcard subscriptions.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*Subscription
}

// NewBus creates an in-memory bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]*Subscription),
	}
}

// Publish delivers msg to every matching subscription. A full subscriber
// buffer blocks until there is room, the subscription closes, or ctx ends.
func (b *Bus) Publish(ctx context.Context, msg *transport.Message) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if msg.Topic == "" {
		return 0, fmt.Errorf("memory bus: topic cannot be empty")
	}

	b.mu.RLock()
	targets := make([]*Subscription, 0)
	for pattern, subs := range b.subscribers {
		if !transport.TopicMatches(pattern, msg.Topic) {
			continue
		}
		targets = append(targets, subs...)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		copied := *msg
		copied.Headers = transport.CloneHeaders(msg.Headers)
		select {
		case sub.ch <- &copied:
			delivered++
		case <-sub.done:
		case <-ctx.Done():
			return delivered, ctx.Err()
		}
	}
	return delivered, nil
}

// Subscribe subscribes by topic pattern.
func (b *Bus) Subscribe(pattern string, buffer int) (*Subscription, error) {
	if pattern == "" {
		return nil, fmt.Errorf("memory bus: subscription pattern cannot be empty")
	}
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{
		pattern: pattern,
		ch:      make(chan *transport.Message, buffer),
		done:    make(chan struct{}),
		bus:     b,
	}

	b.mu.Lock()
	b.subscribers[pattern] = append(b.subscribers[pattern], sub)
	b.mu.Unlock()

	return sub, nil
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

func (b *Bus) unsubscribe(target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[target.pattern]
	filtered := subs[:0]
	for _, sub := range subs {
		if sub == target {
			continue
		}
		filtered = append(filtered, sub)
	}
	if len(filtered) == 0 {
		delete(b.subscribers, target.pattern)
		return
	}
	b.subscribers[target.pattern] = filtered
}
