// Package dispatch routes delivered messages to the handlers registered for
// their topic. It is the point where downstream consumers plug in.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/transport"
)

type route struct {
	id      uint64
	pattern string
	handler transport.Handler
}

// Router fans a message out to every handler whose pattern matches its topic.
// Handlers run synchronously in registration order.
type Router struct {
	log logger.Logger

	mu     sync.RWMutex
	routes []route
	nextID uint64
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(log logger.Logger) Option {
	return func(r *Router) {
		if log != nil {
			r.log = log
		}
	}
}

// NewRouter creates an empty router.
func NewRouter(opts ...Option) *Router {
	r := &Router{log: logger.Global()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// On registers handler for pattern. The returned function removes it.
func (r *Router) On(pattern string, handler transport.Handler) (func(), error) {
	if pattern == "" {
		return nil, fmt.Errorf("dispatch: pattern cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("dispatch: handler cannot be nil")
	}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.routes = append(r.routes, route{id: id, pattern: pattern, handler: handler})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}, nil
}

func (r *Router) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rt := range r.routes {
		if rt.id == id {
			r.routes = append(r.routes[:i:i], r.routes[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered handlers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// Dispatch calls every matching handler and returns how many completed
// without panicking. A topic nobody listens to is not an error.
func (r *Router) Dispatch(ctx context.Context, msg *transport.Message) int {
	if msg == nil {
		return 0
	}

	r.mu.RLock()
	matched := make([]route, 0, len(r.routes))
	for _, rt := range r.routes {
		if transport.TopicMatches(rt.pattern, msg.Topic) {
			matched = append(matched, rt)
		}
	}
	r.mu.RUnlock()

	if len(matched) == 0 {
		r.log.DebugContext(ctx, "no handler for topic", "topic", msg.Topic)
		return 0
	}

	invoked := 0
	for _, rt := range matched {
		if transport.SafeInvoke(ctx, r.log, rt.handler, msg) {
			invoked++
		}
	}
	return invoked
}

// Deliver implements transport.Deliverer.
func (r *Router) Deliver(ctx context.Context, msg *transport.Message) int {
	return r.Dispatch(ctx, msg)
}
