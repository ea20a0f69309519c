// Package cloudevents decorates another transport driver with CloudEvents
// 1.0 structured envelopes.
package cloudevents

import (
	"context"
	"sync"
	"time"

	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/transport"
)

// Name is the registry name of the decorator.
const Name = "cloudevents"

// Driver wraps an underlying driver. Publish wraps the payload in an
// envelope; Subscribe validates and unwraps it before calling the handler.
type Driver struct {
	inner  transport.Driver
	source string
	log    logger.Logger
	now    func() time.Time

	mu        sync.RWMutex
	connected bool
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the driver logger.
func WithLogger(log logger.Logger) Option {
	return func(d *Driver) {
		if log != nil {
			d.log = log
		}
	}
}

// WithClock overrides the envelope time source.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) {
		if now != nil {
			d.now = now
		}
	}
}

// New decorates inner. An empty source defaults to "eventmesh".
func New(inner transport.Driver, source string, opts ...Option) *Driver {
	if source == "" {
		source = "eventmesh"
	}
	d := &Driver{
		inner:  inner,
		source: source,
		log:    logger.Global(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With("driver", Name, "underlying", inner.Name())
	return d
}

// Name returns the decorator name.
func (d *Driver) Name() string {
	return Name
}

// Underlying returns the wrapped driver.
func (d *Driver) Underlying() transport.Driver {
	return d.inner
}

// Source returns the envelope source attribute.
func (d *Driver) Source() string {
	return d.source
}

// Connect connects the underlying driver.
func (d *Driver) Connect(ctx context.Context) bool {
	ok := d.inner.Connect(ctx)
	if !ok {
		d.log.Error("underlying driver connection failed")
	}
	d.mu.Lock()
	d.connected = ok
	d.mu.Unlock()
	return ok
}

// Disconnect disconnects the underlying driver.
func (d *Driver) Disconnect(ctx context.Context) bool {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	return d.inner.Disconnect(ctx)
}

// IsConnected requires both the decorator and the underlying driver to be connected.
func (d *Driver) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected && d.inner.IsConnected()
}

// Publish wraps payload in an envelope and publishes it with the original headers.
func (d *Driver) Publish(ctx context.Context, topic string, payload map[string]any, headers map[string]string) bool {
	env := NewEnvelope(topic, d.source, payload, headers, d.now())
	return d.inner.Publish(ctx, topic, env, headers)
}

// Subscribe subscribes on the underlying driver. Messages that are not valid
// envelopes are dropped with an error log.
func (d *Driver) Subscribe(ctx context.Context, topic string, handler transport.Handler) bool {
	return d.inner.Subscribe(ctx, topic, func(ctx context.Context, msg *transport.Message) {
		if err := Validate(msg.Payload); err != nil {
			d.log.ErrorContext(ctx, "invalid CloudEvents envelope received", "topic", msg.Topic, "error", err)
			return
		}
		payload, ceHeaders := Unwrap(msg.Payload)
		handler(ctx, &transport.Message{
			Topic:      msg.Topic,
			Payload:    payload,
			Headers:    transport.MergeHeaders(msg.Headers, ceHeaders),
			ReceivedAt: msg.ReceivedAt,
		})
	})
}
