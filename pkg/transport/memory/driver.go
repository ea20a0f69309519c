package memory

import (
	"context"
	"sync"
	"time"

	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/transport"
)

// Name is the registry name of the memory driver.
const Name = "memory"

// Driver is a transport.Driver backed by a Bus.
type Driver struct {
	bus      *Bus
	log      logger.Logger
	recorder transport.Recorder

	mu        sync.Mutex
	connected bool
	done      chan struct{}
	subs      []*Subscription
	wg        sync.WaitGroup
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

// WithRecorder sets the metrics recorder.
func WithRecorder(r transport.Recorder) Option {
	return func(d *Driver) {
		d.recorder = r
	}
}

// NewDriver creates a memory driver on bus. A nil bus gets a private one.
func NewDriver(bus *Bus, opts ...Option) *Driver {
	if bus == nil {
		bus = NewBus()
	}
	d := &Driver{
		bus: bus,
		log: logger.Global(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With("driver", Name)
	return d
}

// Name returns the driver name.
func (d *Driver) Name() string {
	return Name
}

// Bus returns the underlying bus.
func (d *Driver) Bus() *Bus {
	return d.bus
}

// Connect marks the driver connected. It is idempotent.
func (d *Driver) Connect(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		d.connected = true
		d.done = make(chan struct{})
	}
	return true
}

// Disconnect closes every subscription created by this driver.
func (d *Driver) Disconnect(ctx context.Context) bool {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return true
	}
	d.connected = false
	close(d.done)
	subs := d.subs
	d.subs = nil
	d.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	d.wg.Wait()
	return true
}

// IsConnected reports whether Connect has been called.
func (d *Driver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Publish delivers the message to matching subscribers on the bus.
func (d *Driver) Publish(ctx context.Context, topic string, payload map[string]any, headers map[string]string) bool {
	start := time.Now()
	ok := d.publish(ctx, topic, payload, headers)
	if d.recorder != nil {
		d.recorder.RecordPublish(Name, topic, ok, time.Since(start))
	}
	return ok
}

func (d *Driver) publish(ctx context.Context, topic string, payload map[string]any, headers map[string]string) bool {
	if !d.IsConnected() {
		d.log.Error("publish on disconnected driver", "topic", topic)
		return false
	}

	// Payloads travel as JSON on every other driver; normalize the same way.
	normalized, err := normalize(payload)
	if err != nil {
		d.log.Error("failed to encode payload", "topic", topic, "error", err)
		return false
	}

	if _, err := d.bus.Publish(ctx, transport.NewMessage(topic, normalized, headers)); err != nil {
		d.log.Error("failed to publish message", "topic", topic, "error", err)
		return false
	}
	return true
}

// Subscribe registers handler for topic until ctx ends or the driver disconnects.
func (d *Driver) Subscribe(ctx context.Context, topic string, handler transport.Handler) bool {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		d.log.Error("subscribe on disconnected driver", "topic", topic)
		return false
	}
	sub, err := d.bus.Subscribe(topic, 0)
	if err != nil {
		d.mu.Unlock()
		d.log.Error("failed to subscribe", "topic", topic, "error", err)
		return false
	}
	d.subs = append(d.subs, sub)
	done := d.done
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-sub.Done():
				return
			case msg := <-sub.C():
				msg.ReceivedAt = time.Now().UTC()
				if d.recorder != nil {
					d.recorder.RecordDelivery(Name, msg.Topic)
				}
				transport.SafeInvoke(ctx, d.log, handler, msg)
			}
		}
	}()
	return true
}

func normalize(payload map[string]any) (map[string]any, error) {
	return transport.NormalizePayload(payload)
}
