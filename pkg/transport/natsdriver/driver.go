// Package natsdriver is a NATS core transport driver. Topics map to
// subjects one to one and headers travel as NATS message headers.
package natsdriver

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/transport"
)

// Name is the registry name of the NATS driver.
const Name = "nats"

// Config configures the driver.
type Config struct {
	URL     string
	Name    string
	Timeout time.Duration
}

// Driver is the NATS transport driver.
type Driver struct {
	cfg      Config
	log      logger.Logger
	recorder transport.Recorder

	mu   sync.Mutex
	conn *nats.Conn
	subs map[*nats.Subscription]struct{}
	wg   sync.WaitGroup
	done chan struct{}
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

// New creates a NATS driver. Nothing is dialled until Connect.
func New(cfg Config, opts ...Option) *Driver {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "eventmesh"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	d := &Driver{
		cfg:  cfg,
		log:  logger.Global(),
		subs: make(map[*nats.Subscription]struct{}),
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

// Connect dials the server. It is idempotent.
func (d *Driver) Connect(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil && d.conn.IsConnected() {
		return true
	}

	conn, err := nats.Connect(d.cfg.URL,
		nats.Name(d.cfg.Name),
		nats.Timeout(d.cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				d.log.Warn("connection lost", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			d.log.Info("reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		d.log.Error("connection failed", "url", d.cfg.URL, "error", err)
		return false
	}
	d.conn = conn
	d.done = make(chan struct{})
	return true
}

// Disconnect drains subscriptions and closes the connection.
func (d *Driver) Disconnect(ctx context.Context) bool {
	d.mu.Lock()
	conn := d.conn
	if conn == nil {
		d.mu.Unlock()
		return true
	}
	d.conn = nil
	close(d.done)
	for sub := range d.subs {
		_ = sub.Unsubscribe()
	}
	d.subs = make(map[*nats.Subscription]struct{})
	d.mu.Unlock()

	d.wg.Wait()
	conn.Close()
	return true
}

// IsConnected reports whether the connection is up.
func (d *Driver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil && d.conn.IsConnected()
}

// Publish sends the message and flushes within the configured timeout.
func (d *Driver) Publish(ctx context.Context, topic string, payload map[string]any, headers map[string]string) bool {
	start := time.Now()
	ok := d.publish(ctx, topic, payload, headers)
	if d.recorder != nil {
		d.recorder.RecordPublish(Name, topic, ok, time.Since(start))
	}
	return ok
}

func (d *Driver) publish(ctx context.Context, topic string, payload map[string]any, headers map[string]string) bool {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		d.log.Error("publish on disconnected driver", "topic", topic)
		return false
	}

	msg, err := EncodeMessage(topic, payload, headers)
	if err != nil {
		d.log.Error("failed to encode message", "topic", topic, "error", err)
		return false
	}
	if err := conn.PublishMsg(msg); err != nil {
		d.log.Error("publish failed", "topic", topic, "error", err)
		return false
	}

	flushCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	if err := conn.FlushWithContext(flushCtx); err != nil {
		d.log.Error("flush failed", "topic", topic, "error", err)
		return false
	}
	return true
}

// Subscribe subscribes to the subject for topic. NATS wildcards are native;
// a trailing "#" is rewritten to ">".
func (d *Driver) Subscribe(ctx context.Context, topic string, handler transport.Handler) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		d.log.Error("subscribe on disconnected driver", "topic", topic)
		return false
	}

	sub, err := d.conn.Subscribe(SubjectFor(topic), func(m *nats.Msg) {
		msg, err := DecodeMessage(m)
		if err != nil {
			d.log.Warn("dropping undecodable message", "subject", m.Subject, "error", err)
			return
		}
		if d.recorder != nil {
			d.recorder.RecordDelivery(Name, msg.Topic)
		}
		transport.SafeInvoke(ctx, d.log, handler, msg)
	})
	if err != nil {
		d.log.Error("subscribe failed", "topic", topic, "error", err)
		return false
	}
	d.subs[sub] = struct{}{}

	done := d.done
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case <-ctx.Done():
			d.mu.Lock()
			delete(d.subs, sub)
			d.mu.Unlock()
			_ = sub.Unsubscribe()
		case <-done:
		}
	}()
	return true
}

// SubjectFor converts a topic pattern to a NATS subject.
func SubjectFor(topic string) string {
	if topic == "#" {
		return ">"
	}
	if strings.HasSuffix(topic, ".#") {
		return strings.TrimSuffix(topic, "#") + ">"
	}
	return topic
}

// EncodeMessage builds a NATS message with a JSON body.
func EncodeMessage(topic string, payload map[string]any, headers map[string]string) (*nats.Msg, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(topic)
	msg.Data = data
	for k, v := range headers {
		msg.Header[k] = []string{v}
	}
	return msg, nil
}

// DecodeMessage converts a NATS message into a transport message. Only the
// first value of a multi-valued header is kept.
func DecodeMessage(m *nats.Msg) (*transport.Message, error) {
	payload, err := transport.DecodePayload(m.Data)
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(m.Header))
	for k, values := range m.Header {
		if len(values) > 0 {
			headers[k] = values[0]
		}
	}
	return transport.NewMessage(m.Subject, payload, headers), nil
}
