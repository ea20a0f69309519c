// Package redisdriver is a Redis Pub/Sub transport driver.
package redisdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/transport"
)

// Name is the registry name of the Redis driver.
const Name = "redis"

// wireMessage is the JSON body of a Pub/Sub message.
type wireMessage struct {
	Payload map[string]any    `json:"payload"`
	Headers map[string]string `json:"headers,omitempty"`
}

func decodeWire(data []byte) (wireMessage, error) {
	var wire wireMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		return wireMessage{}, err
	}
	transport.NormalizeNumbers(wire.Payload)
	return wire, nil
}

// Config configures the driver.
type Config struct {
	// ChannelPrefix is prepended to every topic. Default "eventmesh:".
	ChannelPrefix string
	// Timeout bounds Ping and Publish.
	Timeout time.Duration
}

// Driver publishes to channel {prefix}{topic}. Subscriptions with wildcards
// use PSUBSCRIBE and filter with transport.TopicMatches.
type Driver struct {
	client   redis.UniversalClient
	prefix   string
	timeout  time.Duration
	log      logger.Logger
	recorder transport.Recorder
	owned    bool

	mu        sync.Mutex
	connected bool
	done      chan struct{}
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

// WithOwnedClient makes Disconnect close the client.
func WithOwnedClient() Option {
	return func(d *Driver) {
		d.owned = true
	}
}

// New creates a Redis driver on client.
func New(client redis.UniversalClient, cfg Config, opts ...Option) *Driver {
	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = "eventmesh:"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := &Driver{
		client:  client,
		prefix:  prefix,
		timeout: timeout,
		log:     logger.Global(),
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

// Connect pings the server.
func (d *Driver) Connect(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected {
		return true
	}

	pingCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.client.Ping(pingCtx).Err(); err != nil {
		d.log.Error("connection failed", "error", err)
		return false
	}
	d.connected = true
	d.done = make(chan struct{})
	return true
}

// Disconnect ends every subscription and waits for their loops to exit.
func (d *Driver) Disconnect(ctx context.Context) bool {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return true
	}
	d.connected = false
	close(d.done)
	d.mu.Unlock()

	d.wg.Wait()
	if d.owned {
		if err := d.client.Close(); err != nil {
			d.log.Error("failed to close client", "error", err)
			return false
		}
	}
	return true
}

// IsConnected reports whether Connect succeeded.
func (d *Driver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Publish sends the message to the topic channel.
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
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(wireMessage{Payload: payload, Headers: headers})
	if err != nil {
		d.log.Error("failed to marshal message", "topic", topic, "error", err)
		return false
	}

	pubCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.client.Publish(pubCtx, d.prefix+topic, data).Err(); err != nil {
		d.log.Error("publish failed", "topic", topic, "error", err)
		return false
	}
	return true
}

// Subscribe attaches to the topic channel, or a channel pattern for
// wildcard topics, and forwards messages until ctx ends or Disconnect.
func (d *Driver) Subscribe(ctx context.Context, topic string, handler transport.Handler) bool {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		d.log.Error("subscribe on disconnected driver", "topic", topic)
		return false
	}
	done := d.done
	d.mu.Unlock()

	var pubsub *redis.PubSub
	if transport.HasWildcard(topic) {
		pubsub = d.client.PSubscribe(ctx, d.prefix+GlobFor(topic))
	} else {
		pubsub = d.client.Subscribe(ctx, d.prefix+topic)
	}

	// Wait for the subscription confirmation so messages published right
	// after Subscribe returns are not missed.
	recvCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if _, err := pubsub.Receive(recvCtx); err != nil {
		_ = pubsub.Close()
		d.log.Error("subscribe failed", "topic", topic, "error", err)
		return false
	}

	d.wg.Add(1)
	go d.forwardMessages(ctx, done, topic, pubsub, handler)
	return true
}

func (d *Driver) forwardMessages(ctx context.Context, done <-chan struct{}, pattern string, pubsub *redis.PubSub, handler transport.Handler) {
	defer d.wg.Done()
	defer func() {
		_ = pubsub.Close()
	}()

	redisCh := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case msg, ok := <-redisCh:
			if !ok {
				return
			}
			topic := strings.TrimPrefix(msg.Channel, d.prefix)
			if !transport.TopicMatches(pattern, topic) {
				continue
			}
			wire, err := decodeWire([]byte(msg.Payload))
			if err != nil {
				d.log.Warn("dropping undecodable message", "topic", topic, "error", err)
				continue
			}
			if d.recorder != nil {
				d.recorder.RecordDelivery(Name, topic)
			}
			transport.SafeInvoke(ctx, d.log, handler, transport.NewMessage(topic, wire.Payload, wire.Headers))
		}
	}
}

// GlobFor converts a topic pattern into a Redis channel glob. The glob is a
// superset of the pattern; matches are filtered again on receipt.
func GlobFor(pattern string) string {
	if pattern == ">" || pattern == "#" {
		return "*"
	}
	parts := strings.Split(pattern, ".")
	for i, part := range parts {
		switch part {
		case "*", ">", "#":
			parts[i] = "*"
		default:
			parts[i] = escapeGlob(part)
		}
	}
	return strings.Join(parts, ".")
}

func escapeGlob(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			sb.WriteRune('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// String describes the driver for logs.
func (d *Driver) String() string {
	return fmt.Sprintf("redisdriver(%s)", d.prefix)
}
