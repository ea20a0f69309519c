// Package httpdriver publishes messages to an EventMesh node over HTTP.
//
// Publishing is a POST to {base_url}/api/v1/publish. HTTP has no push
// channel back to the subscriber, so subscriptions are held locally and fed
// by the webhook or publish endpoint through Deliver.
package httpdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/transport"
)

// Name is the registry name of the HTTP driver.
const Name = "http"

const (
	publishPath = "/api/v1/publish"
	healthPath  = "/api/v1/health"
)

// PublishRequest is the JSON body of a publish call.
type PublishRequest struct {
	Topic   string            `json:"topic"`
	Payload map[string]any    `json:"payload"`
	Headers map[string]string `json:"headers"`
}

// Config configures the driver.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

type subscription struct {
	id      uint64
	pattern string
	handler transport.Handler
	ctx     context.Context
}

// Driver is the HTTP transport driver.
type Driver struct {
	baseURL  string
	client   *http.Client
	log      logger.Logger
	recorder transport.Recorder

	mu        sync.RWMutex
	connected bool
	nextID    uint64
	subs      map[uint64]*subscription
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

// WithHTTPClient replaces the HTTP client. The configured timeout is not
// applied to a supplied client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Driver) {
		if c != nil {
			d.client = c
		}
	}
}

// New creates an HTTP driver.
func New(cfg Config, opts ...Option) *Driver {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	d := &Driver{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		log:     logger.Global(),
		subs:    make(map[uint64]*subscription),
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

// Connect probes the health endpoint. The driver counts as connected once a
// probe has returned 200.
func (d *Driver) Connect(ctx context.Context) bool {
	if d.IsConnected() {
		return true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+healthPath, nil)
	if err != nil {
		d.log.Error("failed to build health request", "error", err)
		return false
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Error("connection failed", "base_url", d.baseURL, "error", err)
		return false
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		d.log.Error("health check failed", "base_url", d.baseURL, "status", resp.StatusCode)
		return false
	}

	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	return true
}

// Disconnect drops the connected flag and every local subscription.
func (d *Driver) Disconnect(ctx context.Context) bool {
	d.mu.Lock()
	d.connected = false
	d.subs = make(map[uint64]*subscription)
	d.mu.Unlock()
	return true
}

// IsConnected reports whether a health probe has succeeded.
func (d *Driver) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// Publish posts the message to the remote node. Only a 200 response counts
// as success.
func (d *Driver) Publish(ctx context.Context, topic string, payload map[string]any, headers map[string]string) bool {
	start := time.Now()
	ok := d.publish(ctx, topic, payload, headers)
	if d.recorder != nil {
		d.recorder.RecordPublish(Name, topic, ok, time.Since(start))
	}
	return ok
}

func (d *Driver) publish(ctx context.Context, topic string, payload map[string]any, headers map[string]string) bool {
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(PublishRequest{
		Topic:   topic,
		Payload: payload,
		Headers: transport.CloneHeaders(headers),
	})
	if err != nil {
		d.log.Error("failed to encode publish request", "topic", topic, "error", err)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+publishPath, bytes.NewReader(body))
	if err != nil {
		d.log.Error("failed to build publish request", "topic", topic, "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	// The receiving node continues this trace in its HTTP span.
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Error("publish failed", "topic", topic, "error", err)
		return false
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		d.log.Error("publish rejected", "topic", topic, "status", resp.StatusCode)
		return false
	}
	return true
}

// Subscribe registers handler locally. Messages reach it through Deliver.
func (d *Driver) Subscribe(ctx context.Context, topic string, handler transport.Handler) bool {
	if topic == "" || handler == nil {
		d.log.Error("invalid subscription", "topic", topic)
		return false
	}

	d.mu.Lock()
	d.nextID++
	sub := &subscription{id: d.nextID, pattern: topic, handler: handler, ctx: ctx}
	d.subs[sub.id] = sub
	d.mu.Unlock()
	return true
}

// Deliver invokes every live subscription whose pattern matches msg.Topic
// and returns the number of handlers that ran without panicking.
func (d *Driver) Deliver(ctx context.Context, msg *transport.Message) int {
	if msg == nil {
		return 0
	}

	d.mu.Lock()
	d.pruneLocked()
	targets := make([]*subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		if transport.TopicMatches(sub.pattern, msg.Topic) {
			targets = append(targets, sub)
		}
	}
	d.mu.Unlock()

	delivered := 0
	for _, sub := range targets {
		copied := *msg
		copied.Headers = transport.CloneHeaders(msg.Headers)
		if d.recorder != nil {
			d.recorder.RecordDelivery(Name, msg.Topic)
		}
		if transport.SafeInvoke(ctx, d.log, sub.handler, &copied) {
			delivered++
		}
	}
	return delivered
}

// SubscriptionCount returns the number of live local subscriptions.
func (d *Driver) SubscriptionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked()
	return len(d.subs)
}

// pruneLocked drops subscriptions whose context has ended.
func (d *Driver) pruneLocked() {
	for id, sub := range d.subs {
		if sub.ctx.Err() != nil {
			delete(d.subs, id)
		}
	}
}

// String describes the driver for logs.
func (d *Driver) String() string {
	return fmt.Sprintf("httpdriver(%s)", d.baseURL)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
