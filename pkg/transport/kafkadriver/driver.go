// Package kafkadriver is a Kafka transport driver built on kafka-go.
package kafkadriver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/transport"
)

// Name is the registry name of the Kafka driver.
const Name = "kafka"

// KeyHeader is the header whose value becomes the record key, so every step
// of one saga lands on the same partition.
const KeyHeader = "X-Saga-Instance-Id"

// Config configures the driver.
type Config struct {
	Brokers []string
	GroupID string
	Timeout time.Duration
}

// Driver is the Kafka transport driver.
type Driver struct {
	cfg      Config
	log      logger.Logger
	recorder transport.Recorder

	mu     sync.Mutex
	writer *kafka.Writer
	done   chan struct{}
	wg     sync.WaitGroup
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

// New creates a Kafka driver.
func New(cfg Config, opts ...Option) *Driver {
	if len(cfg.Brokers) == 0 {
		cfg.Brokers = []string{"localhost:9092"}
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "eventmesh"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	d := &Driver{
		cfg: cfg,
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

// Connect dials a broker to verify reachability and prepares the writer.
func (d *Driver) Connect(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writer != nil {
		return true
	}

	dialer := &kafka.Dialer{Timeout: d.cfg.Timeout, DualStack: true}
	var lastErr error
	reachable := false
	for _, broker := range d.cfg.Brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		reachable = true
		break
	}
	if !reachable {
		d.log.Error("connection failed", "brokers", d.cfg.Brokers, "error", lastErr)
		return false
	}

	d.writer = &kafka.Writer{
		Addr:                   kafka.TCP(d.cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           d.cfg.Timeout,
	}
	d.done = make(chan struct{})
	return true
}

// Disconnect stops every reader and closes the writer.
func (d *Driver) Disconnect(ctx context.Context) bool {
	d.mu.Lock()
	writer := d.writer
	if writer == nil {
		d.mu.Unlock()
		return true
	}
	d.writer = nil
	close(d.done)
	d.mu.Unlock()

	d.wg.Wait()
	if err := writer.Close(); err != nil {
		d.log.Error("failed to close writer", "error", err)
		return false
	}
	return true
}

// IsConnected reports whether Connect succeeded.
func (d *Driver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writer != nil
}

// Publish writes one record to topic.
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
	writer := d.writer
	d.mu.Unlock()
	if writer == nil {
		d.log.Error("publish on disconnected driver", "topic", topic)
		return false
	}

	msg, err := EncodeMessage(topic, payload, headers)
	if err != nil {
		d.log.Error("failed to encode message", "topic", topic, "error", err)
		return false
	}

	writeCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	if err := writer.WriteMessages(writeCtx, msg); err != nil {
		d.log.Error("publish failed", "topic", topic, "error", err)
		return false
	}
	return true
}

// Subscribe starts a consumer group reader on topic. Kafka readers take
// concrete topic names, so wildcard patterns are rejected.
func (d *Driver) Subscribe(ctx context.Context, topic string, handler transport.Handler) bool {
	if transport.HasWildcard(topic) {
		d.log.Error("wildcard subscriptions are not supported", "topic", topic)
		return false
	}

	d.mu.Lock()
	if d.writer == nil {
		d.mu.Unlock()
		d.log.Error("subscribe on disconnected driver", "topic", topic)
		return false
	}
	done := d.done
	d.wg.Add(1)
	d.mu.Unlock()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     d.cfg.Brokers,
		GroupID:     d.cfg.GroupID,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10 * 1024 * 1024,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.LastOffset,
	})

	go d.consume(ctx, done, reader, handler)
	return true
}

func (d *Driver) consume(ctx context.Context, done <-chan struct{}, reader *kafka.Reader, handler transport.Handler) {
	defer d.wg.Done()
	defer func() {
		if err := reader.Close(); err != nil {
			d.log.Warn("failed to close reader", "error", err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-runCtx.Done():
		}
	}()

	for {
		m, err := reader.FetchMessage(runCtx)
		if err != nil {
			if runCtx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			d.log.Error("fetch failed", "topic", reader.Config().Topic, "error", err)
			select {
			case <-runCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		msg, err := DecodeMessage(m)
		if err != nil {
			d.log.Warn("dropping undecodable message", "topic", m.Topic, "offset", m.Offset, "error", err)
		} else {
			if d.recorder != nil {
				d.recorder.RecordDelivery(Name, msg.Topic)
			}
			transport.SafeInvoke(runCtx, d.log, handler, msg)
		}

		if err := reader.CommitMessages(runCtx, m); err != nil && runCtx.Err() == nil {
			d.log.Warn("commit failed", "topic", m.Topic, "offset", m.Offset, "error", err)
		}
	}
}

// EncodeMessage builds a Kafka record with a JSON value. The saga instance
// header, when present, is used as the record key.
func EncodeMessage(topic string, payload map[string]any, headers map[string]string) (kafka.Message, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	value, err := json.Marshal(payload)
	if err != nil {
		return kafka.Message{}, err
	}
	msg := kafka.Message{
		Topic: topic,
		Value: value,
	}
	if key := headers[KeyHeader]; key != "" {
		msg.Key = []byte(key)
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return msg, nil
}

// DecodeMessage converts a Kafka record into a transport message.
func DecodeMessage(m kafka.Message) (*transport.Message, error) {
	payload, err := transport.DecodePayload(m.Value)
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	msg := transport.NewMessage(m.Topic, payload, headers)
	if !m.Time.IsZero() {
		msg.ReceivedAt = m.Time.UTC()
	}
	return msg, nil
}
