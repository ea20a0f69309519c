// Package mqttdriver is an MQTT 3.1.1 transport driver built on paho.
//
// Topic segments are separated by dots elsewhere in EventMesh and by
// slashes on the broker; "*" maps to "+" and a trailing ">" maps to "#".
// MQTT 3.1.1 has no message headers, so headers travel inside a JSON
// wrapper {"payload": ..., "headers": ...}.
package mqttdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/transport"
)

// Name is the registry name of the MQTT driver.
const Name = "mqtt"

// Config configures the driver.
type Config struct {
	Host      string
	Port      int
	Username  string
	Password  string
	ClientID  string
	KeepAlive time.Duration
	QoS       int
	Timeout   time.Duration
}

// Driver is the MQTT transport driver. Publish and Subscribe connect on
// demand.
type Driver struct {
	cfg      Config
	log      logger.Logger
	recorder transport.Recorder
	factory  func(*mqtt.ClientOptions) mqtt.Client

	mu     sync.Mutex
	client mqtt.Client
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

// WithClientFactory replaces mqtt.NewClient.
func WithClientFactory(f func(*mqtt.ClientOptions) mqtt.Client) Option {
	return func(d *Driver) {
		if f != nil {
			d.factory = f
		}
	}
}

// New creates an MQTT driver.
func New(cfg Config, opts ...Option) *Driver {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 1883
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "eventmesh_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	d := &Driver{
		cfg:     cfg,
		log:     logger.Global(),
		factory: mqtt.NewClient,
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

// BrokerURL returns the broker address.
func (d *Driver) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", d.cfg.Host, d.cfg.Port)
}

func (d *Driver) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(d.BrokerURL()).
		SetClientID(d.cfg.ClientID).
		SetKeepAlive(d.cfg.KeepAlive).
		SetConnectTimeout(d.cfg.Timeout).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			d.log.Warn("connection lost", "error", err)
		})
	if d.cfg.Username != "" {
		opts.SetUsername(d.cfg.Username)
		opts.SetPassword(d.cfg.Password)
	}
	return opts
}

// Connect opens the broker connection. It is idempotent.
func (d *Driver) Connect(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectLocked()
}

func (d *Driver) connectLocked() bool {
	if d.client != nil && d.client.IsConnectionOpen() {
		return true
	}

	client := d.factory(d.clientOptions())
	token := client.Connect()
	if !token.WaitTimeout(d.cfg.Timeout) {
		d.log.Error("connection timed out", "broker", d.BrokerURL())
		return false
	}
	if err := token.Error(); err != nil {
		d.log.Error("connection failed", "broker", d.BrokerURL(), "error", err)
		return false
	}
	d.client = client
	d.done = make(chan struct{})
	return true
}

// Disconnect closes the connection after a short quiesce period.
func (d *Driver) Disconnect(ctx context.Context) bool {
	d.mu.Lock()
	client := d.client
	if client == nil {
		d.mu.Unlock()
		return true
	}
	d.client = nil
	close(d.done)
	d.mu.Unlock()

	d.wg.Wait()
	client.Disconnect(250)
	return true
}

// IsConnected reports whether the broker connection is open.
func (d *Driver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client != nil && d.client.IsConnectionOpen()
}

// ensureClient returns a connected client, connecting when needed.
func (d *Driver) ensureClient() (mqtt.Client, chan struct{}, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connectLocked() {
		return nil, nil, false
	}
	return d.client, d.done, true
}

// Publish sends the wrapped message with the configured QoS.
func (d *Driver) Publish(ctx context.Context, topic string, payload map[string]any, headers map[string]string) bool {
	start := time.Now()
	ok := d.publish(ctx, topic, payload, headers)
	if d.recorder != nil {
		d.recorder.RecordPublish(Name, topic, ok, time.Since(start))
	}
	return ok
}

func (d *Driver) publish(ctx context.Context, topic string, payload map[string]any, headers map[string]string) bool {
	body, err := EncodeBody(payload, headers)
	if err != nil {
		d.log.Error("failed to encode message", "topic", topic, "error", err)
		return false
	}
	client, _, ok := d.ensureClient()
	if !ok {
		return false
	}

	token := client.Publish(ToMQTTTopic(topic), byte(d.cfg.QoS), false, body)
	if !waitToken(ctx, token, d.cfg.Timeout) {
		d.log.Error("publish timed out", "topic", topic)
		return false
	}
	if err := token.Error(); err != nil {
		d.log.Error("publish failed", "topic", topic, "error", err)
		return false
	}
	return true
}

// Subscribe subscribes to the translated topic filter until ctx ends or
// Disconnect.
func (d *Driver) Subscribe(ctx context.Context, topic string, handler transport.Handler) bool {
	client, done, ok := d.ensureClient()
	if !ok {
		return false
	}

	filter := ToMQTTTopic(topic)
	token := client.Subscribe(filter, byte(d.cfg.QoS), func(_ mqtt.Client, m mqtt.Message) {
		payload, headers, err := DecodeBody(m.Payload())
		if err != nil {
			d.log.Warn("dropping undecodable message", "topic", m.Topic(), "error", err)
			return
		}
		msgTopic := FromMQTTTopic(m.Topic())
		if d.recorder != nil {
			d.recorder.RecordDelivery(Name, msgTopic)
		}
		transport.SafeInvoke(ctx, d.log, handler, transport.NewMessage(msgTopic, payload, headers))
	})
	if !waitToken(ctx, token, d.cfg.Timeout) {
		d.log.Error("subscribe timed out", "topic", topic)
		return false
	}
	if err := token.Error(); err != nil {
		d.log.Error("subscribe failed", "topic", topic, "error", err)
		return false
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case <-ctx.Done():
			client.Unsubscribe(filter).WaitTimeout(d.cfg.Timeout)
		case <-done:
		}
	}()
	return true
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// ToMQTTTopic converts a dotted topic or pattern to an MQTT topic filter.
func ToMQTTTopic(topic string) string {
	parts := strings.Split(topic, ".")
	for i, part := range parts {
		switch part {
		case "*":
			parts[i] = "+"
		case ">", "#":
			parts[i] = "#"
		}
	}
	return strings.Join(parts, "/")
}

// FromMQTTTopic converts an MQTT topic name back to dotted form.
func FromMQTTTopic(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

type wireBody struct {
	Payload map[string]any    `json:"payload"`
	Headers map[string]string `json:"headers"`
}

// EncodeBody wraps payload and headers into the JSON body.
func EncodeBody(payload map[string]any, headers map[string]string) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal(wireBody{Payload: payload, Headers: transport.CloneHeaders(headers)})
}

// DecodeBody accepts the wrapper produced by EncodeBody or any plain JSON
// object, which is then taken as the payload without headers.
func DecodeBody(data []byte) (map[string]any, map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, err
	}

	rawPayload, hasPayload := raw["payload"]
	rawHeaders, hasHeaders := raw["headers"]
	if hasPayload && hasHeaders && len(raw) == 2 {
		payload, perr := transport.DecodePayload(rawPayload)
		var headers map[string]string
		herr := json.Unmarshal(rawHeaders, &headers)
		if perr == nil && herr == nil {
			return payload, headers, nil
		}
	}

	payload, err := transport.DecodePayload(data)
	if err != nil {
		return nil, nil, err
	}
	return payload, map[string]string{}, nil
}
