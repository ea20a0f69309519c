package mqttdriver

import (
	"errors"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// fakeBroker routes publishes to subscribed filters across fake clients.
type fakeBroker struct {
	mu         sync.Mutex
	refuse     bool
	subs       map[string]mqtt.MessageHandler
	published  []*fakeMessage
	connects   int
	lastClient *mqtt.ClientOptions
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subs: make(map[string]mqtt.MessageHandler)}
}

func (b *fakeBroker) factory(opts *mqtt.ClientOptions) mqtt.Client {
	b.mu.Lock()
	b.lastClient = opts
	b.mu.Unlock()
	return &fakeClient{broker: b}
}

func (b *fakeBroker) subscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func filterMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, part := range fp {
		if part == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if part != "+" && part != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}

type fakeClient struct {
	broker    *fakeBroker
	mu        sync.Mutex
	connected bool
}

func (c *fakeClient) IsConnected() bool { return c.IsConnectionOpen() }

func (c *fakeClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Connect() mqtt.Token {
	c.broker.mu.Lock()
	refuse := c.broker.refuse
	c.broker.connects++
	c.broker.mu.Unlock()
	if refuse {
		return newToken(errors.New("connection refused"))
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return newToken(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	data, _ := payload.([]byte)
	msg := &fakeMessage{topic: topic, payload: data}

	c.broker.mu.Lock()
	c.broker.published = append(c.broker.published, msg)
	var handlers []mqtt.MessageHandler
	for filter, h := range c.broker.subs {
		if filterMatches(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	c.broker.mu.Unlock()

	for _, h := range handlers {
		h(c, msg)
	}
	return newToken(nil)
}

func (c *fakeClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.broker.mu.Lock()
	c.broker.subs[topic] = callback
	c.broker.mu.Unlock()
	return newToken(nil)
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for f, qos := range filters {
		c.Subscribe(f, qos, callback)
	}
	return newToken(nil)
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.broker.mu.Lock()
	for _, t := range topics {
		delete(c.broker.subs, t)
	}
	c.broker.mu.Unlock()
	return newToken(nil)
}

func (c *fakeClient) AddRoute(string, mqtt.MessageHandler) {}

func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}
