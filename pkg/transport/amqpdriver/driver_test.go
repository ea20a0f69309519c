package amqpdriver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/transport"
)

var _ transport.Driver = (*Driver)(nil)

type fakeAcker struct {
	mu    sync.Mutex
	acks  int
	nacks int
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	a.acks++
	a.mu.Unlock()
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	a.nacks++
	a.mu.Unlock()
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error { return nil }

func (a *fakeAcker) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, a.nacks
}

// fakeBroker routes publishes on one topic exchange to bound queues.
type fakeBroker struct {
	mu        sync.Mutex
	exchanges map[string]string
	bindings  map[string]string // queue -> binding key
	queues    map[string]chan amqp.Delivery
	acker     *fakeAcker
	dialErr   error
	declErr   error
	nextQueue int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges: make(map[string]string),
		bindings:  make(map[string]string),
		queues:    make(map[string]chan amqp.Delivery),
		acker:     &fakeAcker{},
	}
}

func (b *fakeBroker) dial(url string, cfg amqp.Config) (amqpConnection, error) {
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	return &fakeConn{broker: b}, nil
}

func bindingMatches(key, routingKey string) bool {
	pattern := key
	if pattern == "#" {
		pattern = ">"
	} else if len(pattern) > 2 && pattern[len(pattern)-2:] == ".#" {
		pattern = pattern[:len(pattern)-1] + ">"
	}
	return transport.TopicMatches(pattern, routingKey)
}

type fakeConn struct {
	broker *fakeBroker
	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Channel() (amqpChannel, error) {
	return &fakeChannel{broker: c.broker}, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeChannel struct {
	broker *fakeBroker
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declErr != nil {
		return b.declErr
	}
	b.exchanges[name] = kind
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if name == "" {
		b.nextQueue++
		name = "amq.gen-" + string(rune('a'+b.nextQueue))
	}
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = make(chan amqp.Delivery, 16)
	}
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings[name] = key
	return nil
}

func (ch *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[exchange]; !ok {
		return errors.New("no exchange")
	}
	for queue, binding := range b.bindings {
		if bindingMatches(binding, key) {
			b.queues[queue] <- amqp.Delivery{
				Acknowledger: b.acker,
				Headers:      msg.Headers,
				ContentType:  msg.ContentType,
				Body:         msg.Body,
				Exchange:     exchange,
				RoutingKey:   key,
			}
		}
	}
	return nil
}

func (ch *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return nil, errors.New("no queue")
	}
	return q, nil
}

func (ch *fakeChannel) Close() error { return nil }

func newTestDriver(b *fakeBroker, cfg Config) *Driver {
	d := New(cfg, WithLogger(logger.Nop()))
	d.dial = b.dial
	return d
}

func TestRoutingKey(t *testing.T) {
	tests := map[string]string{
		"order.created": "order.created",
		"order.*":       "order.*",
		"order.>":       "order.#",
		">":             "#",
		"order.#":       "order.#",
	}
	for in, want := range tests {
		assert.Equal(t, want, RoutingKey(in), in)
	}
}

func TestEncodeDecode(t *testing.T) {
	pub, err := EncodePublishing(map[string]any{"order_id": 123}, map[string]string{"X-Saga-Instance-Id": "s-1"})
	require.NoError(t, err)
	assert.Equal(t, "application/json", pub.ContentType)
	assert.Equal(t, amqp.Persistent, pub.DeliveryMode)
	assert.NotEmpty(t, pub.MessageId)

	msg, err := DecodeDelivery(amqp.Delivery{
		RoutingKey: "order.created",
		Headers:    amqp.Table{"X-Saga-Instance-Id": "s-1", "attempt": int32(2)},
		Body:       pub.Body,
	})
	require.NoError(t, err)
	assert.Equal(t, "order.created", msg.Topic)
	assert.Equal(t, float64(123), msg.Payload["order_id"])
	assert.Equal(t, "s-1", msg.Headers["X-Saga-Instance-Id"])
	assert.Equal(t, "2", msg.Headers["attempt"])

	_, err = DecodeDelivery(amqp.Delivery{Body: []byte("{")})
	assert.Error(t, err)
}

func TestDriver_ConnectFailures(t *testing.T) {
	t.Run("dial", func(t *testing.T) {
		b := newFakeBroker()
		b.dialErr = errors.New("connection refused")
		d := newTestDriver(b, Config{})
		assert.False(t, d.Connect(context.Background()))
		assert.False(t, d.IsConnected())
	})

	t.Run("exchange declare", func(t *testing.T) {
		b := newFakeBroker()
		b.declErr = errors.New("access refused")
		d := newTestDriver(b, Config{})
		assert.False(t, d.Connect(context.Background()))
	})

	t.Run("disconnected operations", func(t *testing.T) {
		d := newTestDriver(newFakeBroker(), Config{})
		ctx := context.Background()
		assert.False(t, d.Publish(ctx, "a", nil, nil))
		assert.False(t, d.Subscribe(ctx, "a", func(context.Context, *transport.Message) {}))
		assert.True(t, d.Disconnect(ctx))
	})
}

func TestDriver_PublishSubscribe(t *testing.T) {
	b := newFakeBroker()
	d := newTestDriver(b, Config{Exchange: "sagas"})
	ctx := context.Background()

	require.True(t, d.Connect(ctx))
	require.True(t, d.Connect(ctx))
	assert.Equal(t, amqp.ExchangeTopic, b.exchanges["sagas"])

	got := make(chan *transport.Message, 2)
	require.True(t, d.Subscribe(ctx, "order.>", func(_ context.Context, msg *transport.Message) {
		got <- msg
	}))

	require.True(t, d.Publish(ctx, "order.created", map[string]any{"order_id": 123}, map[string]string{"X-Saga-Instance-Id": "s-1"}))
	require.True(t, d.Publish(ctx, "payment.failed", nil, nil))

	select {
	case msg := <-got:
		assert.Equal(t, "order.created", msg.Topic)
		assert.Equal(t, float64(123), msg.Payload["order_id"])
		assert.Equal(t, "s-1", msg.Headers["X-Saga-Instance-Id"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for delivery")
	}

	assert.Eventually(t, func() bool {
		acks, _ := b.acker.counts()
		return acks == 1
	}, time.Second, 10*time.Millisecond)

	require.True(t, d.Disconnect(ctx))
	assert.False(t, d.IsConnected())
}

func TestDriver_DurableQueueName(t *testing.T) {
	b := newFakeBroker()
	d := newTestDriver(b, Config{QueuePrefix: "eventmesh."})
	ctx := context.Background()
	require.True(t, d.Connect(ctx))
	defer d.Disconnect(ctx)

	require.True(t, d.Subscribe(ctx, "order.created", func(context.Context, *transport.Message) {}))
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, "order.created", b.bindings["eventmesh.order.created"])
}

func TestDriver_UndecodableMessageIsRejected(t *testing.T) {
	b := newFakeBroker()
	d := newTestDriver(b, Config{})
	ctx := context.Background()
	require.True(t, d.Connect(ctx))
	defer d.Disconnect(ctx)

	called := make(chan struct{}, 1)
	require.True(t, d.Subscribe(ctx, "a", func(context.Context, *transport.Message) { called <- struct{}{} }))

	ch, err := (&fakeConn{broker: b}).Channel()
	require.NoError(t, err)
	require.NoError(t, ch.Publish("eventmesh", "a", false, false, amqp.Publishing{Body: []byte("not json")}))

	assert.Eventually(t, func() bool {
		_, nacks := b.acker.counts()
		return nacks == 1
	}, time.Second, 10*time.Millisecond)
	select {
	case <-called:
		t.Fatal("handler must not see undecodable messages")
	default:
	}
}
