package mqttdriver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/transport"
)

var _ transport.Driver = (*Driver)(nil)

func newTestDriver(b *fakeBroker) *Driver {
	return New(Config{Host: "broker", Port: 1884, QoS: 1, Username: "u", Password: "p"},
		WithLogger(logger.Nop()), WithClientFactory(b.factory))
}

func TestTopicTranslation(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{in: "order.created", want: "order/created"},
		{in: "order.*", want: "order/+"},
		{in: "order.>", want: "order/#"},
		{in: "order.#", want: "order/#"},
		{in: ">", want: "#"},
		{in: "*.failed", want: "+/failed"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ToMQTTTopic(tt.in), tt.in)
	}
	assert.Equal(t, "order.created", FromMQTTTopic("order/created"))
}

func TestBodyCodec(t *testing.T) {
	body, err := EncodeBody(map[string]any{"order_id": 123}, map[string]string{"X-Saga-Instance-Id": "s-1"})
	require.NoError(t, err)

	payload, headers, err := DecodeBody(body)
	require.NoError(t, err)
	assert.Equal(t, float64(123), payload["order_id"])
	assert.Equal(t, "s-1", headers["X-Saga-Instance-Id"])

	payload, headers, err = DecodeBody([]byte(`{"order_id":7,"payload":"not-a-wrapper"}`))
	require.NoError(t, err)
	assert.Equal(t, float64(7), payload["order_id"])
	assert.Empty(t, headers)

	body, err = EncodeBody(map[string]any{"ledger_id": int64(9007199254740993)}, nil)
	require.NoError(t, err)
	payload, _, err = DecodeBody(body)
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), payload["ledger_id"])

	_, _, err = DecodeBody([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestDriver_ConnectOptions(t *testing.T) {
	b := newFakeBroker()
	d := newTestDriver(b)
	ctx := context.Background()

	assert.Equal(t, "tcp://broker:1884", d.BrokerURL())
	require.True(t, d.Connect(ctx))
	assert.True(t, d.IsConnected())
	require.True(t, d.Connect(ctx))
	assert.Equal(t, 1, b.connects, "connect is idempotent")

	require.NotNil(t, b.lastClient)
	assert.Equal(t, "u", b.lastClient.Username)
	assert.Equal(t, int64(60), b.lastClient.KeepAlive)
	assert.Contains(t, b.lastClient.ClientID, "eventmesh_")

	assert.True(t, d.Disconnect(ctx))
	assert.False(t, d.IsConnected())
}

func TestDriver_ConnectRefused(t *testing.T) {
	b := newFakeBroker()
	b.refuse = true
	d := newTestDriver(b)
	ctx := context.Background()

	assert.False(t, d.Connect(ctx))
	assert.False(t, d.Publish(ctx, "a", nil, nil))
	assert.False(t, d.Subscribe(ctx, "a", func(context.Context, *transport.Message) {}))
}

func TestDriver_PublishConnectsLazily(t *testing.T) {
	b := newFakeBroker()
	d := newTestDriver(b)
	ctx := context.Background()
	defer d.Disconnect(ctx)

	require.True(t, d.Publish(ctx, "order.created", map[string]any{"order_id": 1}, map[string]string{"k": "v"}))
	assert.True(t, d.IsConnected())
	require.Len(t, b.published, 1)
	assert.Equal(t, "order/created", b.published[0].topic)
	assert.JSONEq(t, `{"payload":{"order_id":1},"headers":{"k":"v"}}`, string(b.published[0].payload))
}

func TestDriver_SubscribeWildcard(t *testing.T) {
	b := newFakeBroker()
	d := newTestDriver(b)
	ctx := context.Background()
	defer d.Disconnect(ctx)

	var got []*transport.Message
	require.True(t, d.Subscribe(ctx, "order.*", func(_ context.Context, msg *transport.Message) {
		got = append(got, msg)
	}))

	require.True(t, d.Publish(ctx, "order.created", map[string]any{"order_id": 123}, map[string]string{"X-Saga-Instance-Id": "s-1"}))
	require.True(t, d.Publish(ctx, "payment.failed", nil, nil))

	require.Len(t, got, 1)
	assert.Equal(t, "order.created", got[0].Topic)
	assert.Equal(t, float64(123), got[0].Payload["order_id"])
	assert.Equal(t, "s-1", got[0].Headers["X-Saga-Instance-Id"])
}

func TestDriver_SubscriptionEndsWithContext(t *testing.T) {
	b := newFakeBroker()
	d := newTestDriver(b)
	ctx := context.Background()
	defer d.Disconnect(ctx)

	subCtx, cancel := context.WithCancel(ctx)
	require.True(t, d.Subscribe(subCtx, "a", func(context.Context, *transport.Message) {}))
	assert.Equal(t, 1, b.subscriptionCount())

	cancel()
	assert.Eventually(t, func() bool { return b.subscriptionCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestDriver_HandlerPanicIsContained(t *testing.T) {
	b := newFakeBroker()
	d := newTestDriver(b)
	ctx := context.Background()
	defer d.Disconnect(ctx)

	require.True(t, d.Subscribe(ctx, "boom", func(context.Context, *transport.Message) {
		panic("bad handler")
	}))
	assert.NotPanics(t, func() {
		assert.True(t, d.Publish(ctx, "boom", nil, nil))
	})
}
