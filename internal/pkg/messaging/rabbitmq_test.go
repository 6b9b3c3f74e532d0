package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedGet struct {
	delivery amqp.Delivery
	ok       bool
	err      error
}

// fakeChannel plays back a scripted sequence of Get results and records
// every channel interaction. Once the script is exhausted, Get reports an
// empty queue.
type fakeChannel struct {
	gets []scriptedGet
	next int

	exchanges []string
	queues    []string
	bindings  [][2]string // queue, binding key
	published []amqp.Publishing
	pubKeys   []string
	qos       int
	acked     []uint64
	nacked    []uint64
	requeued  []bool
	closed    bool
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	c.exchanges = append(c.exchanges, name+"/"+kind)
	if !durable {
		return errors.New("expected durable exchange")
	}
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.queues = append(c.queues, name)
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, _ string, _ bool, _ amqp.Table) error {
	c.bindings = append(c.bindings, [2]string{name, key})
	return nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	c.pubKeys = append(c.pubKeys, key)
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	c.qos = prefetchCount
	return nil
}

func (c *fakeChannel) Get(string, bool) (amqp.Delivery, bool, error) {
	if c.next >= len(c.gets) {
		return amqp.Delivery{}, false, nil
	}
	g := c.gets[c.next]
	c.next++
	return g.delivery, g.ok, g.err
}

func (c *fakeChannel) Ack(tag uint64, _ bool) error {
	c.acked = append(c.acked, tag)
	return nil
}

func (c *fakeChannel) Nack(tag uint64, _, requeue bool) error {
	c.nacked = append(c.nacked, tag)
	c.requeued = append(c.requeued, requeue)
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func newTestRabbitMQ(t *testing.T, ch *fakeChannel) *RabbitMQ {
	t.Helper()
	r, err := NewRabbitMQ(ConnConfig{Host: "localhost", Port: 5672})
	require.NoError(t, err)
	r.ch = ch // skip the dial
	return r
}

func rabbitDelivery(tag uint64, body string) amqp.Delivery {
	return amqp.Delivery{DeliveryTag: tag, Body: []byte(body), RoutingKey: "orders"}
}

func fastOpts(opts ...ConsumeOption) ConsumeOptions {
	base := []ConsumeOption{WithBackoff(time.Millisecond), WithMaxEmptyPolls(1)}
	return newConsumeOptions(append(base, opts...)...)
}

func TestRabbitMQ_Publish_MessageAttributes(t *testing.T) {
	ch := &fakeChannel{}
	r := newTestRabbitMQ(t, ch)

	err := r.Publish(context.Background(), "orders", "hello", PublishOptions{
		ContentType:   "application/json",
		Priority:      5,
		Expiration:    90 * time.Second,
		Persistent:    true,
		CorrelationID: "corr-9",
		Headers:       map[string]string{"source": "api"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"orders/topic"}, ch.exchanges)
	require.Len(t, ch.published, 1)
	msg := ch.published[0]
	assert.Equal(t, "orders", ch.pubKeys[0]) // routing key defaults to the topic
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, uint8(5), msg.Priority)
	assert.Equal(t, "90000", msg.Expiration)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "corr-9", msg.CorrelationId)
	assert.Equal(t, amqp.Table{"source": "api"}, msg.Headers)
}

func TestRabbitMQ_Publish_DeclaresExchangeOnce(t *testing.T) {
	ch := &fakeChannel{}
	r := newTestRabbitMQ(t, ch)

	require.NoError(t, r.Publish(context.Background(), "orders", "a", PublishOptions{}))
	require.NoError(t, r.Publish(context.Background(), "orders", "b", PublishOptions{RoutingKey: "orders.eu"}))
	assert.Equal(t, []string{"orders/topic"}, ch.exchanges)
	assert.Equal(t, []string{"orders", "orders.eu"}, ch.pubKeys)
}

func TestRabbitMQ_Consume_HandlerErrorRequeues(t *testing.T) {
	ch := &fakeChannel{gets: []scriptedGet{
		{delivery: rabbitDelivery(1, "bad"), ok: true},
		{delivery: rabbitDelivery(2, "good"), ok: true},
	}}
	r := newTestRabbitMQ(t, ch)

	var seen []string
	err := r.Consume(context.Background(), "orders",
		func(_ context.Context, payload string, _ map[string]any) (bool, error) {
			seen = append(seen, payload)
			if payload == "bad" {
				return true, errors.New("handler boom")
			}
			return true, nil
		}, fastOpts())
	require.NoError(t, err)

	// The failed delivery is nacked with requeue; only the good one is acked.
	assert.Equal(t, []string{"bad", "good"}, seen)
	assert.Equal(t, []uint64{1}, ch.nacked)
	assert.Equal(t, []bool{true}, ch.requeued)
	assert.Equal(t, []uint64{2}, ch.acked)
}

func TestRabbitMQ_Consume_StopSignalAcksThenExits(t *testing.T) {
	ch := &fakeChannel{gets: []scriptedGet{
		{delivery: rabbitDelivery(1, "m1"), ok: true},
		{delivery: rabbitDelivery(2, "m2"), ok: true},
	}}
	r := newTestRabbitMQ(t, ch)

	calls := 0
	err := r.Consume(context.Background(), "orders",
		func(context.Context, string, map[string]any) (bool, error) {
			calls++
			return false, nil
		}, fastOpts())
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, []uint64{1}, ch.acked)
	assert.False(t, r.running.Load())
}

func TestRabbitMQ_Consume_MissingTagSkipsHandler(t *testing.T) {
	ch := &fakeChannel{gets: []scriptedGet{
		{delivery: rabbitDelivery(0, "phantom"), ok: true},
		{delivery: rabbitDelivery(7, "real"), ok: true},
	}}
	r := newTestRabbitMQ(t, ch)

	var seen []string
	err := r.Consume(context.Background(), "orders",
		func(_ context.Context, payload string, _ map[string]any) (bool, error) {
			seen = append(seen, payload)
			return true, nil
		}, fastOpts())
	require.NoError(t, err)

	assert.Equal(t, []string{"real"}, seen)
	assert.Empty(t, ch.nacked)
	assert.Equal(t, []uint64{7}, ch.acked)
}

func TestRabbitMQ_Consume_EmptyPollLimitEndsSession(t *testing.T) {
	ch := &fakeChannel{}
	r := newTestRabbitMQ(t, ch)

	err := r.Consume(context.Background(), "orders",
		func(context.Context, string, map[string]any) (bool, error) { return true, nil },
		fastOpts(WithMaxEmptyPolls(3)))
	require.NoError(t, err)
	assert.Equal(t, 0, len(ch.acked))
}

func TestRabbitMQ_Consume_QueueAndBindingDefaults(t *testing.T) {
	ch := &fakeChannel{}
	r := newTestRabbitMQ(t, ch)

	require.NoError(t, r.Consume(context.Background(), "orders",
		func(context.Context, string, map[string]any) (bool, error) { return true, nil },
		fastOpts()))
	assert.Equal(t, []string{"orders"}, ch.queues)
	assert.Equal(t, [][2]string{{"orders", "orders"}}, ch.bindings)

	ch2 := &fakeChannel{}
	r2 := newTestRabbitMQ(t, ch2)
	require.NoError(t, r2.Consume(context.Background(), "orders",
		func(context.Context, string, map[string]any) (bool, error) { return true, nil },
		fastOpts(WithGroup("billing"), WithBindingKey("orders.*"), WithPrefetch(8))))
	assert.Equal(t, []string{"billing"}, ch2.queues)
	assert.Equal(t, [][2]string{{"billing", "orders.*"}}, ch2.bindings)
	assert.Equal(t, 8, ch2.qos)
}

func TestRabbitMQ_Consume_ContextCancelEndsSession(t *testing.T) {
	ch := &fakeChannel{}
	r := newTestRabbitMQ(t, ch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Consume(ctx, "orders",
		func(context.Context, string, map[string]any) (bool, error) { return true, nil },
		newConsumeOptions(WithBackoff(time.Millisecond)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRabbitMQ_DisconnectResetsState(t *testing.T) {
	ch := &fakeChannel{}
	r := newTestRabbitMQ(t, ch)
	require.NoError(t, r.Publish(context.Background(), "orders", "a", PublishOptions{}))

	require.NoError(t, r.Disconnect())
	assert.True(t, ch.closed)
	assert.False(t, r.Connected())
	assert.Empty(t, r.exchanges)
}
