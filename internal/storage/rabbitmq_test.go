package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type declaredQueue struct {
	durable bool
	args    amqp.Table
}

type binding struct {
	queue, key, exchange string
}

// fakeChannel 记录拓扑声明和发布，模拟 broker 对冲突声明的 406 响应
type fakeChannel struct {
	mu        sync.Mutex
	broker    *fakeBroker
	closed    bool
	qos       int
	consumed  []string
	cancelled []string
	published []amqp.Publishing
	keys      []string
	failNext  error
	confirm   bool
}

type fakeBroker struct {
	mu        sync.Mutex
	exchanges map[string]string
	queues    map[string]declaredQueue
	bindings  []binding
	channels  []*fakeChannel
	openErr   error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{exchanges: map[string]string{}, queues: map[string]declaredQueue{}}
}

func (b *fakeBroker) open() (Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	ch := &fakeChannel{broker: b}
	b.channels = append(b.channels, ch)
	return ch, nil
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if prev, ok := c.broker.exchanges[name]; ok && prev != kind {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "inequivalent arg 'type'"}
	}
	c.broker.exchanges[name] = kind
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if prev, ok := c.broker.queues[name]; ok && tableFingerprint(prev.args) != tableFingerprint(args) {
		return amqp.Queue{}, &amqp.Error{Code: amqp.PreconditionFailed, Reason: "inequivalent arg 'x-dead-letter-exchange'"}
	}
	c.broker.queues[name] = declaredQueue{durable: durable, args: args}
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.bindings = append(c.broker.bindings, binding{queue: name, key: key, exchange: exchange})
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.qos = prefetchCount
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.consumed = append(c.consumed, queue)
	return make(chan amqp.Delivery), nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, consumer)
	return nil
}

func (c *fakeChannel) Confirm(noWait bool) error {
	c.confirm = true
	return nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext != nil {
		err := c.failNext
		c.failNext = nil
		return err
	}
	c.published = append(c.published, msg)
	c.keys = append(c.keys, exchange+"/"+key)
	return nil
}

func (c *fakeChannel) PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	return nil, errors.New("confirms not supported by fake")
}

func (c *fakeChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	return amqp.Delivery{}, false, nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestDeclareTopologyWiresDeadLettering(t *testing.T) {
	broker := newFakeBroker()
	mq := NewRabbitMQWithChannels(broker.open, false)

	require.NoError(t, mq.DeclareTopology("invoices", "invoice.created", "invoices.dlx", "invoice.created.dlq"))

	assert.Equal(t, amqp.ExchangeTopic, broker.exchanges["invoices"])
	assert.Equal(t, amqp.ExchangeTopic, broker.exchanges["invoices.dlx"])

	mainQ := broker.queues["invoice.created"]
	assert.True(t, mainQ.durable)
	assert.Equal(t, "invoices.dlx", mainQ.args["x-dead-letter-exchange"])
	assert.Equal(t, "invoice.created.dlq", mainQ.args["x-dead-letter-routing-key"])

	dlq := broker.queues["invoice.created.dlq"]
	assert.True(t, dlq.durable)
	assert.Empty(t, dlq.args)

	assert.ElementsMatch(t, []binding{
		{queue: "invoice.created.dlq", key: "invoice.created.dlq", exchange: "invoices.dlx"},
		{queue: "invoice.created", key: "invoice.created", exchange: "invoices"},
	}, broker.bindings)

	for _, ch := range broker.channels {
		assert.True(t, ch.closed, "拓扑通道用完即关闭")
	}
}

func TestDeclareTopologyIsIdempotent(t *testing.T) {
	broker := newFakeBroker()
	mq := NewRabbitMQWithChannels(broker.open, false)

	require.NoError(t, mq.DeclareTopology("invoices", "invoice.send", "invoices.dlx", "invoice.send.dlq"))
	require.NoError(t, mq.DeclareTopology("invoices", "invoice.send", "invoices.dlx", "invoice.send.dlq"))
	assert.Len(t, broker.bindings, 2, "相同参数的重复声明不产生新的绑定")

	// 另一个进程实例（新的本地缓存）向同一个 broker 声明相同拓扑也应成功
	other := NewRabbitMQWithChannels(broker.open, false)
	require.NoError(t, other.DeclareTopology("invoices", "invoice.send", "invoices.dlx", "invoice.send.dlq"))
}

func TestDeclareTopologyConflict(t *testing.T) {
	broker := newFakeBroker()
	mq := NewRabbitMQWithChannels(broker.open, false)
	require.NoError(t, mq.DeclareTopology("invoices", "invoice.send", "invoices.dlx", "invoice.send.dlq"))

	// 同一进程内死信目标改变
	err := mq.DeclareTopology("invoices", "invoice.send", "other.dlx", "invoice.send.dlq")
	assert.ErrorIs(t, err, ErrTopologyConflict)

	// broker 上已有不同参数的队列
	fresh := NewRabbitMQWithChannels(broker.open, false)
	err = fresh.DeclareTopology("invoices", "invoice.send", "invoices.dlx", "invoice.send.dead")
	assert.ErrorIs(t, err, ErrTopologyConflict)
}

func TestDeclareTopologyRejectsEmptyNames(t *testing.T) {
	mq := NewRabbitMQWithChannels(newFakeBroker().open, false)
	assert.Error(t, mq.DeclareTopology("", "q", "dlx", "dlq"))
	assert.Error(t, mq.DeclareTopology("default", "q", "dlx", "q.dlq"))
}

func TestSetPrefetch(t *testing.T) {
	ch := &fakeChannel{}
	require.NoError(t, SetPrefetch(ch, 3))
	assert.Equal(t, 3, ch.qos)
	assert.ErrorIs(t, SetPrefetch(ch, 0), ErrInvalidPrefetch)
}

func TestConsumeSetsPrefetchAndCancelsOnContextDone(t *testing.T) {
	broker := newFakeBroker()
	mq := NewRabbitMQWithChannels(broker.open, false)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := mq.Consume(ctx, "invoice.created", 3)
	require.NoError(t, err)
	require.Len(t, broker.channels, 1)
	ch := broker.channels[0]
	assert.Equal(t, 3, ch.qos)
	assert.Equal(t, []string{"invoice.created"}, ch.consumed)
	assert.Equal(t, "invoice.created", sub.Queue())

	cancel()
	assert.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return len(ch.cancelled) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close(), "重复关闭无副作用")
	assert.True(t, ch.closed)
}

func TestPublishMessagePersistent(t *testing.T) {
	broker := newFakeBroker()
	mq := NewRabbitMQWithChannels(broker.open, false)

	require.NoError(t, mq.PublishJSON(context.Background(), "invoices", "invoice.send", map[string]any{"invoiceId": 1}, true))
	require.NoError(t, mq.PublishMessage(context.Background(), "invoices", "invoice.send", []byte(`{}`), false))

	require.Len(t, broker.channels, 1, "发布通道复用")
	ch := broker.channels[0]
	require.Len(t, ch.published, 2)
	assert.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)
	assert.Equal(t, amqp.Transient, ch.published[1].DeliveryMode)
	assert.Equal(t, "application/json", ch.published[0].ContentType)
	assert.JSONEq(t, `{"invoiceId":1}`, string(ch.published[0].Body))
	assert.NotEmpty(t, ch.published[0].MessageId)
	assert.Equal(t, []string{"invoices/invoice.send", "invoices/invoice.send"}, ch.keys)
}

func TestPublishFailureSurfacesAndReopensChannel(t *testing.T) {
	broker := newFakeBroker()
	mq := NewRabbitMQWithChannels(broker.open, false)
	require.NoError(t, mq.PublishMessage(context.Background(), "invoices", "k", []byte(`1`), true))

	broker.channels[0].failNext = amqp.ErrClosed
	err := mq.PublishMessage(context.Background(), "invoices", "k", []byte(`2`), true)
	require.ErrorIs(t, err, amqp.ErrClosed)
	assert.True(t, broker.channels[0].closed)

	require.NoError(t, mq.PublishMessage(context.Background(), "invoices", "k", []byte(`3`), true))
	require.Len(t, broker.channels, 2)
	assert.Len(t, broker.channels[1].published, 1)
}

func TestPublishWithoutChannel(t *testing.T) {
	broker := newFakeBroker()
	broker.openErr = errors.New("connection closed")
	mq := NewRabbitMQWithChannels(broker.open, false)
	assert.Error(t, mq.PublishMessage(context.Background(), "invoices", "k", nil, true))
	assert.NoError(t, mq.Close())
}
