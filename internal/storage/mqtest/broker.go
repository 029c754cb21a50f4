// Package mqtest 提供内存中的消息代理，按 RabbitMQ 的确认语义模拟
// 队列、prefetch、重新入队与死信，供消费者测试使用。
package mqtest

import (
	"context"
	"sync"
	"time"

	"github.com/Adrian-Rewaj/invoices-poc/internal/config"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Message 队列中的一条消息
type Message struct {
	Exchange    string
	RoutingKey  string
	Body        []byte
	Headers     amqp.Table
	Persistent  bool
	Redelivered bool
}

// Broker 内存代理。消息按路由键投递到同名队列，被拒绝且不重新入队的消息进入 <queue>.dlq。
type Broker struct {
	mu      sync.Mutex
	queues  map[string][]Message
	subs    map[string][]*Subscription
	getters map[string]*Subscription

	// PublishErr 非空时 PublishMessage 直接返回该错误
	PublishErr error
}

// NewBroker 创建空代理
func NewBroker() *Broker {
	return &Broker{
		queues:  make(map[string][]Message),
		subs:    make(map[string][]*Subscription),
		getters: make(map[string]*Subscription),
	}
}

// PublishMessage 与 storage.RabbitMQ 签名一致
func (b *Broker) PublishMessage(_ context.Context, exchangeName, routingKey string, message []byte, persistent bool) error {
	b.mu.Lock()
	err := b.PublishErr
	b.mu.Unlock()
	if err != nil {
		return err
	}
	b.Publish(routingKey, Message{
		Exchange:   exchangeName,
		RoutingKey: routingKey,
		Body:       append([]byte(nil), message...),
		Persistent: persistent,
	})
	return nil
}

// Publish 把消息追加到队列尾部
func (b *Broker) Publish(queue string, m Message) {
	b.mu.Lock()
	b.queues[queue] = append(b.queues[queue], m)
	subs := append([]*Subscription(nil), b.subs[queue]...)
	b.mu.Unlock()
	for _, s := range subs {
		s.notify()
	}
}

// Messages 队列中等待投递的消息快照
func (b *Broker) Messages(queue string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.queues[queue]...)
}

// Len 队列中等待投递的消息数
func (b *Broker) Len(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

// WaitFor 等待队列中至少有 n 条消息，超时返回 false
func (b *Broker) WaitFor(queue string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b.Len(queue) >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return b.Len(queue) >= n
}

// Get 与 basic.get 相同：取出队首一条消息，autoAck 为 false 时需要确认
func (b *Broker) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[queue]
	if len(q) == 0 {
		return amqp.Delivery{}, false, nil
	}
	m := q[0]
	b.queues[queue] = q[1:]

	g, ok := b.getters[queue]
	if !ok {
		g = &Subscription{broker: b, queue: queue, unacked: make(map[uint64]Message), wake: make(chan struct{}, 1)}
		b.getters[queue] = g
	}
	d := g.track(m)
	if autoAck {
		delete(g.unacked, d.DeliveryTag)
		d.Acknowledger = nil
	}
	return d, true, nil
}

// Close 与 storage.Channel 签名一致，内存代理无需关闭
func (b *Broker) Close() error { return nil }

// Subscribe 以手动确认模式消费队列，最多持有 prefetch 条未确认消息
func (b *Broker) Subscribe(queue string, prefetch int) *Subscription {
	if prefetch < 1 {
		prefetch = 1
	}
	s := &Subscription{
		broker:   b,
		queue:    queue,
		prefetch: prefetch,
		out:      make(chan amqp.Delivery),
		unacked:  make(map[uint64]Message),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[queue] = append(b.subs[queue], s)
	b.mu.Unlock()
	go s.pump()
	return s
}

func deadLetterHeaders(m Message, queue string) amqp.Table {
	headers := amqp.Table{}
	for k, v := range m.Headers {
		headers[k] = v
	}
	headers["x-death"] = []interface{}{amqp.Table{
		"queue":        queue,
		"reason":       "rejected",
		"count":        int64(1),
		"exchange":     m.Exchange,
		"routing-keys": []interface{}{m.RoutingKey},
	}}
	return headers
}

// Subscription 一个消费者。实现 amqp.Acknowledger，投递上的 Ack/Reject 回到这里。
type Subscription struct {
	broker   *Broker
	queue    string
	prefetch int

	out     chan amqp.Delivery
	unacked map[uint64]Message // 受 broker.mu 保护
	tag     uint64
	closed  bool

	wake       chan struct{}
	stop       chan struct{}
	cancelOnce sync.Once
	closeOnce  sync.Once
}

// Deliveries 投递通道，Cancel 后关闭
func (s *Subscription) Deliveries() <-chan amqp.Delivery { return s.out }

// Queue 消费的队列名
func (s *Subscription) Queue() string { return s.queue }

// Unacked 已投递但未确认的消息数
func (s *Subscription) Unacked() int {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return len(s.unacked)
}

// Cancel 停止投递新消息，已投递的消息仍可确认
func (s *Subscription) Cancel() error {
	s.cancelOnce.Do(func() { close(s.stop) })
	return nil
}

// Close 未确认的消息重新入队并标记为 redelivered
func (s *Subscription) Close() error {
	s.Cancel()
	s.closeOnce.Do(func() {
		b := s.broker
		b.mu.Lock()
		s.closed = true
		for tag, m := range s.unacked {
			m.Redelivered = true
			b.queues[s.queue] = append(b.queues[s.queue], m)
			delete(s.unacked, tag)
		}
		b.mu.Unlock()
	})
	return nil
}

func (s *Subscription) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	b := s.broker
	for {
		var (
			d     amqp.Delivery
			ready bool
		)
		b.mu.Lock()
		if q := b.queues[s.queue]; len(q) > 0 && len(s.unacked) < s.prefetch {
			m := q[0]
			b.queues[s.queue] = q[1:]
			d = s.track(m)
			ready = true
		}
		b.mu.Unlock()

		if ready {
			select {
			case s.out <- d:
				continue
			case <-s.stop:
				// 没有交给消费者的消息放回队首
				b.mu.Lock()
				m := s.unacked[d.DeliveryTag]
				delete(s.unacked, d.DeliveryTag)
				b.queues[s.queue] = append([]Message{m}, b.queues[s.queue]...)
				b.mu.Unlock()
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.stop:
			return
		}
	}
}

// track 登记一条未确认消息，调用方持有 broker.mu
func (s *Subscription) track(m Message) amqp.Delivery {
	s.tag++
	s.unacked[s.tag] = m
	d := amqp.Delivery{
		Acknowledger: s,
		DeliveryTag:  s.tag,
		Exchange:     m.Exchange,
		RoutingKey:   m.RoutingKey,
		Body:         m.Body,
		Headers:      m.Headers,
		Redelivered:  m.Redelivered,
	}
	if m.Persistent {
		d.DeliveryMode = amqp.Persistent
	}
	return d
}

func (s *Subscription) settle(tag uint64, fn func(m Message)) error {
	b := s.broker
	b.mu.Lock()
	if s.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	m, ok := s.unacked[tag]
	if !ok {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	delete(s.unacked, tag)
	b.mu.Unlock()

	if fn != nil {
		fn(m)
	}
	s.notify()
	return nil
}

// Ack 实现 amqp.Acknowledger
func (s *Subscription) Ack(tag uint64, _ bool) error {
	return s.settle(tag, nil)
}

// Nack 实现 amqp.Acknowledger
func (s *Subscription) Nack(tag uint64, _ bool, requeue bool) error {
	return s.Reject(tag, requeue)
}

// Reject 实现 amqp.Acknowledger。requeue 时放回队尾，否则进入死信队列。
func (s *Subscription) Reject(tag uint64, requeue bool) error {
	return s.settle(tag, func(m Message) {
		if requeue {
			m.Redelivered = true
			s.broker.Publish(s.queue, m)
			return
		}
		dead := m
		dead.Headers = deadLetterHeaders(m, s.queue)
		dead.Redelivered = false
		s.broker.Publish(config.DLQName(s.queue), dead)
	})
}
