package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Adrian-Rewaj/invoices-poc/internal/config"
	"github.com/Adrian-Rewaj/invoices-poc/internal/logger"
	"github.com/Adrian-Rewaj/invoices-poc/internal/tracing"

	"github.com/gofrs/uuid/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
)

var (
	// ErrTopologyConflict 以不同参数重复声明同名交换机或队列
	ErrTopologyConflict = errors.New("conflicting topology declaration")
	// ErrPublishNacked broker 拒绝确认一条发布的消息
	ErrPublishNacked = errors.New("publish not confirmed by broker")
	// ErrInvalidPrefetch prefetch 必须大于 0
	ErrInvalidPrefetch = errors.New("prefetch must be positive")
)

var mqTracer = otel.Tracer("invoices-poc/storage/rabbitmq")

// Channel 是本包用到的 *amqp.Channel 方法子集，测试中可以替换为假实现
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Confirm(noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

// MessageQueue 流水线使用的消息总线接口
type MessageQueue interface {
	// 声明主交换机、死信交换机、死信队列和主队列
	DeclareTopology(exchangeName, queueName, dlxName, dlqName string) error

	// 以给定 prefetch 开始消费队列
	Consume(ctx context.Context, queueName string, prefetch int) (*Subscription, error)

	// 发布消息
	PublishMessage(ctx context.Context, exchangeName, routingKey string, message []byte, persistent bool) error

	// 发布JSON格式消息
	PublishJSON(ctx context.Context, exchangeName, routingKey string, data interface{}, persistent bool) error

	// 关闭连接
	Close() error
}

var _ MessageQueue = (*RabbitMQ)(nil)

// RabbitMQ 进程级的 broker 客户端：启动时 connect 一次，退出时 Close。
// 拓扑声明各用一个短期通道，发布共用一个受锁保护的长期通道，每个消费者独占一个通道。
type RabbitMQ struct {
	conn        *amqp.Connection
	openChannel func() (Channel, error)

	declMu   sync.Mutex
	declared map[string]string // "exchange:name" / "queue:name" / "binding:..." -> 参数指纹

	publishMutex   sync.Mutex
	publishCh      Channel
	confirms       bool
	confirmTimeout time.Duration
}

// NewRabbitMQ 连接 broker。连接失败直接返回错误，由调用方决定退出进程。
func NewRabbitMQ(cfg *config.RabbitMQConfig) (*RabbitMQ, error) {
	if cfg == nil {
		return nil, fmt.Errorf("RabbitMQ配置不能为空")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("RabbitMQ URL配置不能为空")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("无法连接到RabbitMQ服务器: %w", err)
	}

	mq := newRabbitMQ(func() (Channel, error) { return conn.Channel() }, cfg.PublisherConfirms)
	mq.conn = conn

	// 测试通道是否可用
	ch, err := mq.openChannel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("无法创建RabbitMQ通道: %w", err)
	}
	ch.Close()

	logger.Info().Str("vhost", conn.Config.Vhost).Msg("成功连接到RabbitMQ服务器")
	return mq, nil
}

// NewRabbitMQWithChannels 使用自定义的通道工厂构造客户端，主要用于测试
func NewRabbitMQWithChannels(open func() (Channel, error), publisherConfirms bool) *RabbitMQ {
	return newRabbitMQ(open, publisherConfirms)
}

func newRabbitMQ(open func() (Channel, error), confirms bool) *RabbitMQ {
	return &RabbitMQ{
		openChannel:    open,
		declared:       make(map[string]string),
		confirms:       confirms,
		confirmTimeout: 5 * time.Second,
	}
}

// OpenChannel 打开一个新通道，调用方负责关闭
func (r *RabbitMQ) OpenChannel() (Channel, error) {
	return r.openChannel()
}

// NotifyClose 返回连接关闭通知。测试构造的客户端没有连接，返回 nil。
func (r *RabbitMQ) NotifyClose() <-chan *amqp.Error {
	if r.conn == nil {
		return nil
	}
	return r.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Close 关闭发布通道和连接
func (r *RabbitMQ) Close() error {
	var err error
	r.publishMutex.Lock()
	if r.publishCh != nil {
		err = multierr.Append(err, r.publishCh.Close())
		r.publishCh = nil
	}
	r.publishMutex.Unlock()
	if r.conn != nil && !r.conn.IsClosed() {
		err = multierr.Append(err, r.conn.Close())
	}
	return err
}

// DeclareTopology 幂等地声明一条流水线所需的拓扑：
// 持久 topic 主交换机、持久 topic 死信交换机、以自身名字绑定到死信交换机的死信队列，
// 以及以自身名字绑定到主交换机、死信策略指向 dlx/dlq 的主队列。
func (r *RabbitMQ) DeclareTopology(exchangeName, queueName, dlxName, dlqName string) error {
	for _, name := range []string{exchangeName, queueName, dlxName, dlqName} {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("拓扑名称不能为空")
		}
	}

	ch, err := r.openChannel()
	if err != nil {
		return fmt.Errorf("无法获取RabbitMQ通道: %w", err)
	}
	// 声明冲突时 broker 会关闭该通道，所以拓扑通道不复用
	defer ch.Close()

	if err := r.ensureExchange(ch, exchangeName); err != nil {
		return err
	}
	if err := r.ensureExchange(ch, dlxName); err != nil {
		return err
	}
	if err := r.ensureQueue(ch, dlqName, nil); err != nil {
		return err
	}
	if err := r.bindQueue(ch, dlqName, dlxName, dlqName); err != nil {
		return err
	}
	if err := r.ensureQueue(ch, queueName, amqp.Table{
		"x-dead-letter-exchange":    dlxName,
		"x-dead-letter-routing-key": dlqName,
	}); err != nil {
		return err
	}
	if err := r.bindQueue(ch, queueName, exchangeName, queueName); err != nil {
		return err
	}

	logger.Info().
		Str("exchange", exchangeName).
		Str("queue", queueName).
		Str("dlx", dlxName).
		Str("dlq", dlqName).
		Msg("已确保拓扑存在")
	return nil
}

// remember 记录一次声明。相同参数返回 false（跳过），不同参数返回冲突错误。
func (r *RabbitMQ) remember(key, fingerprint string) (bool, error) {
	r.declMu.Lock()
	defer r.declMu.Unlock()
	if prev, ok := r.declared[key]; ok {
		if prev == fingerprint {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s 已以 [%s] 声明，现为 [%s]", ErrTopologyConflict, key, prev, fingerprint)
	}
	return true, nil
}

func (r *RabbitMQ) commit(key, fingerprint string) {
	r.declMu.Lock()
	r.declared[key] = fingerprint
	r.declMu.Unlock()
}

func (r *RabbitMQ) ensureExchange(ch Channel, name string) error {
	if name == "amq.default" || name == "default" {
		return fmt.Errorf("不能声明默认交换机 '%s'", name)
	}
	key, fp := "exchange:"+name, "topic,durable"
	fresh, err := r.remember(key, fp)
	if err != nil || !fresh {
		return err
	}
	if err := ch.ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return wrapDeclareError("声明exchange", name, err)
	}
	r.commit(key, fp)
	return nil
}

func (r *RabbitMQ) ensureQueue(ch Channel, name string, args amqp.Table) error {
	key, fp := "queue:"+name, "durable"+tableFingerprint(args)
	fresh, err := r.remember(key, fp)
	if err != nil || !fresh {
		return err
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return wrapDeclareError("声明队列", name, err)
	}
	r.commit(key, fp)
	return nil
}

func (r *RabbitMQ) bindQueue(ch Channel, queueName, exchangeName, routingKey string) error {
	key := fmt.Sprintf("binding:%s:%s:%s", exchangeName, queueName, routingKey)
	fresh, err := r.remember(key, "")
	if err != nil || !fresh {
		return err
	}
	if err := ch.QueueBind(queueName, routingKey, exchangeName, false, nil); err != nil {
		return fmt.Errorf("绑定队列 %s 到exchange %s 失败: %w", queueName, exchangeName, err)
	}
	r.commit(key, "")
	return nil
}

func tableFingerprint(args amqp.Table) string {
	if len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, ",%s=%v", k, args[k])
	}
	return b.String()
}

func wrapDeclareError(op, name string, err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		return fmt.Errorf("%s '%s' 失败: %w: %v", op, name, ErrTopologyConflict, err)
	}
	return fmt.Errorf("%s '%s' 失败: %w", op, name, err)
}

// Qoser 只需要 Qos 方法的通道
type Qoser interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
}

// SetPrefetch 限制该通道上未确认投递的数量，这是 broker 积压时的背压手段
func SetPrefetch(ch Qoser, n int) error {
	if n < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidPrefetch, n)
	}
	if err := ch.Qos(n, 0, false); err != nil {
		return fmt.Errorf("设置QoS失败: %w", err)
	}
	return nil
}

// Subscription 一个消费者独占的通道。
// Cancel 只停止接收新投递，已收到的投递仍可在 Close 之前确认。
type Subscription struct {
	ch         Channel
	tag        string
	queue      string
	deliveries <-chan amqp.Delivery
	cancelOnce sync.Once
	closeOnce  sync.Once
}

// Deliveries 投递通道，Cancel 或连接断开后会被关闭
func (s *Subscription) Deliveries() <-chan amqp.Delivery { return s.deliveries }

// Queue 消费的队列名
func (s *Subscription) Queue() string { return s.queue }

// Cancel 通知 broker 停止向该消费者投递
func (s *Subscription) Cancel() error {
	var err error
	s.cancelOnce.Do(func() {
		err = s.ch.Cancel(s.tag, false)
	})
	return err
}

// Close 关闭消费者通道，未确认的投递会由 broker 重新入队
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ch.Close()
	})
	return err
}

// Consume 打开独立通道，设置 prefetch 并以手动确认模式开始消费。
// ctx 结束时自动 Cancel。
func (r *RabbitMQ) Consume(ctx context.Context, queueName string, prefetch int) (*Subscription, error) {
	ch, err := r.openChannel()
	if err != nil {
		return nil, fmt.Errorf("无法获取RabbitMQ通道: %w", err)
	}
	if err := SetPrefetch(ch, prefetch); err != nil {
		ch.Close()
		return nil, err
	}

	tag := fmt.Sprintf("%s-%s", queueName, newMessageID())
	deliveries, err := ch.Consume(queueName, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("注册消费者失败: %w", err)
	}

	sub := &Subscription{ch: ch, tag: tag, queue: queueName, deliveries: deliveries}
	go func() {
		<-ctx.Done()
		if err := sub.Cancel(); err != nil {
			logger.Debug().Err(err).Str("queue", queueName).Msg("取消消费者失败")
		}
	}()

	logger.Info().Str("queue", queueName).Int("prefetch", prefetch).Msg("RabbitMQ消费者已启动")
	return sub, nil
}

// PublishMessage 发布一条消息。persistent 时 DeliveryMode=2。
// 失败会记录日志并返回给调用方；发布通道出错后丢弃，下次发布重新打开。
func (r *RabbitMQ) PublishMessage(ctx context.Context, exchangeName, routingKey string, message []byte, persistent bool) error {
	messageID := newMessageID()
	ctx, span := mqTracer.Start(ctx, "publish "+routingKey,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", exchangeName),
			attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
			attribute.String("messaging.message_id", messageID),
		))
	defer span.End()

	deliveryMode := amqp.Transient
	if persistent {
		deliveryMode = amqp.Persistent
	}
	msg := amqp.Publishing{
		Headers:      tracing.InjectAMQP(ctx, nil),
		DeliveryMode: deliveryMode,
		ContentType:  "application/json",
		MessageId:    messageID,
		Timestamp:    time.Now(),
		Body:         message,
	}

	r.publishMutex.Lock()
	defer r.publishMutex.Unlock()

	ch, err := r.publishChannel()
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRabbitMQ)
		logger.Error().Err(err).Str("routing_key", routingKey).Msg("发布消息失败: 无可用通道")
		return err
	}

	if !r.confirms {
		if err := ch.PublishWithContext(ctx, exchangeName, routingKey, false, false, msg); err != nil {
			r.dropPublishChannel()
			tracing.RecordError(span, err, tracing.ErrorTypeRabbitMQ)
			logger.Error().Err(err).Str("routing_key", routingKey).Msg("发布消息失败")
			return fmt.Errorf("发布消息到 %s/%s 失败: %w", exchangeName, routingKey, err)
		}
		return nil
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchangeName, routingKey, false, false, msg)
	if err != nil {
		r.dropPublishChannel()
		tracing.RecordError(span, err, tracing.ErrorTypeRabbitMQ)
		logger.Error().Err(err).Str("routing_key", routingKey).Msg("发布消息失败")
		return fmt.Errorf("发布消息到 %s/%s 失败: %w", exchangeName, routingKey, err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, r.confirmTimeout)
	defer cancel()
	acked, err := dc.WaitContext(waitCtx)
	if err != nil {
		tracing.RecordPublishFailure(span, messageID, tracing.PublishTimeout, "确认超时 "+r.confirmTimeout.String())
		logger.Error().Err(err).Str("routing_key", routingKey).Msg("等待发布确认超时")
		return fmt.Errorf("等待发布确认失败: %w", err)
	}
	if !acked {
		tracing.RecordPublishFailure(span, messageID, tracing.PublishNacked, "")
		logger.Error().Str("routing_key", routingKey).Str("message_id", messageID).Msg("broker 拒绝了消息")
		return fmt.Errorf("%w: %s", ErrPublishNacked, messageID)
	}
	return nil
}

// PublishJSON 发布JSON格式的消息
func (r *RabbitMQ) PublishJSON(ctx context.Context, exchangeName, routingKey string, data interface{}, persistent bool) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("JSON序列化失败: %w", err)
	}
	return r.PublishMessage(ctx, exchangeName, routingKey, jsonData, persistent)
}

// publishChannel 调用方需持有 publishMutex
func (r *RabbitMQ) publishChannel() (Channel, error) {
	if r.publishCh != nil {
		return r.publishCh, nil
	}
	ch, err := r.openChannel()
	if err != nil {
		return nil, fmt.Errorf("无法获取RabbitMQ通道: %w", err)
	}
	if r.confirms {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("开启发布确认失败: %w", err)
		}
	}
	r.publishCh = ch
	return ch, nil
}

func (r *RabbitMQ) dropPublishChannel() {
	if r.publishCh != nil {
		r.publishCh.Close()
		r.publishCh = nil
	}
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return id.String()
}
