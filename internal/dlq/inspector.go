// Package dlq 死信队列的查看与重放。重放只由运维手动触发。
package dlq

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Adrian-Rewaj/invoices-poc/internal/logger"
	"github.com/Adrian-Rewaj/invoices-poc/internal/types"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
)

// ErrNoRoutingKey 无法确定消息原来的路由键
var ErrNoRoutingKey = errors.New("无法确定原始路由键")

// Getter basic.get，storage.Channel 满足该接口
type Getter interface {
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
}

// Publisher 重放使用的发布接口，需要在返回前得到 broker 确认
type Publisher interface {
	PublishMessage(ctx context.Context, exchangeName, routingKey string, message []byte, persistent bool) error
}

// Summary 一条死信的概要
type Summary struct {
	InvoiceID   *int64
	Invoice     string // 发票号，没有时为空
	RoutingKey  string // 原始路由键
	SourceQueue string
	Reason      string
	DeathCount  int64
	Redelivered bool
	Body        []byte
}

// Inspector 查看与重放死信
type Inspector struct {
	ch        Getter
	publisher Publisher
	exchange  string
}

// NewInspector exchange 为重放目标交换机
func NewInspector(ch Getter, publisher Publisher, exchange string) *Inspector {
	return &Inspector{ch: ch, publisher: publisher, exchange: exchange}
}

// Peek 读取最多 limit 条死信后全部放回队列，不改变队列内容
func (i *Inspector) Peek(queue string, limit int) ([]Summary, error) {
	var (
		held []amqp.Delivery
		out  []Summary
	)
	for len(held) < limit {
		d, ok, err := i.ch.Get(queue, false)
		if err != nil {
			return out, multierr.Append(fmt.Errorf("读取死信失败: %w", err), requeueAll(held))
		}
		if !ok {
			break
		}
		held = append(held, d)
		out = append(out, Summarize(d))
	}
	// 持有期间 broker 不会重复返回同一条消息
	return out, requeueAll(held)
}

// Replay 把最多 limit 条死信按原路由键发回主交换机。
// 发布确认后才从死信队列确认删除，发布失败的消息放回死信队列并停止。
func (i *Inspector) Replay(ctx context.Context, queue string, limit int) (int, error) {
	log := logger.Component("dlq").With().Str("queue", queue).Logger()
	replayed := 0
	for replayed < limit {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		d, ok, err := i.ch.Get(queue, false)
		if err != nil {
			return replayed, fmt.Errorf("读取死信失败: %w", err)
		}
		if !ok {
			break
		}

		key := OriginalRoutingKey(d, queue)
		if key == "" {
			return replayed, multierr.Append(ErrNoRoutingKey, d.Nack(false, true))
		}
		if err := i.publisher.PublishMessage(ctx, i.exchange, key, d.Body, true); err != nil {
			return replayed, multierr.Append(fmt.Errorf("重放到 %s 失败: %w", key, err), d.Nack(false, true))
		}
		if err := d.Ack(false); err != nil {
			// 已经重新发布，死信可能在通道恢复后再次出现
			log.Warn().Err(err).Str("routing_key", key).Msg("确认死信失败")
			return replayed + 1, fmt.Errorf("确认死信失败: %w", err)
		}
		replayed++
		log.Info().Str("routing_key", key).Msg("死信已重放")
	}
	return replayed, nil
}

// Summarize 解析消息体与 x-death 头
func Summarize(d amqp.Delivery) Summary {
	s := Summary{Body: d.Body, Redelivered: d.Redelivered}
	if ev, err := types.DecodeCreatedEvent(d.Body); err == nil {
		if id, err := ev.ResolveInvoiceID(); err == nil {
			s.InvoiceID = &id
		}
		s.Invoice = ev.InvoiceNumber
	}
	if death, ok := firstDeath(d.Headers); ok {
		s.SourceQueue, _ = death["queue"].(string)
		s.Reason, _ = death["reason"].(string)
		s.DeathCount = toInt64(death["count"])
		s.RoutingKey = firstRoutingKey(death)
	}
	return s
}

// OriginalRoutingKey 优先取 x-death 中的路由键，否则从 <queue>.dlq 推出主队列名
func OriginalRoutingKey(d amqp.Delivery, dlqName string) string {
	if death, ok := firstDeath(d.Headers); ok {
		if key := firstRoutingKey(death); key != "" {
			return key
		}
		if q, _ := death["queue"].(string); q != "" {
			return q
		}
	}
	if base, ok := strings.CutSuffix(dlqName, ".dlq"); ok && base != "" {
		return base
	}
	return ""
}

func firstDeath(headers amqp.Table) (amqp.Table, bool) {
	deaths, ok := headers["x-death"].([]interface{})
	if !ok || len(deaths) == 0 {
		return nil, false
	}
	death, ok := deaths[0].(amqp.Table)
	return death, ok
}

func firstRoutingKey(death amqp.Table) string {
	keys, _ := death["routing-keys"].([]interface{})
	for _, k := range keys {
		if s, ok := k.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

func requeueAll(held []amqp.Delivery) error {
	var err error
	for _, d := range held {
		err = multierr.Append(err, d.Nack(false, true))
	}
	return err
}
