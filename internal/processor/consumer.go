package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Adrian-Rewaj/invoices-poc/internal/logger"
	"github.com/Adrian-Rewaj/invoices-poc/internal/mailer"
	"github.com/Adrian-Rewaj/invoices-poc/internal/metrics"
	"github.com/Adrian-Rewaj/invoices-poc/internal/render"
	"github.com/Adrian-Rewaj/invoices-poc/internal/tracing"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("processor")

// ErrDeliveriesClosed 投递通道在 ctx 结束前被关闭，通常是连接断开
var ErrDeliveriesClosed = errors.New("投递通道已关闭")

// consumeLoop 在调用方 goroutine 中逐条读取投递。
// ctx 结束或通道关闭后取消订阅，等待 inflight 中的任务确认完毕再关闭通道。
func consumeLoop(ctx context.Context, sub Subscription, inflight *sync.WaitGroup, handle func(amqp.Delivery)) error {
	log := logger.FromContext(ctx)
	deliveries := sub.Deliveries()

	var loopErr error
loop:
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("收到停止信号，不再接收新消息")
			break loop
		case d, ok := <-deliveries:
			if !ok {
				loopErr = ErrDeliveriesClosed
				break loop
			}
			handle(d)
		}
	}

	if err := sub.Cancel(); err != nil {
		log.Warn().Err(err).Msg("取消消费者失败")
	}
	inflight.Wait()
	if err := sub.Close(); err != nil {
		log.Warn().Err(err).Msg("关闭消费者通道失败")
	}
	log.Info().Msg("消费者已停止")
	return loopErr
}

// startDelivery 为一条投递打开消费者 span，父 span 来自消息头
func startDelivery(parent context.Context, queue string, d amqp.Delivery) (context.Context, trace.Span) {
	ctx := tracing.ExtractAMQP(context.WithoutCancel(parent), d.Headers)
	return tracer.Start(ctx, "process "+queue, trace.WithSpanKind(trace.SpanKindConsumer))
}

// ack 确认投递并记录结果
func ack(ctx context.Context, span trace.Span, m *metrics.Pipeline, stage, queue string, d amqp.Delivery, outcome string, start time.Time) {
	tracing.RecordDelivery(span, queue, d.DeliveryTag, d.Redelivered, outcome)
	if err := d.Ack(false); err != nil {
		logger.FromContext(ctx).Error().Err(err).Uint64("delivery_tag", d.DeliveryTag).Msg("确认消息失败")
	}
	m.Observe(stage, outcome, time.Since(start))
}

// deadLetter 拒绝且不重新入队，消息经死信交换机进入 DLQ
func deadLetter(ctx context.Context, span trace.Span, m *metrics.Pipeline, stage, queue string, d amqp.Delivery, cause error, start time.Time) {
	log := logger.FromContext(ctx)
	log.Error().Err(cause).
		Uint64("delivery_tag", d.DeliveryTag).
		Bool("redelivered", d.Redelivered).
		Msg("处理失败，消息转入死信队列")

	tracing.RecordError(span, cause, errorType(cause))
	tracing.RecordDelivery(span, queue, d.DeliveryTag, d.Redelivered, metrics.OutcomeDeadLetter)
	if err := d.Reject(false); err != nil {
		log.Error().Err(err).Uint64("delivery_tag", d.DeliveryTag).Msg("拒绝消息失败")
	}
	m.Observe(stage, metrics.OutcomeDeadLetter, time.Since(start))
}

func errorType(err error) tracing.ErrorType {
	switch {
	case errors.Is(err, render.ErrRenderTimeout), errors.Is(err, mailer.ErrSendTimeout):
		return tracing.ErrorTypeTimeout
	case errors.Is(err, ErrBadPayload):
		return tracing.ErrorTypeValidation
	case errors.Is(err, ErrRenderFailed):
		return tracing.ErrorTypeRender
	case errors.Is(err, ErrStorePDF), errors.Is(err, ErrLoadPDF):
		return tracing.ErrorTypeStorage
	case errors.Is(err, ErrUpdateInvoice):
		return tracing.ErrorTypeDB
	case errors.Is(err, ErrPublishSend):
		return tracing.ErrorTypeRabbitMQ
	case errors.Is(err, ErrSendMail), errors.Is(err, mailer.ErrRejected), errors.Is(err, mailer.ErrTransport):
		return tracing.ErrorTypeMail
	default:
		return tracing.ErrorTypeInternal
	}
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
