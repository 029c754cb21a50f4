package processor

import (
	"context"
	"sync"
	"time"

	"github.com/Adrian-Rewaj/invoices-poc/internal/config"
	"github.com/Adrian-Rewaj/invoices-poc/internal/logger"
	"github.com/Adrian-Rewaj/invoices-poc/internal/mailer"
	"github.com/Adrian-Rewaj/invoices-poc/internal/metrics"
	"github.com/Adrian-Rewaj/invoices-poc/internal/storage"
	"github.com/Adrian-Rewaj/invoices-poc/internal/storage/models"
	"github.com/Adrian-Rewaj/invoices-poc/internal/tracing"
	"github.com/Adrian-Rewaj/invoices-poc/internal/types"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SendSettings invoice.send 消费者的设置
type SendSettings struct {
	FallbackTo  string        // 客户没有邮箱时的收件人
	PayURLBase  string        // 支付链接前缀，后接 payToken
	SendTimeout time.Duration // 0 表示不限时
}

// SendSettingsFromConfig 从全局配置取出 Stage 2 设置
func SendSettingsFromConfig(cfg *config.Config) SendSettings {
	return SendSettings{
		FallbackTo:  cfg.SMTP.FallbackTo,
		PayURLBase:  cfg.Payment.PayURLBase,
		SendTimeout: cfg.Worker.SendTimeout,
	}
}

// SendConsumer 消费 invoice.send：读取 PDF、发送邮件、把发票标记为已发送。
// 每条投递在自己的 goroutine 中处理，并发数由 prefetch 限制。
type SendConsumer struct {
	settings SendSettings
	pdfs     storage.PDFStore
	sender   mailer.Sender
	invoices InvoiceUpdater
	guard    SendGuard
	metrics  *metrics.Pipeline
	log      zerolog.Logger

	inflight sync.WaitGroup
}

// SendOption 可选组件
type SendOption func(*SendConsumer)

// WithSendMetrics 设置指标
func WithSendMetrics(m *metrics.Pipeline) SendOption {
	return func(c *SendConsumer) { c.metrics = m }
}

// WithSendGuard 启用重复发送检查
func WithSendGuard(g SendGuard) SendOption {
	return func(c *SendConsumer) { c.guard = g }
}

// NewSendConsumer 创建 Stage 2 消费者
func NewSendConsumer(settings SendSettings, pdfs storage.PDFStore, sender mailer.Sender, invoices InvoiceUpdater, opts ...SendOption) *SendConsumer {
	c := &SendConsumer{
		settings: settings,
		pdfs:     pdfs,
		sender:   sender,
		invoices: invoices,
		log:      logger.Component("invoice-send"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run 阻塞消费直到 ctx 结束或投递通道关闭，返回前等待处理中的邮件完成
func (c *SendConsumer) Run(ctx context.Context, sub Subscription) error {
	queue := sub.Queue()
	log := c.log.With().Str("queue", queue).Logger()
	ctx = log.WithContext(ctx)
	log.Info().Dur("send_timeout", c.settings.SendTimeout).Msg("invoice.send 消费者开始运行")

	return consumeLoop(ctx, sub, &c.inflight, func(d amqp.Delivery) {
		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			c.process(ctx, queue, d)
		}()
	})
}

func (c *SendConsumer) process(parent context.Context, queue string, d amqp.Delivery) {
	start := time.Now()
	ctx, span := startDelivery(parent, queue, d)
	defer span.End()

	outcome, err := c.deliver(ctx, span, d.Body)
	if err != nil {
		deadLetter(ctx, span, c.metrics, StageSend, queue, d, err, start)
		return
	}
	ack(ctx, span, c.metrics, StageSend, queue, d, outcome, start)
}

// deliver 完成一次发送，返回指标结果标签。文件缺失或发票 id 缺失时不会发出邮件。
func (c *SendConsumer) deliver(ctx context.Context, span trace.Span, body []byte) (string, error) {
	ev, err := types.DecodeSendEvent(body)
	if err != nil {
		return "", stageError(StageSend, "decode", 0, ErrBadPayload, err)
	}
	id, err := ev.ResolveInvoiceID()
	if err != nil {
		return "", stageError(StageSend, "decode", 0, ErrBadPayload, err)
	}
	ctx = logger.WithInvoice(ctx, id)
	log := logger.FromContext(ctx)
	span.SetAttributes(tracing.Invoice(id, ev.PDFFileName)...)

	pdf, err := c.pdfs.Get(ctx, ev.PDFFileName)
	if err != nil {
		return "", stageError(StageSend, "load", id, ErrLoadPDF, err)
	}

	outcome := metrics.OutcomeAcked
	seen, err := c.alreadySent(ctx, id, ev.PDFFileName)
	if err != nil {
		log.Warn().Err(err).Msg("无法确认邮件是否已发送，继续发送")
	}
	if seen {
		log.Info().Str("pdf_file", ev.PDFFileName).Msg("邮件已发送过，跳过发送")
		outcome = metrics.OutcomeDuplicate
	} else {
		if err := c.send(ctx, ev, pdf); err != nil {
			return "", stageError(StageSend, "send", id, ErrSendMail, err)
		}
		if c.guard != nil {
			if err := c.guard.Mark(ctx, id, ev.PDFFileName); err != nil {
				log.Warn().Err(err).Msg("写入发送标记失败")
			}
		}
	}

	upd := storage.InvoiceUpdate{Status: models.StatusSent, PDFFileName: ev.PDFFileName}
	if err := c.invoices.UpdateInvoice(ctx, id, upd); err != nil {
		return "", stageError(StageSend, "update", id, ErrUpdateInvoice, err)
	}
	log.Info().Str("pdf_file", ev.PDFFileName).Msg("发票邮件已发送")
	return outcome, nil
}

func (c *SendConsumer) alreadySent(ctx context.Context, id int64, fileName string) (bool, error) {
	if c.guard == nil {
		return false, nil
	}
	return c.guard.Seen(ctx, id, fileName)
}

func (c *SendConsumer) send(ctx context.Context, ev *types.InvoiceSendEvent, pdf []byte) error {
	ctx, span := tracer.Start(ctx, "SendInvoiceEmail")
	defer span.End()

	ctx, cancel := withOptionalTimeout(ctx, c.settings.SendTimeout)
	defer cancel()

	msg := mailer.InvoiceEmail(ev, pdf, c.settings.FallbackTo, c.settings.PayURLBase)
	span.SetAttributes(tracing.Recipient(msg.To), attribute.Int("mail.attachment_bytes", len(pdf)))
	if err := c.sender.Send(ctx, msg); err != nil {
		tracing.RecordError(span, err, errorType(err))
		return err
	}
	return nil
}
