package processor

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adrian-Rewaj/invoices-poc/internal/config"
	"github.com/Adrian-Rewaj/invoices-poc/internal/logger"
	"github.com/Adrian-Rewaj/invoices-poc/internal/metrics"
	"github.com/Adrian-Rewaj/invoices-poc/internal/render"
	"github.com/Adrian-Rewaj/invoices-poc/internal/storage"
	"github.com/Adrian-Rewaj/invoices-poc/internal/storage/models"
	"github.com/Adrian-Rewaj/invoices-poc/internal/tracing"
	"github.com/Adrian-Rewaj/invoices-poc/internal/types"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// CreatedSettings invoice.created 消费者的设置
type CreatedSettings struct {
	Exchange       string        // invoice.send 发布到的交换机
	SendRoutingKey string        // invoice.send 的路由键
	StorageDir     string        // 渲染输出目录
	MaxWorkers     int           // 同时运行的渲染任务上限
	RenderTimeout  time.Duration // 0 表示不限时
}

// CreatedSettingsFromConfig 从全局配置取出 Stage 1 设置
func CreatedSettingsFromConfig(cfg *config.Config) CreatedSettings {
	return CreatedSettings{
		Exchange:       cfg.RabbitMQ.Exchange,
		SendRoutingKey: cfg.RabbitMQ.SendQueue,
		StorageDir:     cfg.Storage.PDFPath,
		MaxWorkers:     cfg.Worker.MaxRenderWorkers,
		RenderTimeout:  cfg.Worker.RenderTimeout,
	}
}

// CreatedConsumer 消费 invoice.created：渲染 PDF、更新发票、发布 invoice.send。
// 读取投递只在 Run 的 goroutine 中进行，渲染任务在独立的执行单元中运行，
// 数量受 MaxWorkers 限制，超出时消息重新入队。
type CreatedConsumer struct {
	settings  CreatedSettings
	runner    render.Runner
	invoices  InvoiceUpdater
	pdfs      storage.PDFStore
	publisher Publisher
	metrics   *metrics.Pipeline
	log       zerolog.Logger

	active   atomic.Int32
	inflight sync.WaitGroup
}

// CreatedOption 可选组件
type CreatedOption func(*CreatedConsumer)

// WithCreatedMetrics 设置指标
func WithCreatedMetrics(m *metrics.Pipeline) CreatedOption {
	return func(c *CreatedConsumer) { c.metrics = m }
}

// WithPDFStore 渲染完成后把文件交给 PDF 存储（例如 MinIO）
func WithPDFStore(s storage.PDFStore) CreatedOption {
	return func(c *CreatedConsumer) { c.pdfs = s }
}

// NewCreatedConsumer 创建 Stage 1 消费者，MaxWorkers 小于 1 时按 1 处理
func NewCreatedConsumer(settings CreatedSettings, runner render.Runner, invoices InvoiceUpdater, publisher Publisher, opts ...CreatedOption) *CreatedConsumer {
	if settings.MaxWorkers < 1 {
		settings.MaxWorkers = 1
	}
	c := &CreatedConsumer{
		settings:  settings,
		runner:    runner,
		invoices:  invoices,
		publisher: publisher,
		log:       logger.Component("invoice-created"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Active 当前运行中的渲染任务数
func (c *CreatedConsumer) Active() int { return int(c.active.Load()) }

// Run 阻塞消费直到 ctx 结束或投递通道关闭。
// 返回前等待已派发的渲染任务完成并确认各自的投递。
func (c *CreatedConsumer) Run(ctx context.Context, sub Subscription) error {
	queue := sub.Queue()
	log := c.log.With().Str("queue", queue).Logger()
	ctx = log.WithContext(ctx)
	log.Info().Int("max_workers", c.settings.MaxWorkers).Dur("render_timeout", c.settings.RenderTimeout).Msg("invoice.created 消费者开始运行")

	return consumeLoop(ctx, sub, &c.inflight, func(d amqp.Delivery) {
		c.handle(ctx, queue, d)
	})
}

// handle 在消费循环中执行：容量检查、解析、派发
func (c *CreatedConsumer) handle(ctx context.Context, queue string, d amqp.Delivery) {
	start := time.Now()

	if active := c.Active(); active >= c.settings.MaxWorkers {
		logger.FromContext(ctx).Warn().
			Uint64("delivery_tag", d.DeliveryTag).
			Int("active", active).
			Msg("渲染任务已满，消息重新入队")
		if err := d.Reject(true); err != nil {
			logger.FromContext(ctx).Error().Err(err).Uint64("delivery_tag", d.DeliveryTag).Msg("重新入队失败")
		}
		c.metrics.Observe(StageCreated, metrics.OutcomeRequeued, 0)
		return
	}

	msgCtx, span := startDelivery(ctx, queue, d)

	ev, err := types.DecodeCreatedEvent(d.Body)
	if err != nil {
		deadLetter(msgCtx, span, c.metrics, StageCreated, queue, d, stageError(StageCreated, "decode", 0, ErrBadPayload, err), start)
		span.End()
		return
	}
	id, err := ev.ResolveInvoiceID()
	if err != nil {
		deadLetter(msgCtx, span, c.metrics, StageCreated, queue, d, stageError(StageCreated, "decode", 0, ErrBadPayload, err), start)
		span.End()
		return
	}
	msgCtx = logger.WithInvoice(msgCtx, id)
	span.SetAttributes(tracing.InvoiceIDKey.Int64(id))

	c.metrics.SetRenderActive(int(c.active.Add(1)))
	c.inflight.Add(1)
	go c.process(msgCtx, span, queue, d, id, start)
}

func (c *CreatedConsumer) process(ctx context.Context, span trace.Span, queue string, d amqp.Delivery, id int64, start time.Time) {
	defer c.inflight.Done()
	defer span.End()
	log := logger.FromContext(ctx)

	outcome := c.render(ctx, d.Body, id)
	if outcome.Err != nil {
		deadLetter(ctx, span, c.metrics, StageCreated, queue, d, stageError(StageCreated, "render", id, ErrRenderFailed, outcome.Err), start)
		return
	}
	log.Info().Str("pdf_file", outcome.FileName).Msg("PDF已生成")

	if err := c.complete(ctx, d.Body, id, outcome.FileName); err != nil {
		deadLetter(ctx, span, c.metrics, StageCreated, queue, d, err, start)
		return
	}

	ack(ctx, span, c.metrics, StageCreated, queue, d, metrics.OutcomeAcked, start)
	log.Info().Dur("elapsed", time.Since(start)).Msg("发票已生成并转交发送阶段")
}

// render 运行渲染任务并把事件流归约为一个结果。
// 活跃计数在第一个终止事件到达时递减一次。
func (c *CreatedConsumer) render(ctx context.Context, payload []byte, id int64) render.Outcome {
	ctx, span := tracer.Start(ctx, "RenderInvoice")
	defer span.End()

	ctx, cancel := withOptionalTimeout(ctx, c.settings.RenderTimeout)
	defer cancel()

	result := make(chan render.Outcome, 1)
	emit := render.Reduce(func(o render.Outcome) {
		c.metrics.SetRenderActive(int(c.active.Add(-1)))
		result <- o
	})

	c.runner.Run(ctx, render.Job{InvoiceID: id, Payload: payload, Dir: c.settings.StorageDir}, emit)
	// 执行器返回时仍未上报终止事件，按异常退出处理
	emit(render.Event{Kind: render.EventExit, ExitCode: -1})

	out := <-result
	if out.Err != nil {
		tracing.RecordError(span, out.Err, errorType(stageError(StageCreated, "render", id, ErrRenderFailed, out.Err)))
	} else {
		span.SetAttributes(tracing.PDFFileKey.String(out.FileName))
	}
	return out
}

// complete 渲染成功之后的步骤，任何一步失败都不回滚已生成的文件
func (c *CreatedConsumer) complete(ctx context.Context, body []byte, id int64, fileName string) error {
	if c.pdfs != nil {
		if err := c.pdfs.Put(ctx, fileName, filepath.Join(c.settings.StorageDir, fileName)); err != nil {
			return stageError(StageCreated, "store", id, ErrStorePDF, err)
		}
	}

	upd := storage.InvoiceUpdate{Status: models.StatusGenerated, PDFFileName: fileName}
	if err := c.invoices.UpdateInvoice(ctx, id, upd); err != nil {
		return stageError(StageCreated, "update", id, ErrUpdateInvoice, err)
	}

	payload, err := types.BuildSendPayload(body, fileName)
	if err != nil {
		return stageError(StageCreated, "build", id, ErrBadPayload, err)
	}
	if err := c.publisher.PublishMessage(ctx, c.settings.Exchange, c.settings.SendRoutingKey, payload, true); err != nil {
		return stageError(StageCreated, "publish", id, ErrPublishSend, err)
	}
	return nil
}
