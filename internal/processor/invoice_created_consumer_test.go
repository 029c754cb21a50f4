package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/Adrian-Rewaj/invoices-poc/internal/config"
	"github.com/Adrian-Rewaj/invoices-poc/internal/metrics"
	"github.com/Adrian-Rewaj/invoices-poc/internal/render"
	"github.com/Adrian-Rewaj/invoices-poc/internal/storage"
	"github.com/Adrian-Rewaj/invoices-poc/internal/storage/models"
	"github.com/Adrian-Rewaj/invoices-poc/internal/storage/mqtest"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createdSettings(dir string, limit int) CreatedSettings {
	return CreatedSettings{
		Exchange:       "invoices",
		SendRoutingKey: sendQueue,
		StorageDir:     dir,
		MaxWorkers:     limit,
	}
}

func TestCreatedConsumerScenarioA(t *testing.T) {
	dir := t.TempDir()
	pdfs, err := storage.NewFSPDFStore(dir)
	require.NoError(t, err)

	broker := mqtest.NewBroker()
	invoices := &fakeInvoices{}
	runner := &render.InProcessRunner{Renderer: render.NewRenderer(config.Default().Render)}
	c := NewCreatedConsumer(createdSettings(dir, 3), runner, invoices, broker,
		WithPDFStore(pdfs),
		WithCreatedMetrics(metrics.NewPipeline(prometheus.NewRegistry())),
	)

	sub := broker.Subscribe(createdQueue, 3)
	stop := runConsumer(t, c.Run, sub)
	broker.Publish(createdQueue, mqtest.Message{Exchange: "invoices", RoutingKey: createdQueue, Body: []byte(scenarioA), Persistent: true})

	require.True(t, broker.WaitFor(sendQueue, 1, waitFor), "invoice.send 未发布")
	require.Eventually(t, func() bool { return sub.Unacked() == 0 }, waitFor, 5*time.Millisecond)

	const want = "faktura-FV_2024_0001.pdf"
	assert.FileExists(t, filepath.Join(dir, want))
	assert.Equal(t, []recordedUpdate{{ID: 1, InvoiceUpdate: storage.InvoiceUpdate{Status: models.StatusGenerated, PDFFileName: want}}}, invoices.all())

	sent := broker.Messages(sendQueue)[0]
	assert.True(t, sent.Persistent)
	assert.Equal(t, "invoices", sent.Exchange)
	var body map[string]any
	require.NoError(t, json.Unmarshal(sent.Body, &body))
	assert.Equal(t, want, body["pdfFileName"])
	assert.Equal(t, "FV/2024/0001", body["invoiceNumber"])
	assert.NotNil(t, body["items"])

	assert.Zero(t, broker.Len(config.DLQName(createdQueue)))
	assert.Zero(t, c.Active())
	assert.NoError(t, stop())
}

func TestCreatedConsumerRedeliveryIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	broker := mqtest.NewBroker()
	invoices := &fakeInvoices{}
	runner := &render.InProcessRunner{Renderer: render.NewRenderer(config.Default().Render)}
	c := NewCreatedConsumer(createdSettings(dir, 3), runner, invoices, broker)

	runConsumer(t, c.Run, broker.Subscribe(createdQueue, 3))
	broker.Publish(createdQueue, mqtest.Message{RoutingKey: createdQueue, Body: []byte(scenarioA)})
	require.True(t, broker.WaitFor(sendQueue, 1, waitFor))
	broker.Publish(createdQueue, mqtest.Message{RoutingKey: createdQueue, Body: []byte(scenarioA), Redelivered: true})
	require.True(t, broker.WaitFor(sendQueue, 2, waitFor))

	updates := invoices.all()
	require.Len(t, updates, 2)
	assert.Equal(t, updates[0], updates[1])
	files, err := filepath.Glob(filepath.Join(dir, "*.pdf"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestCreatedConsumerRequeuesAtCapacity(t *testing.T) {
	runner := &scriptedRunner{}
	c := NewCreatedConsumer(createdSettings(t.TempDir(), 3), runner, &fakeInvoices{}, mqtest.NewBroker())
	c.active.Store(3)

	ack := &fakeAck{}
	c.handle(context.Background(), createdQueue, amqp.Delivery{Acknowledger: ack, DeliveryTag: 7, Body: []byte(scenarioA)})

	assert.Equal(t, []uint64{7}, ack.requeued)
	assert.Empty(t, ack.rejected)
	assert.Empty(t, ack.acked)
	assert.Equal(t, 3, c.Active())
	assert.Zero(t, runner.calls.Load())
}

func TestCreatedConsumerScenarioD(t *testing.T) {
	broker := mqtest.NewBroker()
	invoices := &fakeInvoices{}
	runner := newBlockingRunner()
	c := NewCreatedConsumer(createdSettings(t.TempDir(), 3), runner, invoices, broker)

	// prefetch 大于渲染上限，第四条消息才会被投递到本进程
	sub := watch(broker.Subscribe(createdQueue, 10))
	runConsumer(t, c.Run, sub)
	for id := 1; id <= 4; id++ {
		body := fmt.Sprintf(`{"invoiceId":%d,"invoiceNumber":"FV/2024/%04d"}`, id, id)
		broker.Publish(createdQueue, mqtest.Message{RoutingKey: createdQueue, Body: []byte(body)})
	}

	require.Eventually(t, func() bool { return runner.started.Load() == 3 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return sub.redelivered.Load() > 0 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, int32(3), runner.started.Load())
	assert.Equal(t, 3, c.Active())

	close(runner.release)
	require.True(t, broker.WaitFor(sendQueue, 4, waitFor))
	assert.Len(t, invoices.all(), 4)
	assert.Zero(t, broker.Len(config.DLQName(createdQueue)))
	require.Eventually(t, func() bool { return c.Active() == 0 }, waitFor, 5*time.Millisecond)
}

func TestCreatedConsumerRenderFailuresDeadLetter(t *testing.T) {
	tests := []struct {
		name   string
		events []render.Event
		want   error
	}{
		{"错误后退出", []render.Event{{Kind: render.EventError, Err: render.ErrRenderCrashed}, {Kind: render.EventExit, ExitCode: 1}}, render.ErrRenderCrashed},
		{"只有非零退出", []render.Event{{Kind: render.EventExit, ExitCode: 2}}, render.ErrRenderFailed},
		{"零退出没有结果", []render.Event{{Kind: render.EventExit}}, render.ErrNoResult},
		{"没有任何事件", nil, render.ErrRenderFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := mqtest.NewBroker()
			invoices := &fakeInvoices{}
			runner := &scriptedRunner{events: tt.events}
			c := NewCreatedConsumer(createdSettings(t.TempDir(), 1), runner, invoices, broker)

			outcome := c.render(context.Background(), []byte(scenarioA), 1)
			assert.ErrorIs(t, outcome.Err, tt.want)
			assert.Equal(t, -1, c.Active(), "render 只负责递减，派发时才递增")

			c.active.Store(0)
			runConsumer(t, c.Run, broker.Subscribe(createdQueue, 1))
			broker.Publish(createdQueue, mqtest.Message{RoutingKey: createdQueue, Body: []byte(scenarioA)})

			require.True(t, broker.WaitFor(config.DLQName(createdQueue), 1, waitFor))
			assert.Zero(t, broker.Len(sendQueue))
			assert.Zero(t, broker.Len(createdQueue))
			assert.Empty(t, invoices.all())
			require.Eventually(t, func() bool { return c.Active() == 0 }, waitFor, 5*time.Millisecond)
		})
	}
}

func TestCreatedConsumerRenderTimeout(t *testing.T) {
	broker := mqtest.NewBroker()
	runner := newBlockingRunner()
	settings := createdSettings(t.TempDir(), 1)
	settings.RenderTimeout = 50 * time.Millisecond
	c := NewCreatedConsumer(settings, runner, &fakeInvoices{}, broker)

	runConsumer(t, c.Run, broker.Subscribe(createdQueue, 1))
	broker.Publish(createdQueue, mqtest.Message{RoutingKey: createdQueue, Body: []byte(scenarioA)})

	require.True(t, broker.WaitFor(config.DLQName(createdQueue), 1, waitFor))
	require.Eventually(t, func() bool { return c.Active() == 0 }, waitFor, 5*time.Millisecond)

	// 槽位被回收后可以继续处理
	close(runner.release)
	broker.Publish(createdQueue, mqtest.Message{RoutingKey: createdQueue, Body: []byte(`{"invoiceId":2}`)})
	require.True(t, broker.WaitFor(sendQueue, 1, waitFor))
}

func TestCreatedConsumerMalformedPayload(t *testing.T) {
	for _, body := range []string{`{not json`, `{"invoiceNumber":"FV/1"}`} {
		t.Run(body, func(t *testing.T) {
			broker := mqtest.NewBroker()
			runner := &scriptedRunner{}
			c := NewCreatedConsumer(createdSettings(t.TempDir(), 1), runner, &fakeInvoices{}, broker)

			runConsumer(t, c.Run, broker.Subscribe(createdQueue, 1))
			broker.Publish(createdQueue, mqtest.Message{RoutingKey: createdQueue, Body: []byte(body)})

			require.True(t, broker.WaitFor(config.DLQName(createdQueue), 1, waitFor))
			dead := broker.Messages(config.DLQName(createdQueue))[0]
			assert.Equal(t, body, string(dead.Body))
			assert.NotNil(t, dead.Headers["x-death"])
			assert.Zero(t, runner.calls.Load())
			assert.Zero(t, c.Active())
		})
	}
}

func TestCreatedConsumerDownstreamFailures(t *testing.T) {
	done := []render.Event{{Kind: render.EventDone, FileName: "faktura-FV_2024_0001.pdf"}, {Kind: render.EventExit}}

	t.Run("数据库更新失败", func(t *testing.T) {
		broker := mqtest.NewBroker()
		invoices := &fakeInvoices{err: storage.ErrInvoiceNotFound}
		c := NewCreatedConsumer(createdSettings(t.TempDir(), 1), &scriptedRunner{events: done}, invoices, broker)

		runConsumer(t, c.Run, broker.Subscribe(createdQueue, 1))
		broker.Publish(createdQueue, mqtest.Message{RoutingKey: createdQueue, Body: []byte(scenarioA)})

		require.True(t, broker.WaitFor(config.DLQName(createdQueue), 1, waitFor))
		assert.Zero(t, broker.Len(sendQueue))
	})

	t.Run("发布失败", func(t *testing.T) {
		broker := mqtest.NewBroker()
		broker.PublishErr = errors.New("channel closed")
		invoices := &fakeInvoices{}
		c := NewCreatedConsumer(createdSettings(t.TempDir(), 1), &scriptedRunner{events: done}, invoices, broker)

		runConsumer(t, c.Run, broker.Subscribe(createdQueue, 1))
		broker.Publish(createdQueue, mqtest.Message{RoutingKey: createdQueue, Body: []byte(scenarioA)})

		require.True(t, broker.WaitFor(config.DLQName(createdQueue), 1, waitFor))
		assert.Len(t, invoices.all(), 1)
	})

	t.Run("PDF存储失败", func(t *testing.T) {
		broker := mqtest.NewBroker()
		pdfs, err := storage.NewFSPDFStore(t.TempDir())
		require.NoError(t, err)
		invoices := &fakeInvoices{}
		// 渲染目录中没有该文件
		c := NewCreatedConsumer(createdSettings(t.TempDir(), 1), &scriptedRunner{events: done}, invoices, broker, WithPDFStore(pdfs))

		runConsumer(t, c.Run, broker.Subscribe(createdQueue, 1))
		broker.Publish(createdQueue, mqtest.Message{RoutingKey: createdQueue, Body: []byte(scenarioA)})

		require.True(t, broker.WaitFor(config.DLQName(createdQueue), 1, waitFor))
		assert.Empty(t, invoices.all())
	})
}

func TestCreatedConsumerWaitsForInflightOnShutdown(t *testing.T) {
	broker := mqtest.NewBroker()
	runner := newBlockingRunner()
	c := NewCreatedConsumer(createdSettings(t.TempDir(), 2), runner, &fakeInvoices{}, broker)

	sub := broker.Subscribe(createdQueue, 2)
	stop := runConsumer(t, c.Run, sub)
	broker.Publish(createdQueue, mqtest.Message{RoutingKey: createdQueue, Body: []byte(scenarioA)})
	require.Eventually(t, func() bool { return runner.started.Load() == 1 }, waitFor, 5*time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- stop() }()
	select {
	case <-stopped:
		t.Fatal("Run 在渲染完成前返回")
	case <-time.After(100 * time.Millisecond):
	}

	close(runner.release)
	assert.NoError(t, <-stopped)
	assert.Equal(t, 1, broker.Len(sendQueue))
	assert.Zero(t, broker.Len(createdQueue))
}

func TestCreatedConsumerStopsWhenDeliveriesClose(t *testing.T) {
	broker := mqtest.NewBroker()
	c := NewCreatedConsumer(createdSettings(t.TempDir(), 1), &scriptedRunner{}, &fakeInvoices{}, broker)
	sub := broker.Subscribe(createdQueue, 1)
	require.NoError(t, sub.Cancel())

	err := c.Run(context.Background(), sub)
	assert.ErrorIs(t, err, ErrDeliveriesClosed)
}

func TestStageErrorMatchesKindAndCause(t *testing.T) {
	err := stageError(StageCreated, "render", 9, ErrRenderFailed, render.ErrRenderTimeout)
	assert.ErrorIs(t, err, ErrRenderFailed)
	assert.ErrorIs(t, err, render.ErrRenderTimeout)
	assert.Contains(t, err.Error(), "发票:9")

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "render", se.Op)
	assert.Equal(t, "timeout", string(errorType(err)))
}
