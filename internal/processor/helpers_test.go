package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Adrian-Rewaj/invoices-poc/internal/mailer"
	"github.com/Adrian-Rewaj/invoices-poc/internal/render"
	"github.com/Adrian-Rewaj/invoices-poc/internal/storage"
	"github.com/Adrian-Rewaj/invoices-poc/internal/storage/mqtest"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

const (
	createdQueue = "invoice.created"
	sendQueue    = "invoice.send"

	scenarioA = `{"invoiceId":1,"invoiceNumber":"FV/2024/0001","client":{"email":"a@b.com"},"items":[{"name":"X","quantity":2,"unitPrice":10.00}]}`
	scenarioB = `{"invoiceId":1,"invoiceNumber":"FV/2024/0001","client":{"email":"a@b.com"},"payToken":"tok-1","pdfFileName":"faktura-FV_2024_0001.pdf"}`
)

var waitFor = 5 * time.Second

// runConsumer 在后台运行消费者，返回的函数停止它并返回 Run 的结果
func runConsumer(t *testing.T, run func(context.Context, Subscription) error, sub Subscription) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- run(ctx, sub) }()

	var once sync.Once
	var result error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case result = <-errc:
			case <-time.After(waitFor):
				result = errors.New("consumer did not stop")
			}
		})
		return result
	}
	t.Cleanup(func() { stop() })
	return stop
}

type recordedUpdate struct {
	ID int64
	storage.InvoiceUpdate
}

type fakeInvoices struct {
	mu      sync.Mutex
	updates []recordedUpdate
	err     error
}

func (f *fakeInvoices) UpdateInvoice(_ context.Context, id int64, upd storage.InvoiceUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.updates = append(f.updates, recordedUpdate{ID: id, InvoiceUpdate: upd})
	return nil
}

func (f *fakeInvoices) all() []recordedUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedUpdate(nil), f.updates...)
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []mailer.Message
	err   error
	block bool
}

func (f *fakeSender) Send(ctx context.Context, msg mailer.Message) error {
	if f.block {
		<-ctx.Done()
		return mailer.ErrSendTimeout
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) messages() []mailer.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mailer.Message(nil), f.sent...)
}

type fakeGuard struct {
	mu      sync.Mutex
	marks   map[string]bool
	seenErr error
}

func (g *fakeGuard) Seen(_ context.Context, id int64, name string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seenErr != nil {
		return false, g.seenErr
	}
	return g.marks[storage.SentKey(id, name)], nil
}

func (g *fakeGuard) Mark(_ context.Context, id int64, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.marks == nil {
		g.marks = map[string]bool{}
	}
	g.marks[storage.SentKey(id, name)] = true
	return nil
}

// scriptedRunner 按给定事件序列上报，不写文件
type scriptedRunner struct {
	events []render.Event
	calls  atomic.Int32
}

func (r *scriptedRunner) Run(_ context.Context, _ render.Job, emit func(render.Event)) {
	r.calls.Add(1)
	for _, ev := range r.events {
		emit(ev)
	}
}

// blockingRunner 阻塞到 release 关闭或 ctx 结束
type blockingRunner struct {
	release chan struct{}
	started atomic.Int32
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{release: make(chan struct{})}
}

func (r *blockingRunner) Run(ctx context.Context, job render.Job, emit func(render.Event)) {
	r.started.Add(1)
	select {
	case <-r.release:
		emit(render.Event{Kind: render.EventDone, FileName: fmt.Sprintf("faktura-%d.pdf", job.InvoiceID)})
		emit(render.Event{Kind: render.EventExit})
	case <-ctx.Done():
		emit(render.Event{Kind: render.EventError, Err: render.ErrRenderTimeout})
		emit(render.Event{Kind: render.EventExit, ExitCode: 1})
	}
}

// fakeAck 记录直接调用 handle 时的确认动作
type fakeAck struct {
	mu       sync.Mutex
	acked    []uint64
	requeued []uint64
	rejected []uint64
}

func (a *fakeAck) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAck) Nack(tag uint64, _ bool, requeue bool) error { return a.Reject(tag, requeue) }

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if requeue {
		a.requeued = append(a.requeued, tag)
	} else {
		a.rejected = append(a.rejected, tag)
	}
	return nil
}

// watchedSub 统计带 redelivered 标记的投递
type watchedSub struct {
	*mqtest.Subscription
	out         chan amqp.Delivery
	redelivered atomic.Int32
}

func watch(s *mqtest.Subscription) *watchedSub {
	w := &watchedSub{Subscription: s, out: make(chan amqp.Delivery)}
	go func() {
		defer close(w.out)
		for d := range s.Deliveries() {
			if d.Redelivered {
				w.redelivered.Add(1)
			}
			w.out <- d
		}
	}()
	return w
}

func (w *watchedSub) Deliveries() <-chan amqp.Delivery { return w.out }

func writePDF(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("%PDF-1.3 test"), 0o644))
}
