package processor

import (
	"context"

	"github.com/Adrian-Rewaj/invoices-poc/internal/storage"

	amqp "github.com/rabbitmq/amqp091-go"
)

// 阶段名，用于日志、指标与错误
const (
	StageCreated = "created"
	StageSend    = "send"
)

// Subscription 消费者读取投递的来源，*storage.Subscription 满足该接口
type Subscription interface {
	Deliveries() <-chan amqp.Delivery
	Queue() string
	Cancel() error
	Close() error
}

// Publisher 发布消息
type Publisher interface {
	PublishMessage(ctx context.Context, exchangeName, routingKey string, message []byte, persistent bool) error
}

// InvoiceUpdater 按主键更新发票
type InvoiceUpdater interface {
	UpdateInvoice(ctx context.Context, id int64, upd storage.InvoiceUpdate) error
}

// SendGuard 记录已发送的邮件，*storage.SendGuard 满足该接口
type SendGuard interface {
	Seen(ctx context.Context, invoiceID int64, pdfFileName string) (bool, error)
	Mark(ctx context.Context, invoiceID int64, pdfFileName string) error
}

var (
	_ Subscription   = (*storage.Subscription)(nil)
	_ Publisher      = (*storage.RabbitMQ)(nil)
	_ InvoiceUpdater = (*storage.InvoiceStore)(nil)
	_ SendGuard      = (*storage.SendGuard)(nil)
)
