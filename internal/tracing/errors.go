package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrorType 错误分类，写入 span 的 error.type 属性
type ErrorType string

const (
	ErrorTypeHTTP       ErrorType = "http"
	ErrorTypeDB         ErrorType = "db"
	ErrorTypeRedis      ErrorType = "redis"
	ErrorTypeRabbitMQ   ErrorType = "rabbitmq"
	ErrorTypeStorage    ErrorType = "storage" // PDF 存储
	ErrorTypeRender     ErrorType = "render"
	ErrorTypeMail       ErrorType = "mail"
	ErrorTypeValidation ErrorType = "validation" // 消息体或请求校验
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeInternal   ErrorType = "internal"
)

const maxErrorMessage = 200

// RecordError 记录错误并把 span 标记为失败，err 为 nil 时不做任何事
func RecordError(span trace.Span, err error, errorType ErrorType, attrs ...attribute.KeyValue) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(
		attribute.String("error.type", string(errorType)),
		attribute.String("error.message", TruncateString(err.Error(), maxErrorMessage)),
	)
	span.SetAttributes(attrs...)
	span.SetStatus(codes.Error, err.Error())
}

// PublishFailure 发布确认失败的类型
type PublishFailure string

const (
	PublishNacked  PublishFailure = "nack"
	PublishTimeout PublishFailure = "timeout"
)

// RecordPublishFailure 记录 broker 未确认的发布
func RecordPublishFailure(span trace.Span, messageID string, kind PublishFailure, detail string) {
	if span == nil {
		return
	}
	msg := "broker 未确认消息"
	if detail != "" {
		msg = detail
	}
	span.SetAttributes(
		attribute.String("error.type", string(ErrorTypeRabbitMQ)),
		attribute.String("error.message", msg),
		attribute.String("messaging.message_id", messageID),
		attribute.String("messaging.error_type", string(kind)),
		attribute.Bool("messaging.rabbitmq.confirmed", false),
	)
	span.SetStatus(codes.Error, msg)
}

// RecordDelivery 记录消费端对一条投递的最终处理结果（ack / requeue / dead_letter）
func RecordDelivery(span trace.Span, queue string, deliveryTag uint64, redelivered bool, outcome string) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.source.name", queue),
		attribute.Int64("messaging.rabbitmq.delivery_tag", int64(deliveryTag)),
		attribute.Bool("messaging.rabbitmq.redelivered", redelivered),
		attribute.String("messaging.outcome", outcome),
	)
}
