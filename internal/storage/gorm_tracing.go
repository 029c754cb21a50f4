package storage

import (
	"context"
	"errors"

	"github.com/Adrian-Rewaj/invoices-poc/internal/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

type gormSpanKey struct{}

// gormTracing 为每条 SQL 创建客户端 span，发票更新的 span 挂在消费者 span 之下
type gormTracing struct {
	tracer   trace.Tracer
	dbSystem string
}

var _ gorm.Plugin = (*gormTracing)(nil)

func newGormTracing(dbSystem string, tracer trace.Tracer) *gormTracing {
	return &gormTracing{tracer: tracer, dbSystem: dbSystem}
}

func (p *gormTracing) Name() string { return "invoices:otel" }

// gorm 回调链上可注册回调的位置
type registrar interface {
	Register(name string, fn func(*gorm.DB)) error
}

func (p *gormTracing) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	hooks := []struct {
		name, operation string
		before, after   registrar
	}{
		{"create", "INSERT", cb.Create().Before("gorm:create"), cb.Create().After("gorm:create")},
		{"query", "SELECT", cb.Query().Before("gorm:query"), cb.Query().After("gorm:query")},
		{"update", "UPDATE", cb.Update().Before("gorm:update"), cb.Update().After("gorm:update")},
		{"delete", "DELETE", cb.Delete().Before("gorm:delete"), cb.Delete().After("gorm:delete")},
		{"row", "ROW", cb.Row().Before("gorm:row"), cb.Row().After("gorm:row")},
	}
	for _, h := range hooks {
		if err := h.before.Register("otel:before_"+h.name, p.start(h.operation)); err != nil {
			return err
		}
		if err := h.after.Register("otel:after_"+h.name, p.end); err != nil {
			return err
		}
	}
	return nil
}

func (p *gormTracing) start(operation string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		if db.Statement.SkipHooks {
			return
		}
		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}
		table := db.Statement.Table
		if table == "" {
			table = "raw"
		}
		ctx, span := p.tracer.Start(ctx, operation+" "+table,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("db.system", p.dbSystem),
				attribute.String("db.operation", operation),
				attribute.String("db.sql.table", table),
			))
		db.Statement.Context = context.WithValue(ctx, gormSpanKey{}, span)
	}
}

func (p *gormTracing) end(db *gorm.DB) {
	if db.Statement.Context == nil {
		return
	}
	span, ok := db.Statement.Context.Value(gormSpanKey{}).(trace.Span)
	if !ok {
		return
	}
	defer span.End()

	span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))
	if sql := db.Statement.SQL.String(); sql != "" {
		span.SetAttributes(attribute.String("db.statement", tracing.SafeSQL(sql)))
	}
	switch {
	case db.Error == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(db.Error, gorm.ErrRecordNotFound):
		// 由调用方转换成 ErrInvoiceNotFound
		span.SetAttributes(attribute.Bool("db.record_not_found", true))
	default:
		tracing.RecordError(span, db.Error, tracing.ErrorTypeDB)
	}
}
