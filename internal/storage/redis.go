package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Adrian-Rewaj/invoices-poc/internal/config"
	"github.com/Adrian-Rewaj/invoices-poc/internal/constants"
	"github.com/Adrian-Rewaj/invoices-poc/internal/tracing"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

var redisTracer = otel.Tracer("invoices-poc/storage/redis")

// guardClient 是 SendGuard 用到的 redis 命令子集
type guardClient interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// SendGuard 记录哪些发票邮件已经发出。
// Stage 2 在发送后、确认前崩溃时消息会被重投，重投时凭标记跳过发送。
// nil 的 *SendGuard 表示未启用，Seen 总是返回 false。
type SendGuard struct {
	client guardClient
	ttl    time.Duration
	db     int
	addr   string
}

// NewSendGuard 连接 Redis。地址为空时返回 nil, nil。
func NewSendGuard(cfg *config.RedisConfig) (*SendGuard, error) {
	if cfg == nil || cfg.Address == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// 记录所有 Redis 命令
	if err := redisotel.InstrumentTracing(client); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to instrument Redis with OpenTelemetry: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	return newSendGuard(client, cfg), nil
}

func newSendGuard(client guardClient, cfg *config.RedisConfig) *SendGuard {
	ttl := cfg.SendDedupTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SendGuard{client: client, ttl: ttl, db: cfg.DB, addr: cfg.Address}
}

// SentKey 同一张发票换了文件名（重新渲染）视为新的邮件
func SentKey(invoiceID int64, pdfFileName string) string {
	return fmt.Sprintf(constants.KeyInvoiceEmailSent, invoiceID, pdfFileName)
}

// Seen 该邮件是否已经发出过
func (g *SendGuard) Seen(ctx context.Context, invoiceID int64, pdfFileName string) (bool, error) {
	if g == nil {
		return false, nil
	}
	ctx, span := g.startSpan(ctx, "Redis.SendGuard.Seen", "EXISTS", invoiceID)
	defer span.End()

	n, err := g.client.Exists(ctx, SentKey(invoiceID, pdfFileName)).Result()
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return false, fmt.Errorf("查询发送标记失败: %w", err)
	}
	span.SetAttributes(attribute.Bool("already_sent", n > 0))
	return n > 0, nil
}

// Mark 记录邮件已发出，标记在 TTL 后过期
func (g *SendGuard) Mark(ctx context.Context, invoiceID int64, pdfFileName string) error {
	if g == nil {
		return nil
	}
	ctx, span := g.startSpan(ctx, "Redis.SendGuard.Mark", "SET", invoiceID)
	defer span.End()

	value := time.Now().UTC().Format(time.RFC3339)
	if err := g.client.Set(ctx, SentKey(invoiceID, pdfFileName), value, g.ttl).Err(); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return fmt.Errorf("写入发送标记失败: %w", err)
	}
	return nil
}

// Ping checks the Redis connection
func (g *SendGuard) Ping(ctx context.Context) error {
	if g == nil {
		return nil
	}
	return g.client.Ping(ctx).Err()
}

// Close closes the Redis client connection
func (g *SendGuard) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}

func (g *SendGuard) startSpan(ctx context.Context, name, op string, invoiceID int64) (context.Context, trace.Span) {
	return redisTracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.DBSystemRedis,
			attribute.String("db.redis.database", strconv.Itoa(g.db)),
			attribute.String("net.peer.name", g.addr),
			attribute.String("db.operation", op),
			tracing.InvoiceIDKey.Int64(invoiceID),
		))
}
