// email-worker 消费 invoice.send：读取 PDF、发送发票邮件、把发票标记为已发送
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Adrian-Rewaj/invoices-poc/internal/api/router"
	"github.com/Adrian-Rewaj/invoices-poc/internal/bootstrap"
	"github.com/Adrian-Rewaj/invoices-poc/internal/logger"
	"github.com/Adrian-Rewaj/invoices-poc/internal/mailer"
	"github.com/Adrian-Rewaj/invoices-poc/internal/metrics"
	"github.com/Adrian-Rewaj/invoices-poc/internal/processor"
	"github.com/Adrian-Rewaj/invoices-poc/internal/storage"

	"github.com/spf13/pflag"
)

const serviceName = "email-worker"

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "", "配置文件路径，为空时在常见位置查找 config.yaml")
	pflag.Parse()

	os.Exit(run(configPath))
}

func run(configPath string) int {
	ctx, stop := bootstrap.SignalContext(context.Background())
	defer stop()

	proc, err := bootstrap.Start(ctx, serviceName, configPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "启动失败: %v\n", err)
		return 1
	}
	cfg := proc.Config

	store, err := storage.NewStorage(ctx, cfg,
		storage.WithRabbitMQ|storage.WithDatabase|storage.WithPDFStore|storage.WithSendGuard)
	if err != nil {
		logger.Error().Err(err).Msg("初始化存储失败")
		return 1
	}
	defer store.Close()

	mq := cfg.RabbitMQ
	if err := store.RabbitMQ.DeclareTopology(mq.Exchange, mq.SendQueue, mq.DeadLetterExchange, mq.SendDLQ()); err != nil {
		logger.Error().Err(err).Msg("声明 invoice.send 拓扑失败")
		return 1
	}

	opts := []processor.SendOption{processor.WithSendMetrics(metrics.NewPipeline(proc.Registry))}
	checks := map[string]router.HealthCheck{"database": store.Database.Ping}
	if store.Guard != nil {
		opts = append(opts, processor.WithSendGuard(store.Guard))
		checks["redis"] = store.Guard.Ping
	}

	consumer := processor.NewSendConsumer(
		processor.SendSettingsFromConfig(cfg),
		store.PDFs,
		mailer.NewSMTPSender(cfg.SMTP),
		store.Invoices,
		opts...,
	)

	ops := proc.ServeOps(checks)

	sub, err := store.RabbitMQ.Consume(ctx, mq.SendQueue, mq.SendPrefetch)
	if err != nil {
		logger.Error().Err(err).Msg("订阅 invoice.send 失败")
		proc.Shutdown(ops)
		return 1
	}

	err = consumer.Run(ctx, sub)
	if err != nil {
		logger.Error().Err(err).Msg("消费者异常退出")
	}
	proc.Shutdown(ops)
	return bootstrap.ExitCode(err)
}
