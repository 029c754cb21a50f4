// invoice-api 创建发票并发布 invoice.created，接收支付回调
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Adrian-Rewaj/invoices-poc/internal/api/handler"
	"github.com/Adrian-Rewaj/invoices-poc/internal/api/router"
	"github.com/Adrian-Rewaj/invoices-poc/internal/bootstrap"
	"github.com/Adrian-Rewaj/invoices-poc/internal/logger"
	"github.com/Adrian-Rewaj/invoices-poc/internal/storage"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/spf13/pflag"
)

const serviceName = "invoice-api"

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

	store, err := storage.NewStorage(ctx, cfg, storage.WithRabbitMQ|storage.WithDatabase|storage.WithPDFStore)
	if err != nil {
		logger.Error().Err(err).Msg("初始化存储失败")
		return 1
	}
	defer store.Close()

	mq := cfg.RabbitMQ
	if err := store.RabbitMQ.DeclareTopology(mq.Exchange, mq.CreatedQueue, mq.DeadLetterExchange, mq.CreatedDLQ()); err != nil {
		logger.Error().Err(err).Msg("声明 invoice.created 拓扑失败")
		return 1
	}

	if cfg.Payment.Signature == "" {
		logger.Warn().Msg("PAYMENT_SIGNATURE 未配置, 支付回调将全部被拒绝")
	}

	h := router.NewServer(cfg.Server.Address)
	router.RegisterRoutes(h, handler.NewInvoiceHandler(cfg, store.Invoices, store.RabbitMQ, handler.WithPDFReader(store.PDFs)), cfg.Payment.Signature)
	hlog.Infof("HTTP 服务器启动中，监听地址: %s", cfg.Server.Address)
	bootstrap.Serve(h, "api")

	ops := proc.ServeOps(map[string]router.HealthCheck{
		"database": store.Database.Ping,
	})

	<-ctx.Done()
	logger.Info().Msg("接收到终止信号，正在优雅退出...")
	proc.Shutdown(h, ops)
	return 0
}
