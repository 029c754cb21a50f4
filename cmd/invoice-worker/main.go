// invoice-worker 消费 invoice.created：渲染 PDF、更新发票、发布 invoice.send。
//
//	invoice-worker [run] [-c config.yaml]
//	invoice-worker render --dir <目录> [-c config.yaml]   (由 run 以子进程方式调用)
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Adrian-Rewaj/invoices-poc/internal/api/router"
	"github.com/Adrian-Rewaj/invoices-poc/internal/bootstrap"
	"github.com/Adrian-Rewaj/invoices-poc/internal/config"
	"github.com/Adrian-Rewaj/invoices-poc/internal/logger"
	"github.com/Adrian-Rewaj/invoices-poc/internal/metrics"
	"github.com/Adrian-Rewaj/invoices-poc/internal/processor"
	"github.com/Adrian-Rewaj/invoices-poc/internal/render"
	"github.com/Adrian-Rewaj/invoices-poc/internal/storage"

	"github.com/spf13/pflag"
)

const serviceName = "invoice-worker"

func main() {
	sub := "run"
	args := os.Args[1:]
	if len(args) > 0 && (args[0] == "run" || args[0] == "render") {
		sub, args = args[0], args[1:]
	}

	flags := pflag.NewFlagSet(serviceName+" "+sub, pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "配置文件路径，为空时在常见位置查找 config.yaml")
	dir := flags.String("dir", "", "render: PDF 输出目录")
	_ = flags.Parse(args)

	switch sub {
	case "render":
		os.Exit(renderTask(*configPath, *dir))
	default:
		os.Exit(run(*configPath))
	}
}

// renderTask 子进程入口：stdout 只输出一行 JSON 结果，日志走 stderr
func renderTask(configPath, dir string) int {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return 2
	}
	bootstrap.InitLogger(cfg.Logger, os.Stderr)
	if dir == "" {
		dir = cfg.Storage.PDFPath
	}
	if err := render.RunSubprocessTask(os.Stdin, os.Stdout, render.NewRenderer(cfg.Render), dir); err != nil {
		logger.Error().Err(err).Str("dir", dir).Msg("渲染任务失败")
		return 1
	}
	return 0
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
	// 发布前确保 invoice.send 已存在，否则 Stage 2 未启动时消息会被丢弃
	if err := store.RabbitMQ.DeclareTopology(mq.Exchange, mq.SendQueue, mq.DeadLetterExchange, mq.SendDLQ()); err != nil {
		logger.Error().Err(err).Msg("声明 invoice.send 拓扑失败")
		return 1
	}

	runner, err := newRunner(cfg, configPath)
	if err != nil {
		logger.Error().Err(err).Msg("初始化渲染执行器失败")
		return 1
	}

	consumer := processor.NewCreatedConsumer(
		processor.CreatedSettingsFromConfig(cfg),
		runner,
		store.Invoices,
		store.RabbitMQ,
		processor.WithCreatedMetrics(metrics.NewPipeline(proc.Registry)),
		processor.WithPDFStore(store.PDFs),
	)

	ops := proc.ServeOps(map[string]router.HealthCheck{
		"database": store.Database.Ping,
	})

	sub, err := store.RabbitMQ.Consume(ctx, mq.CreatedQueue, mq.CreatedPrefetch)
	if err != nil {
		logger.Error().Err(err).Msg("订阅 invoice.created 失败")
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

func newRunner(cfg *config.Config, configPath string) (render.Runner, error) {
	if cfg.Worker.RenderMode == config.RenderModeInProcess {
		logger.Info().Msg("渲染模式: 进程内")
		return &render.InProcessRunner{Renderer: render.NewRenderer(cfg.Render)}, nil
	}

	runner, err := render.NewSubprocessRunner()
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		runner.Args = append(runner.Args, "--config", configPath)
	}
	logger.Info().Str("executable", runner.Executable).Msg("渲染模式: 子进程")
	return runner, nil
}
