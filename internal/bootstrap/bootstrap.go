// Package bootstrap 各进程共用的启动步骤：加载配置、初始化日志和链路追踪、运维端点与优雅退出
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adrian-Rewaj/invoices-poc/internal/api/router"
	"github.com/Adrian-Rewaj/invoices-poc/internal/config"
	"github.com/Adrian-Rewaj/invoices-poc/internal/logger"
	"github.com/Adrian-Rewaj/invoices-poc/internal/tracing"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Process 一个已初始化的进程环境
type Process struct {
	Service  string
	Config   *config.Config
	Registry *prometheus.Registry

	shutdownTracing tracing.ShutdownFunc
}

// Start 加载配置并初始化日志与链路追踪。
// logOut 为 nil 时写标准输出；render 子进程必须传 os.Stderr，stdout 留给结果。
func Start(ctx context.Context, service, configPath string, logOut io.Writer) (*Process, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	InitLogger(cfg.Logger, logOut)

	shutdown, err := tracing.InitTracerProvider(ctx, service, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("初始化链路追踪失败: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	logger.Info().Str("service", service).Msg("配置加载成功")
	return &Process{Service: service, Config: cfg, Registry: reg, shutdownTracing: shutdown}, nil
}

// InitLogger 初始化 zerolog，并让 Hertz 的 hlog 通过适配器写同一个日志
func InitLogger(cfg config.LoggerConfig, out io.Writer) {
	logger.Init(logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		TimeFormat:   cfg.TimeFormat,
		ReportCaller: cfg.ReportCaller,
		Output:       out,
	})
	hlog.SetLogger(hertzadapter.From(logger.Logger))
	hlog.SetLevel(hlogLevel(cfg.Level))
}

func hlogLevel(level string) hlog.Level {
	switch level {
	case "debug":
		return hlog.LevelDebug
	case "warn":
		return hlog.LevelWarn
	case "error":
		return hlog.LevelError
	default:
		return hlog.LevelInfo
	}
}

// ServeOps 在 OpsAddress 上启动 /healthz /readyz /metrics，地址为空时不启动
func (p *Process) ServeOps(checks map[string]router.HealthCheck) *server.Hertz {
	addr := p.Config.Server.OpsAddress
	if addr == "" {
		return nil
	}
	h := router.NewServer(addr)
	router.RegisterOps(h, p.Registry, checks)
	Serve(h, "运维")
	return h
}

// Serve 后台运行 Hertz 服务，启动失败直接退出进程
func Serve(h *server.Hertz, name string) {
	go func() {
		if err := h.Run(); err != nil {
			logger.Fatal().Err(err).Str("server", name).Msg("HTTP 服务异常退出")
		}
	}()
}

// SignalContext 收到 SIGINT/SIGTERM 时取消
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Shutdown 在 ShutdownTimeout 内依次关闭 HTTP 服务并刷新 span
func (p *Process) Shutdown(servers ...*server.Hertz) {
	timeout := p.Config.Worker.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, h := range servers {
		if h == nil {
			continue
		}
		if err := h.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("关闭 HTTP 服务失败")
		}
	}
	if p.shutdownTracing != nil {
		if err := p.shutdownTracing(ctx); err != nil {
			logger.Warn().Err(err).Msg("刷新链路追踪数据失败")
		}
	}
	logger.Info().Str("service", p.Service).Msg("优雅退出完成")
}

// ExitCode 消费者返回的错误对应的进程退出码，正常停止为 0
func ExitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	return 1
}
