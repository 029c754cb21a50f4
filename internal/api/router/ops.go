package router

import (
	"context"
	"net/http"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/adaptor"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/cloudwego/hertz/pkg/route"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthCheck 返回 nil 表示依赖可用
type HealthCheck func(ctx context.Context) error

const readyTimeout = 2 * time.Second

// RegisterOps 注册运维端点：/healthz 存活、/readyz 依赖检查、/metrics 指标
func RegisterOps(r route.IRoutes, gatherer prometheus.Gatherer, checks map[string]HealthCheck) {
	r.GET("/healthz", func(_ context.Context, c *app.RequestContext) {
		c.JSON(consts.StatusOK, utils.H{"status": "ok"})
	})

	r.GET("/readyz", func(ctx context.Context, c *app.RequestContext) {
		ctx, cancel := context.WithTimeout(ctx, readyTimeout)
		defer cancel()

		status := consts.StatusOK
		results := utils.H{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = consts.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}
		c.JSON(status, results)
	})

	r.GET("/metrics", wrapHTTP(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

// wrapHTTP 让 net/http 的 handler 挂在 Hertz 路由上
func wrapHTTP(h http.Handler) app.HandlerFunc {
	return func(_ context.Context, c *app.RequestContext) {
		req, err := adaptor.GetCompatRequest(&c.Request)
		if err != nil {
			c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
			return
		}
		h.ServeHTTP(adaptor.GetCompatResponseWriter(&c.Response), req)
	}
}
