package router

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpsEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "invoice_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	redisDown := errors.New("redis: connection refused")
	failing := false
	checks := map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
		"redis": func(context.Context) error {
			if failing {
				return redisDown
			}
			return nil
		},
	}

	h := server.New(server.WithHostPorts("127.0.0.1:0"))
	RegisterOps(h, reg, checks)

	w := ut.PerformRequest(h.Engine, "GET", "/healthz", nil)
	assert.Equal(t, consts.StatusOK, w.Result().StatusCode())

	w = ut.PerformRequest(h.Engine, "GET", "/readyz", nil)
	assert.Equal(t, consts.StatusOK, w.Result().StatusCode())

	failing = true
	w = ut.PerformRequest(h.Engine, "GET", "/readyz", nil)
	require.Equal(t, consts.StatusServiceUnavailable, w.Result().StatusCode())
	assert.Contains(t, string(w.Result().Body()), "connection refused")

	w = ut.PerformRequest(h.Engine, "GET", "/metrics", nil)
	require.Equal(t, consts.StatusOK, w.Result().StatusCode())
	assert.True(t, strings.Contains(string(w.Result().Body()), "invoice_test_total 1"))
}

func TestWrapHTTPPassesRequestAndResponse(t *testing.T) {
	h := server.New(server.WithHostPorts("127.0.0.1:0"))
	h.GET("/echo", wrapHTTP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Invoice", r.URL.Query().Get("id"))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	})))

	w := ut.PerformRequest(h.Engine, "GET", "/echo?id=42", nil)
	res := w.Result()
	assert.Equal(t, consts.StatusAccepted, res.StatusCode())
	assert.Equal(t, "42", string(res.Header.Peek("X-Invoice")))
	assert.Equal(t, "ok", string(res.Body()))
}
