package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// 消息处理结果标签
const (
	OutcomeAcked      = "acked"
	OutcomeRequeued   = "requeued"
	OutcomeDeadLetter = "dead_lettered"
	OutcomeDuplicate  = "duplicate"
)

// Pipeline 两个阶段共用的指标
type Pipeline struct {
	messages     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	renderActive prometheus.Gauge
}

// NewPipeline 在给定的 registerer 上注册指标。reg 为 nil 时所有方法都是空操作。
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	if reg == nil {
		return &Pipeline{}
	}
	messages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "invoice_pipeline_messages_total",
		Help: "Deliveries handled per stage and outcome.",
	}, []string{"stage", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "invoice_stage_duration_seconds",
		Help:    "Time from delivery to ack/reject per stage.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"stage", "outcome"})
	renderActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "invoice_render_active",
		Help: "Render tasks currently running in this process.",
	})
	reg.MustRegister(messages, duration, renderActive)
	return &Pipeline{messages: messages, duration: duration, renderActive: renderActive}
}

// Observe 记录一次投递的最终处理结果
func (p *Pipeline) Observe(stage, outcome string, elapsed time.Duration) {
	if p == nil || p.messages == nil {
		return
	}
	p.messages.WithLabelValues(stage, outcome).Inc()
	// 容量拒绝没有处理耗时
	if outcome != OutcomeRequeued {
		p.duration.WithLabelValues(stage, outcome).Observe(elapsed.Seconds())
	}
}

// SetRenderActive 更新正在运行的渲染任务数
func (p *Pipeline) SetRenderActive(n int) {
	if p == nil || p.renderActive == nil {
		return
	}
	p.renderActive.Set(float64(n))
}
