// Package metrics Prometheus 指标导出
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 包含 trace/diff/replay 核心指标
type Metrics struct {
	registry *prometheus.Registry

	// Trace 存储指标
	TracesCreatedTotal prometheus.Counter
	TracesSealedTotal  *prometheus.CounterVec
	StepsAppendedTotal *prometheus.CounterVec
	SealDuration       prometheus.Histogram

	// Diff 指标
	DiffsTotal   *prometheus.CounterVec
	DiffDuration prometheus.Histogram

	// Replay 指标
	ReplaysTotal   *prometheus.CounterVec
	ReplayDuration *prometheus.HistogramVec

	// Baseline 指标
	ApprovalsTotal *prometheus.CounterVec
}

// New 创建指标实例
//
// 每个实例持有独立的 Registry，多个实例（如每个测试一个）互不冲突。
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := func(c prometheus.Collector) prometheus.Collector {
		registry.MustRegister(c)
		return c
	}

	m := &Metrics{registry: registry}

	m.TracesCreatedTotal = factory(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "traces_created_total",
		Help:      "Total trace documents created",
	})).(prometheus.Counter)

	m.TracesSealedTotal = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "traces_sealed_total",
		Help:      "Total trace documents sealed, by final status",
	}, []string{"status"})).(*prometheus.CounterVec)

	m.StepsAppendedTotal = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "steps_appended_total",
		Help:      "Total steps appended, by step type",
	}, []string{"type"})).(*prometheus.CounterVec)

	m.SealDuration = factory(prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "seal_duration_seconds",
		Help:      "Trace seal duration in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})).(prometheus.Histogram)

	m.DiffsTotal = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "diffs_total",
		Help:      "Total diff operations, by result status",
	}, []string{"status"})).(*prometheus.CounterVec)

	m.DiffDuration = factory(prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "diff_duration_seconds",
		Help:      "Diff duration in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})).(prometheus.Histogram)

	m.ReplaysTotal = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "replays_total",
		Help:      "Total replay operations, by mode and outcome",
	}, []string{"mode", "outcome"})).(*prometheus.CounterVec)

	m.ReplayDuration = factory(prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "replay_duration_seconds",
		Help:      "Replay duration in seconds",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"mode"})).(*prometheus.HistogramVec)

	m.ApprovalsTotal = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "baseline_approvals_total",
		Help:      "Total baseline approval attempts, by outcome",
	}, []string{"outcome"})).(*prometheus.CounterVec)

	return m
}

// Handler 返回 /metrics 的 HTTP Handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSeal 记录一次封存
func (m *Metrics) ObserveSeal(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TracesSealedTotal.WithLabelValues(status).Inc()
	m.SealDuration.Observe(d.Seconds())
}

// ObserveStep 记录一次 Step 追加
func (m *Metrics) ObserveStep(stepType string) {
	if m == nil {
		return
	}
	m.StepsAppendedTotal.WithLabelValues(stepType).Inc()
}

// ObserveCreate 记录一次 Trace 创建
func (m *Metrics) ObserveCreate() {
	if m == nil {
		return
	}
	m.TracesCreatedTotal.Inc()
}

// ObserveDiff 记录一次 Diff
func (m *Metrics) ObserveDiff(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.DiffsTotal.WithLabelValues(status).Inc()
	m.DiffDuration.Observe(d.Seconds())
}

// ObserveReplay 记录一次 Replay
func (m *Metrics) ObserveReplay(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ReplaysTotal.WithLabelValues(mode, outcome).Inc()
	m.ReplayDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// ObserveApproval 记录一次 approve 尝试
func (m *Metrics) ObserveApproval(outcome string) {
	if m == nil {
		return
	}
	m.ApprovalsTotal.WithLabelValues(outcome).Inc()
}
