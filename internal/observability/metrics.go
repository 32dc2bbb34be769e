// Package observability 以 Prometheus 指标暴露回放进度与领域事件计数。
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quant-backtest/internal/events"
)

// Metrics 持有独立的注册表，多个引擎可共享同一实例。
type Metrics struct {
	registry    *prometheus.Registry
	bars        prometheus.Counter
	runs        *prometheus.CounterVec
	runDuration prometheus.Histogram
	events      *prometheus.CounterVec
}

// NewMetrics 创建并注册回测指标。
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		bars: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bars_processed_total",
			Help:      "Bars replayed across all strategies.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished backtest runs by result.",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of backtest runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Domain events published by type.",
		}, []string{"type"}),
	}
	m.registry.MustRegister(m.bars, m.runs, m.runDuration, m.events)
	return m
}

// Registry 返回底层注册表。
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler 返回 /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// BarProcessed 实现 backtest.Observer。
func (m *Metrics) BarProcessed(string) {
	m.bars.Inc()
}

// RunFinished 实现 backtest.Observer。
func (m *Metrics) RunFinished(_ string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.runs.WithLabelValues(result).Inc()
	m.runDuration.Observe(elapsed.Seconds())
}

// Instrument 包装事件出口，按类型计数后转发。
func (m *Metrics) Instrument(next events.Publisher) events.Publisher {
	if next == nil {
		next = events.Discard{}
	}
	return instrumented{next: next, counter: m.events}
}

type instrumented struct {
	next    events.Publisher
	counter *prometheus.CounterVec
}

func (p instrumented) Publish(ev events.Event) {
	p.counter.WithLabelValues(string(ev.Type)).Inc()
	p.next.Publish(ev)
}
