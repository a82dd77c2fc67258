// Package metrics 事件同步层 Prometheus 指标
//
// 所有 Record* 方法对 nil 接收者安全，组件未注入指标时直接跳过。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 合并结果标签
const (
	MergeSeeded          = "seeded"
	MergeCommitted       = "committed"
	MergePreservedEmpty  = "preserved_empty"
	MergePreservedShrink = "preserved_shrink"
	MergeFrozen          = "frozen"
)

// Metrics 包含所有同步层指标
type Metrics struct {
	registry *prometheus.Registry

	// 事件源
	FetchTotal   *prometheus.CounterVec
	FetchLatency *prometheus.HistogramVec

	// 缓存
	MergeTotal        *prometheus.CounterVec
	CacheEntries      prometheus.Gauge
	PersistentStreams prometheus.Gauge
	Evictions         prometheus.Counter
	ArchiveTotal      *prometheus.CounterVec

	// 订阅
	Subscribers    prometheus.Gauge
	ObserverFaults prometheus.Counter

	// 轮询
	PollersActive prometheus.Gauge
	PollTotal     *prometheus.CounterVec

	// 活动日志
	ActivityAppended prometheus.Counter
	Reconciliations  prometheus.Counter

	// 出口
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	WSConnectionsActive prometheus.Gauge
	WSMessagesTotal     *prometheus.CounterVec
}

// New 在独立 Registry 上创建指标（测试与多实例场景）
func New(namespace, instance string) *Metrics {
	reg := prometheus.NewRegistry()
	m := NewWithRegisterer(namespace, instance, reg)
	m.registry = reg
	return m
}

// NewWithRegisterer 在指定 Registerer 上创建指标
func NewWithRegisterer(namespace, instance string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"instance_id": instance}
	factory := promauto.With(reg)

	return &Metrics{
		FetchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "source_fetch_total",
				Help:        "Total event source fetches by operation and result",
				ConstLabels: labels,
			},
			[]string{"op", "result"},
		),
		FetchLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "source_fetch_latency_seconds",
				Help:        "Event source fetch latency in seconds",
				Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
				ConstLabels: labels,
			},
			[]string{"op"},
		),
		MergeTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "cache_merge_total",
				Help:        "Total cache merges by outcome",
				ConstLabels: labels,
			},
			[]string{"outcome"},
		),
		CacheEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "cache_entries",
				Help:        "Number of cached streams",
				ConstLabels: labels,
			},
		),
		PersistentStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "cache_persistent_streams",
				Help:        "Number of persistent streams held in memory",
				ConstLabels: labels,
			},
		),
		Evictions: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "cache_evictions_total",
				Help:        "Total persistent streams evicted from memory",
				ConstLabels: labels,
			},
		),
		ArchiveTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "archive_ops_total",
				Help:        "Total snapshot archive operations by op and result",
				ConstLabels: labels,
			},
			[]string{"op", "result"},
		),
		Subscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "subscribers",
				Help:        "Number of registered observers",
				ConstLabels: labels,
			},
		),
		ObserverFaults: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "observer_faults_total",
				Help:        "Total observer callbacks that panicked",
				ConstLabels: labels,
			},
		),
		PollersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "pollers_active",
				Help:        "Number of active stream pollers",
				ConstLabels: labels,
			},
		),
		PollTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "poll_total",
				Help:        "Total poll ticks by result",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		ActivityAppended: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "activity_entries_appended_total",
				Help:        "Total activity log entries appended",
				ConstLabels: labels,
			},
		),
		Reconciliations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "activity_reconciliations_total",
				Help:        "Total activity log reconciliations from the full stream",
				ConstLabels: labels,
			},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "http_requests_total",
				Help:        "Total HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request duration in seconds",
				Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
				ConstLabels: labels,
			},
			[]string{"method", "path"},
		),
		WSConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "ws_connections_active",
				Help:        "Number of active WebSocket connections",
				ConstLabels: labels,
			},
		),
		WSMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "ws_messages_total",
				Help:        "Total WebSocket messages by direction and type",
				ConstLabels: labels,
			},
			[]string{"direction", "type"},
		),
	}
}

// RecordFetch 记录一次事件源读取
func (m *Metrics) RecordFetch(op string, latency time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.FetchTotal.WithLabelValues(op, result).Inc()
	m.FetchLatency.WithLabelValues(op).Observe(latency.Seconds())
}

// RecordMerge 记录合并结果
func (m *Metrics) RecordMerge(outcome string) {
	if m == nil {
		return
	}
	m.MergeTotal.WithLabelValues(outcome).Inc()
}

// SetCacheSize 设置缓存规模
func (m *Metrics) SetCacheSize(entries, persistent int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(entries))
	m.PersistentStreams.Set(float64(persistent))
}

// RecordEviction 记录淘汰
func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.Evictions.Inc()
}

// RecordArchive 记录归档读写（result: ok / hit / miss / error）
func (m *Metrics) RecordArchive(op, result string) {
	if m == nil {
		return
	}
	m.ArchiveTotal.WithLabelValues(op, result).Inc()
}

// SetSubscribers 设置观察者数量
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

// RecordObserverFault 记录观察者异常
func (m *Metrics) RecordObserverFault() {
	if m == nil {
		return
	}
	m.ObserverFaults.Inc()
}

// RecordPollerStart 记录轮询器启动
func (m *Metrics) RecordPollerStart() {
	if m == nil {
		return
	}
	m.PollersActive.Inc()
}

// RecordPollerStop 记录轮询器停止
func (m *Metrics) RecordPollerStop() {
	if m == nil {
		return
	}
	m.PollersActive.Dec()
}

// RecordPoll 记录一次轮询结果（ok / error / settled / discarded）
func (m *Metrics) RecordPoll(result string) {
	if m == nil {
		return
	}
	m.PollTotal.WithLabelValues(result).Inc()
}

// RecordActivity 记录活动日志追加
func (m *Metrics) RecordActivity(appended int, reconciled bool) {
	if m == nil {
		return
	}
	m.ActivityAppended.Add(float64(appended))
	if reconciled {
		m.Reconciliations.Inc()
	}
}

// Handler 返回 Prometheus HTTP Handler
//
// 由 New 创建的实例只导出自身 Registry。
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
