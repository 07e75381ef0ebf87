// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/insightflow/hitl"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。实现 hitl.MetricsRecorder 与
// dispatcher.MetricsRecorder 两个指标面。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 干预指标
	interventionsTotal   *prometheus.CounterVec
	interventionsPending prometheus.Gauge
	responseDuration     *prometheus.HistogramVec

	// 事件通道指标
	connectionsActive prometheus.Gauge
	eventsDelivered   *prometheus.CounterVec
	eventsDropped     *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册到 registerer。
// 测试传独立的 prometheus.NewRegistry() 避免重复注册冲突。
func NewCollector(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Collector {
	factory := promauto.With(registerer)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 干预指标
	c.interventionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hitl_interventions_total",
			Help:      "Total number of intervention requests by type and terminal status",
		},
		[]string{"type", "status"},
	)

	c.interventionsPending = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hitl_interventions_pending",
			Help:      "Number of currently pending intervention requests",
		},
	)

	c.responseDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hitl_response_duration_seconds",
			Help:      "Time from intervention request to resolution",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"type", "status"},
	)

	// 事件通道指标
	c.connectionsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_connections_active",
			Help:      "Number of active WebSocket connections",
		},
	)

	c.eventsDelivered = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_events_delivered_total",
			Help:      "Total number of events delivered to subscribers",
		},
		[]string{"event_type"},
	)

	c.eventsDropped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_events_dropped_total",
			Help:      "Total number of events dropped due to slow consumers",
		},
		[]string{"event_type"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🙋 干预指标记录（hitl.MetricsRecorder）
// =============================================================================

// InterventionCreated 记录干预请求创建
func (c *Collector) InterventionCreated(t hitl.InterventionType) {
	c.interventionsTotal.WithLabelValues(string(t), string(hitl.StatusPending)).Inc()
}

// InterventionResolved 记录干预请求终态化
func (c *Collector) InterventionResolved(t hitl.InterventionType, status hitl.Status, responseTime time.Duration) {
	c.interventionsTotal.WithLabelValues(string(t), string(status)).Inc()
	c.responseDuration.WithLabelValues(string(t), string(status)).Observe(responseTime.Seconds())
}

// SetPendingCount 更新挂起干预数
func (c *Collector) SetPendingCount(n int) {
	c.interventionsPending.Set(float64(n))
}

// =============================================================================
// 📡 事件通道指标记录（dispatcher.MetricsRecorder）
// =============================================================================

// ConnectionOpened 记录连接建立
func (c *Collector) ConnectionOpened() {
	c.connectionsActive.Inc()
}

// ConnectionClosed 记录连接关闭
func (c *Collector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

// EventDelivered 记录事件投递
func (c *Collector) EventDelivered(eventType string) {
	c.eventsDelivered.WithLabelValues(eventType).Inc()
}

// EventDropped 记录事件丢弃（慢消费者）
func (c *Collector) EventDropped(eventType string) {
	c.eventsDropped.WithLabelValues(eventType).Inc()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
