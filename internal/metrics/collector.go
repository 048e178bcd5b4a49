// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 语音服务的 Prometheus 指标收集器。
// 实现 monitor.Observer，由 monitor.Collector 在每次开始/完成时回调。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 语音请求指标
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestSize     *prometheus.HistogramVec
	inFlight        *prometheus.GaugeVec
	errorsTotal     *prometheus.CounterVec

	// 资源管控指标
	admissionRejected *prometheus.CounterVec
	streamingSessions *prometheus.GaugeVec
	segmentsTotal     prometheus.Counter

	// 告警指标
	alertsTotal *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 语音请求指标
	c.requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of speech requests",
		},
		[]string{"class", "status"},
	)

	c.requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Speech request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"class"},
	)

	c.requestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_size_bytes",
			Help:      "Speech request input size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 7),
		},
		[]string{"class"},
	)

	c.inFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Number of speech requests currently running",
		},
		[]string{"class"},
	)

	c.errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of failed speech requests by error kind",
		},
		[]string{"class", "kind"},
	)

	// 资源管控指标
	c.admissionRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejected_total",
			Help:      "Total number of submissions rejected at admission",
		},
		[]string{"class"},
	)

	c.streamingSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streaming_sessions",
			Help:      "Number of open streaming sessions",
		},
		[]string{"kind"}, // kind: synthesis, recognition
	)

	c.segmentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_synthesized_total",
			Help:      "Total number of long-text segments synthesized",
		},
	)

	// 告警指标
	c.alertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Total number of alert transitions",
		},
		[]string{"type", "level"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

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
// 🎙️ 语音请求指标记录
// =============================================================================

// ObserveStart 请求被准入
func (c *Collector) ObserveStart(class string, size int64) {
	c.inFlight.WithLabelValues(class).Inc()
	if size > 0 {
		c.requestSize.WithLabelValues(class).Observe(float64(size))
	}
}

// ObserveComplete 请求结束
func (c *Collector) ObserveComplete(class string, latency time.Duration, success bool, errorKind string) {
	c.inFlight.WithLabelValues(class).Dec()
	c.requestDuration.WithLabelValues(class).Observe(latency.Seconds())
	if success {
		c.requestsTotal.WithLabelValues(class, "success").Inc()
		return
	}
	c.requestsTotal.WithLabelValues(class, "failure").Inc()
	if errorKind == "" {
		errorKind = "unknown"
	}
	c.errorsTotal.WithLabelValues(class, errorKind).Inc()
}

// RecordAdmissionRejected 记录准入拒绝
func (c *Collector) RecordAdmissionRejected(class string) {
	c.admissionRejected.WithLabelValues(class).Inc()
}

// SetStreamingSessions 设置当前流式会话数
func (c *Collector) SetStreamingSessions(kind string, n int) {
	c.streamingSessions.WithLabelValues(kind).Set(float64(n))
}

// RecordSegments 记录分段合成的段数
func (c *Collector) RecordSegments(n int) {
	c.segmentsTotal.Add(float64(n))
}

// RecordAlert 记录一次告警触发或恢复
func (c *Collector) RecordAlert(alertType, level string) {
	c.alertsTotal.WithLabelValues(alertType, level).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
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
