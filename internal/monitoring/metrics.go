package monitoring

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 重建索引的单封邮件结果
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Metrics 监控指标
//
// 所有方法对 nil 接收者安全，未启用监控的组件可以直接传 nil。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 重建索引指标
	ReindexMessagesTotal        *prometheus.CounterVec
	ReindexMailboxFailuresTotal prometheus.Counter
	ReindexMessageDuration      prometheus.Histogram

	// 任务指标
	TasksTotal    *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec
	TasksInFlight prometheus.Gauge

	// 解析指标
	AttachmentParseFailuresTotal prometheus.Counter

	// 错误指标
	PanicsTotal prometheus.Counter

	failedMessages atomic.Uint64
}

// NewMetrics 创建监控指标，使用独立的注册表
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailindex_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailindex_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		ReindexMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailindex_reindex_messages_total",
				Help: "Messages processed by reindexing runs, by outcome",
			},
			[]string{"outcome"},
		),

		ReindexMailboxFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailindex_reindex_mailbox_failures_total",
				Help: "Mailboxes whose enumeration failed during reindexing",
			},
		),

		ReindexMessageDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailindex_reindex_message_duration_seconds",
				Help:    "Time spent fetching and indexing one message",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
		),

		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailindex_tasks_total",
				Help: "Finished tasks by type and final status",
			},
			[]string{"type", "status"},
		),

		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailindex_task_duration_seconds",
				Help:    "Task run duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 12),
			},
			[]string{"type"},
		),

		TasksInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailindex_tasks_in_flight",
				Help: "Tasks currently running",
			},
		),

		AttachmentParseFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailindex_attachment_parse_failures_total",
				Help: "MIME parts skipped because they could not be parsed",
			},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailindex_panics_total",
				Help: "Recovered panics",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordReindexedMessage 记录单封邮件的处理结果
func (m *Metrics) RecordReindexedMessage(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ReindexMessagesTotal.WithLabelValues(outcome).Inc()
	if outcome != OutcomeSkipped {
		m.ReindexMessageDuration.Observe(duration.Seconds())
	}
	if outcome == OutcomeFailure {
		m.failedMessages.Add(1)
	}
}

// RecordMailboxFailure 记录文件夹级失败
func (m *Metrics) RecordMailboxFailure() {
	if m == nil {
		return
	}
	m.ReindexMailboxFailuresTotal.Inc()
}

// TaskStarted 任务开始执行
func (m *Metrics) TaskStarted(taskType string) {
	if m == nil {
		return
	}
	m.TasksInFlight.Inc()
}

// TaskFinished 任务结束
func (m *Metrics) TaskFinished(taskType, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TasksInFlight.Dec()
	m.TasksTotal.WithLabelValues(taskType, status).Inc()
	m.TaskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// AttachmentParseFailed 记录解析出错的 MIME 部分
func (m *Metrics) AttachmentParseFailed() {
	if m == nil {
		return
	}
	m.AttachmentParseFailuresTotal.Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// FailedMessages 进程启动以来索引失败的邮件数，供告警规则使用
func (m *Metrics) FailedMessages() uint64 {
	if m == nil {
		return 0
	}
	return m.failedMessages.Load()
}

// Registry 返回底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
