package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-patchkit/internal/domain"
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct {
	logger   *logrus.Logger
	registry *prometheus.Registry

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 运行指标
	runsTotal        *prometheus.CounterVec
	runsInProgress   prometheus.Gauge
	runDuration      *prometheus.HistogramVec
	transitionsTotal *prometheus.CounterVec

	// 流水线指标
	detectionScore     prometheus.Histogram
	patchRecordsTotal  *prometheus.CounterVec
	patchFailuresTotal prometheus.Counter
	warningsTotal      *prometheus.CounterVec
	tierFallbackTotal  prometheus.Counter

	// 系统指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge
	gcCount         prometheus.Gauge

	// Worker Pool 指标
	workerPoolSize      prometheus.Gauge
	workerPoolActive    prometheus.Gauge
	workerPoolQueueSize prometheus.Gauge

	// 重试指标
	retryAttemptsTotal *prometheus.CounterVec
	retrySuccessTotal  *prometheus.CounterVec
}

// NewPrometheusMetrics 创建 Prometheus 指标收集器，每个实例使用独立的 Registry
func NewPrometheusMetrics(logger *logrus.Logger, namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "patchkit"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	pm := &PrometheusMetrics{
		logger:   logger,
		registry: reg,

		// HTTP 请求指标
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"method", "path"},
		),

		// 运行指标
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of pipeline runs by terminal state",
			},
			[]string{"state"}, // started, done, failed
		),
		runsInProgress: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_in_progress",
				Help:      "Number of pipeline runs currently in progress",
			},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Pipeline run duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"state"},
		),
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Total number of orchestrator state transitions",
			},
			[]string{"from", "to"},
		),

		// 流水线指标
		detectionScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "detection_aggregate_score",
				Help:      "Aggregate detection score per run",
				Buckets:   []float64{0, 1, 5, 10, 20, 50, 100, 250},
			},
		),
		patchRecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "patch_records_total",
				Help:      "Total number of applied rule matches",
			},
			[]string{"tier", "category"},
		),
		patchFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "patch_failures_total",
				Help:      "Total number of files whose patched content could not be written",
			},
		),
		warningsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warnings_total",
				Help:      "Total number of non-fatal warnings by kind",
			},
			[]string{"kind"},
		),
		tierFallbackTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tier_fallback_total",
				Help:      "Total number of runs that fell back to the standard tier",
			},
		),

		// 系统指标
		memoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		goroutinesCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_count",
				Help:      "Current number of goroutines",
			},
		),
		gcCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gc_count",
				Help:      "Number of completed GC cycles",
			},
		),

		// Worker Pool 指标
		workerPoolSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_size",
				Help:      "Total number of run workers in the pool",
			},
		),
		workerPoolActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_active",
				Help:      "Number of run workers currently busy",
			},
		),
		workerPoolQueueSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_queue_size",
				Help:      "Number of runs waiting in queue",
			},
		),

		// 重试指标
		retryAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation", "attempt"}, // operation: signer/advisor/publish
		),
		retrySuccessTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_success_total",
				Help:      "Total number of successful retries",
			},
			[]string{"operation"},
		),
	}

	logger.Debug("Prometheus metrics initialized")
	return pm
}

// Registry 指标注册表
func (pm *PrometheusMetrics) Registry() *prometheus.Registry {
	return pm.registry
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// 处理请求
		c.Next()

		// 记录指标
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 Prometheus HTTP Handler
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordRunStarted 记录运行开始
func (pm *PrometheusMetrics) RecordRunStarted() {
	pm.runsTotal.WithLabelValues("started").Inc()
	pm.runsInProgress.Inc()
}

// RecordRunFinished 记录运行结束（done 或 failed）
func (pm *PrometheusMetrics) RecordRunFinished(state domain.RunState, duration time.Duration) {
	pm.runsTotal.WithLabelValues(string(state)).Inc()
	pm.runsInProgress.Dec()
	pm.runDuration.WithLabelValues(string(state)).Observe(duration.Seconds())
}

// RecordTransition 记录状态迁移
func (pm *PrometheusMetrics) RecordTransition(from, to domain.RunState) {
	pm.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

// RecordDetection 记录检测分数
func (pm *PrometheusMetrics) RecordDetection(score int) {
	pm.detectionScore.Observe(float64(score))
}

// RecordPatchOutcome 记录补丁结果
func (pm *PrometheusMetrics) RecordPatchOutcome(outcome *domain.PatchOutcome) {
	if outcome == nil {
		return
	}
	for _, r := range outcome.Records {
		pm.patchRecordsTotal.WithLabelValues(string(r.Tier), string(r.Category)).Inc()
	}
	pm.patchFailuresTotal.Add(float64(len(outcome.Failures)))
}

// RecordWarnings 按类型记录警告
func (pm *PrometheusMetrics) RecordWarnings(warnings []domain.Warning) {
	for _, w := range warnings {
		pm.warningsTotal.WithLabelValues(string(w.Kind)).Inc()
	}
}

// RecordTierFallback 记录等级回退
func (pm *PrometheusMetrics) RecordTierFallback() {
	pm.tierFallbackTotal.Inc()
}

// UpdateMemoryStats 更新内存统计
func (pm *PrometheusMetrics) UpdateMemoryStats(stats MemoryStats) {
	pm.memoryUsage.Set(float64(stats.Alloc))
	pm.goroutinesCount.Set(float64(stats.Goroutines))
	pm.gcCount.Set(float64(stats.NumGC))
}

// UpdateWorkerPoolStats 更新 Worker Pool 统计
func (pm *PrometheusMetrics) UpdateWorkerPoolStats(size, active, queueSize int) {
	pm.workerPoolSize.Set(float64(size))
	pm.workerPoolActive.Set(float64(active))
	pm.workerPoolQueueSize.Set(float64(queueSize))
}

// RecordRetryAttempt 记录重试尝试
func (pm *PrometheusMetrics) RecordRetryAttempt(operation string, attempt int) {
	pm.retryAttemptsTotal.WithLabelValues(operation, strconv.Itoa(attempt)).Inc()
}

// RecordRetrySuccess 记录重试成功
func (pm *PrometheusMetrics) RecordRetrySuccess(operation string) {
	pm.retrySuccessTotal.WithLabelValues(operation).Inc()
}
