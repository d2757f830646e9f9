package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/apk-patchkit/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// setupTestMetrics 创建测试用的 Prometheus 指标收集器
func setupTestMetrics(t *testing.T) *PrometheusMetrics {
	return NewPrometheusMetrics(testLogger(), "test")
}

// TestPrometheusMetrics_Initialization 测试指标初始化
func TestPrometheusMetrics_Initialization(t *testing.T) {
	pm := setupTestMetrics(t)

	assert.NotNil(t, pm)
	assert.NotNil(t, pm.Registry())
	assert.NotNil(t, pm.httpRequestsTotal)
	assert.NotNil(t, pm.runsTotal)
	assert.NotNil(t, pm.patchRecordsTotal)
	assert.NotNil(t, pm.retryAttemptsTotal)

	// 同名 namespace 可以重复创建
	assert.NotPanics(t, func() { NewPrometheusMetrics(testLogger(), "test") })
}

// TestHTTPMiddleware 测试 HTTP 中间件
func TestHTTPMiddleware(t *testing.T) {
	pm := setupTestMetrics(t)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(pm.HTTPMiddleware())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	router.GET("/metrics", pm.Handler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(pm.httpRequestsTotal.WithLabelValues("GET", "/test", "200")))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_http_requests_total")
}

// TestRecordRunMetrics 测试运行指标记录
func TestRecordRunMetrics(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordRunStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.runsInProgress))

	pm.RecordTransition(domain.RunStateStart, domain.RunStateDetecting)
	pm.RecordDetection(12)
	pm.RecordPatchOutcome(&domain.PatchOutcome{
		Records: []domain.PatchRecord{
			{Tier: domain.TierAdvanced, Category: domain.CategoryRootDetection},
			{Tier: domain.TierAdvanced, Category: domain.CategoryRootDetection},
		},
		Failures: []domain.PatchFailure{{FilePath: "a"}},
	})
	pm.RecordWarnings([]domain.Warning{{Kind: domain.WarningFileIO}, {Kind: domain.WarningFileIO}})
	pm.RecordTierFallback()
	pm.RecordRunFinished(domain.RunStateDone, 2*time.Second)

	assert.Equal(t, 0.0, testutil.ToFloat64(pm.runsInProgress))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.runsTotal.WithLabelValues("done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.transitionsTotal.WithLabelValues("start", "detecting")))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.patchRecordsTotal.WithLabelValues("advanced", "root_detection")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.patchFailuresTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.warningsTotal.WithLabelValues("file_io")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.tierFallbackTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(pm.detectionScore))
}

// TestWorkerPoolAndRetryMetrics 测试 worker pool 与重试指标
func TestWorkerPoolAndRetryMetrics(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.UpdateWorkerPoolStats(4, 2, 7)
	assert.Equal(t, 4.0, testutil.ToFloat64(pm.workerPoolSize))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.workerPoolActive))
	assert.Equal(t, 7.0, testutil.ToFloat64(pm.workerPoolQueueSize))

	pm.RecordRetryAttempt("signer", 2)
	pm.RecordRetrySuccess("signer")
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.retryAttemptsTotal.WithLabelValues("signer", "2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.retrySuccessTotal.WithLabelValues("signer")))
}

// TestMemoryMonitor 测试内存采样推送到指标
func TestMemoryMonitor(t *testing.T) {
	pm := setupTestMetrics(t)
	m := NewMemoryMonitor(testLogger(), pm, time.Hour)

	stats := m.Sample()
	assert.Greater(t, stats.Goroutines, 0)
	assert.Equal(t, stats, m.Stats())
	assert.Greater(t, testutil.ToFloat64(pm.goroutinesCount), 0.0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/stats", m.StatsEndpoint())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/stats", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "goroutines"))
}

// TestAPIKeyAuth 测试 API 鉴权
func TestAPIKeyAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	newRouter := func(key string) *gin.Engine {
		r := gin.New()
		r.Use(APIKeyAuth(key))
		r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })
		return r
	}

	cases := []struct {
		key    string
		header string
		want   int
	}{
		{"", "", http.StatusNoContent},
		{"secret-key", "", http.StatusUnauthorized},
		{"secret-key", "secret-key", http.StatusUnauthorized},
		{"secret-key", "Bearer wrong", http.StatusUnauthorized},
		{"secret-key", "Bearer secret-key", http.StatusNoContent},
	}
	for _, c := range cases {
		req := httptest.NewRequest("GET", "/x", nil)
		if c.header != "" {
			req.Header.Set("Authorization", c.header)
		}
		w := httptest.NewRecorder()
		newRouter(c.key).ServeHTTP(w, req)
		require.Equal(t, c.want, w.Code, "key=%q header=%q", c.key, c.header)
	}
}
