package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-patchkit/internal/api/handlers"
	"github.com/apk-analysis/apk-patchkit/internal/config"
	"github.com/apk-analysis/apk-patchkit/internal/middleware"
	"github.com/apk-analysis/apk-patchkit/internal/service"
)

// Version API 版本
const Version = "1.0.0"

// SetupRouter 组装 HTTP 路由；memMonitor 与 promMetrics 可为 nil
func SetupRouter(cfg *config.Config, logger *logrus.Logger, runService service.RunService, events *handlers.RunEventHandler, memMonitor *middleware.MemoryMonitor, promMetrics *middleware.PrometheusMetrics) *gin.Engine {
	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	// Prometheus 监控中间件
	if promMetrics != nil {
		r.Use(promMetrics.HTTPMiddleware())
		r.GET("/metrics/prometheus", promMetrics.Handler())
	}
	if memMonitor != nil {
		r.GET("/metrics", memMonitor.StatsEndpoint())
	}

	runHandler := handlers.NewRunHandler(runService, logger)
	auth := middleware.APIKeyAuth(cfg.Server.APIKey)

	// 运行事件流
	if events != nil {
		r.GET("/ws/runs/:id", auth, events.HandleWebSocket)
	}

	v1 := r.Group("/api")
	{
		// 健康检查（无需认证）
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "ok",
				"version": Version,
			})
		})

		protected := v1.Group("", auth)
		protected.GET("/stats", runHandler.GetSystemStats)
		protected.POST("/runs", runHandler.CreateRun)
		protected.GET("/runs", runHandler.ListRuns)
		protected.GET("/runs/:id", runHandler.GetRun)
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		method := c.Request.Method
		path := c.Request.URL.Path

		logger.WithFields(logrus.Fields{
			"status":  statusCode,
			"method":  method,
			"path":    path,
			"latency": latency.Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
