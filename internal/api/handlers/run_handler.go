package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-patchkit/internal/service"
)

// RunHandler 运行处理器
type RunHandler struct {
	runService service.RunService
	logger     *logrus.Logger
}

// NewRunHandler 创建运行处理器实例
func NewRunHandler(runService service.RunService, logger *logrus.Logger) *RunHandler {
	return &RunHandler{
		runService: runService,
		logger:     logger,
	}
}

// CreateRun 提交运行
// POST /api/runs {"input": "/data/in/app.apk", "tier": "auto", "out": "", "repack": "", "sign": false}
func (h *RunHandler) CreateRun(c *gin.Context) {
	var sub service.RunSubmission
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.runService.Submit(c.Request.Context(), sub)
	if err != nil {
		if errors.Is(err, service.ErrInvalidSubmission) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.WithError(err).Error("Failed to submit run")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"run_id": id})
}

// ListRuns 获取最近的运行
// GET /api/runs?limit=20
func (h *RunHandler) ListRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		limit = 20
	}
	// 限制最大数量，防止过大的查询
	if limit > 200 {
		limit = 200
	}

	runs, err := h.runService.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun 获取单个运行
func (h *RunHandler) GetRun(c *gin.Context) {
	id := c.Param("id")

	view, err := h.runService.GetRun(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, view)
}

// GetSystemStats 各状态运行数量
func (h *RunHandler) GetSystemStats(c *gin.Context) {
	counts, total, err := h.runService.GetStateCounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":  total,
		"states": counts,
	})
}
