package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/apk-patchkit/internal/domain"
	"github.com/apk-analysis/apk-patchkit/internal/service"
)

// MockRunService Mock Service
type MockRunService struct {
	mock.Mock
}

func (m *MockRunService) Submit(ctx context.Context, sub service.RunSubmission) (string, error) {
	args := m.Called(sub)
	return args.String(0), args.Error(1)
}

func (m *MockRunService) GetRun(ctx context.Context, id string) (*service.RunView, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.RunView), args.Error(1)
}

func (m *MockRunService) ListRuns(ctx context.Context, limit int) ([]*domain.RunRecord, error) {
	args := m.Called(limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.RunRecord), args.Error(1)
}

func (m *MockRunService) GetStateCounts(ctx context.Context) (map[domain.RunState]int64, int64, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).(map[domain.RunState]int64), args.Get(1).(int64), args.Error(2)
}

// setupTestRouter 设置测试路由
func setupTestRouter(svc service.RunService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	handler := NewRunHandler(svc, logger)
	r := gin.New()
	r.POST("/api/runs", handler.CreateRun)
	r.GET("/api/runs", handler.ListRuns)
	r.GET("/api/runs/:id", handler.GetRun)
	r.GET("/api/stats", handler.GetSystemStats)
	return r
}

// TestRunHandler_CreateRun 测试提交运行
func TestRunHandler_CreateRun(t *testing.T) {
	mockService := new(MockRunService)
	router := setupTestRouter(mockService)

	sub := service.RunSubmission{Input: "/in/app.apk", Tier: "standard"}
	mockService.On("Submit", sub).Return("run-42", nil)

	body, _ := json.Marshal(sub)
	req := httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "run-42", resp["run_id"])
	mockService.AssertExpectations(t)
}

// TestRunHandler_CreateRun_BadRequest 测试缺少 input 与无效等级
func TestRunHandler_CreateRun_BadRequest(t *testing.T) {
	mockService := new(MockRunService)
	router := setupTestRouter(mockService)

	req := httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewBufferString(`{"tier":"basic"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	sub := service.RunSubmission{Input: "a.apk", Tier: "extreme"}
	mockService.On("Submit", sub).Return("", fmt.Errorf("%w: bad tier", service.ErrInvalidSubmission))
	body, _ := json.Marshal(sub)
	req = httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	mockService.AssertExpectations(t)
}

// TestRunHandler_CreateRun_QueueFull 测试执行方不可用
func TestRunHandler_CreateRun_QueueFull(t *testing.T) {
	mockService := new(MockRunService)
	router := setupTestRouter(mockService)

	sub := service.RunSubmission{Input: "a.apk"}
	mockService.On("Submit", sub).Return("", errors.New("run queue is full"))
	body, _ := json.Marshal(sub)
	req := httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// TestRunHandler_GetRun 测试获取运行
func TestRunHandler_GetRun(t *testing.T) {
	mockService := new(MockRunService)
	router := setupTestRouter(mockService)

	view := &service.RunView{ID: "run-1", State: domain.RunStateDone, InputPath: "/in/app.apk"}
	mockService.On("GetRun", "run-1").Return(view, nil)
	mockService.On("GetRun", "missing").Return(nil, service.ErrRunNotFound)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs/run-1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var got service.RunView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "run-1", got.ID)
	assert.Equal(t, domain.RunStateDone, got.State)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	mockService.AssertExpectations(t)
}

// TestRunHandler_ListRuns 测试列表与 limit 上限
func TestRunHandler_ListRuns(t *testing.T) {
	mockService := new(MockRunService)
	router := setupTestRouter(mockService)

	mockService.On("ListRuns", 200).Return([]*domain.RunRecord{{ID: "a"}, {ID: "b"}}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs?limit=5000", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Runs  []domain.RunRecord `json:"runs"`
		Count int                `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	mockService.AssertExpectations(t)
}

// TestRunHandler_GetSystemStats 测试状态统计
func TestRunHandler_GetSystemStats(t *testing.T) {
	mockService := new(MockRunService)
	router := setupTestRouter(mockService)

	mockService.On("GetStateCounts").Return(map[domain.RunState]int64{domain.RunStateDone: 3}, int64(3), nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"total":3,"states":{"done":3}}`, w.Body.String())
}
