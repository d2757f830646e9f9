package service

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/apk-patchkit/internal/domain"
	"github.com/apk-analysis/apk-patchkit/internal/report"
	"github.com/apk-analysis/apk-patchkit/internal/worker"
)

// MockRunRepository Mock Repository
type MockRunRepository struct {
	mock.Mock
}

func (m *MockRunRepository) Create(ctx context.Context, run *domain.RunRecord) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockRunRepository) Upsert(ctx context.Context, run *domain.RunRecord) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockRunRepository) FindByID(ctx context.Context, id string) (*domain.RunRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.RunRecord), args.Error(1)
}

func (m *MockRunRepository) ListRecent(ctx context.Context, limit int) ([]*domain.RunRecord, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.RunRecord), args.Error(1)
}

func (m *MockRunRepository) CountByState(ctx context.Context) (map[domain.RunState]int64, int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).(map[domain.RunState]int64), args.Get(1).(int64), args.Error(2)
}

// recordingDispatcher 记录提交的请求
type recordingDispatcher struct {
	reqs []worker.RunRequest
	err  error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, req worker.RunRequest) error {
	if d.err != nil {
		return d.err
	}
	d.reqs = append(d.reqs, req)
	return nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// TestSubmit 测试提交运行
func TestSubmit(t *testing.T) {
	d := &recordingDispatcher{}
	svc := NewRunService(d, nil, "/srv/out", testLogger())

	id, err := svc.Submit(context.Background(), RunSubmission{Input: "/in/app.apk", Tier: "standard"})
	require.NoError(t, err)
	require.Len(t, d.reqs, 1)

	req := d.reqs[0]
	assert.Equal(t, id, req.ID)
	assert.Equal(t, filepath.Join("/srv/out", id), req.OutputDir)
	require.NotNil(t, req.Override)
	assert.Equal(t, domain.TierStandard, *req.Override)

	view, err := svc.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateStart, view.State)
}

// TestSubmit_Invalid 测试无效参数
func TestSubmit_Invalid(t *testing.T) {
	svc := NewRunService(&recordingDispatcher{}, nil, "", testLogger())

	_, err := svc.Submit(context.Background(), RunSubmission{Input: " "})
	assert.ErrorIs(t, err, ErrInvalidSubmission)

	_, err = svc.Submit(context.Background(), RunSubmission{Input: "a.apk", Tier: "extreme"})
	assert.ErrorIs(t, err, ErrInvalidSubmission)

	id, err := svc.Submit(context.Background(), RunSubmission{Input: "a.apk", Tier: "auto"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

// TestSubmit_DispatchFailure 测试提交失败不保留运行
func TestSubmit_DispatchFailure(t *testing.T) {
	svc := NewRunService(&recordingDispatcher{err: errors.New("queue is full")}, nil, "", testLogger())

	_, err := svc.Submit(context.Background(), RunSubmission{Input: "a.apk"})
	require.Error(t, err)

	runs, err := svc.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

// TestTrackTransitionsAndComplete 测试状态迁移与完成回调
func TestTrackTransitionsAndComplete(t *testing.T) {
	svc := NewRunService(&recordingDispatcher{}, nil, "", testLogger())
	now := time.Now().UTC()

	svc.OnTransition(domain.StateTransition{RunID: "q-1", From: domain.RunStateStart, To: domain.RunStateDetecting, At: now})
	view, err := svc.GetRun(context.Background(), "q-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateDetecting, view.State)
	assert.Len(t, view.History, 1)

	rep := report.New("q-1", "/in/q.apk", now)
	rep.State = domain.RunStateDone
	svc.Complete(rep, nil)

	view, err = svc.GetRun(context.Background(), "q-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateDone, view.State)
	assert.Equal(t, "/in/q.apk", view.InputPath)
	require.NotNil(t, view.Report)

	counts, total, err := svc.GetStateCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, int64(1), counts[domain.RunStateDone])
}

// TestGetRun_FromHistory 测试内存中不存在时查询数据库
func TestGetRun_FromHistory(t *testing.T) {
	repo := new(MockRunRepository)
	svc := NewRunService(&recordingDispatcher{}, repo, "", testLogger())

	rec := &domain.RunRecord{ID: "old", InputPath: "/in/old.apk", State: domain.RunStateFailed}
	repo.On("FindByID", mock.Anything, "old").Return(rec, nil)
	repo.On("FindByID", mock.Anything, "missing").Return(nil, errors.New("record not found"))

	view, err := svc.GetRun(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateFailed, view.State)
	assert.Same(t, rec, view.Record)

	_, err = svc.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	repo.AssertExpectations(t)
}

// TestListRuns_FromRepository 测试列表来自数据库
func TestListRuns_FromRepository(t *testing.T) {
	repo := new(MockRunRepository)
	svc := NewRunService(&recordingDispatcher{}, repo, "", testLogger())

	recs := []*domain.RunRecord{{ID: "b"}, {ID: "a"}}
	repo.On("ListRecent", mock.Anything, 5).Return(recs, nil)

	got, err := svc.ListRuns(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, recs, got)
	repo.AssertExpectations(t)
}
