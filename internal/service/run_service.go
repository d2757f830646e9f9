package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-patchkit/internal/domain"
	"github.com/apk-analysis/apk-patchkit/internal/report"
	"github.com/apk-analysis/apk-patchkit/internal/repository"
	"github.com/apk-analysis/apk-patchkit/internal/worker"
)

// maxTrackedRuns 内存中保留的运行数量
const maxTrackedRuns = 500

var (
	// ErrRunNotFound 运行不存在
	ErrRunNotFound = errors.New("run not found")
	// ErrInvalidSubmission 提交参数无效
	ErrInvalidSubmission = errors.New("invalid run submission")
)

// RunSubmission 提交运行的参数
type RunSubmission struct {
	Input  string `json:"input" binding:"required"`
	Tier   string `json:"tier"`
	Out    string `json:"out"`
	Repack string `json:"repack"`
	Sign   bool   `json:"sign"`
}

// RunView 运行的当前视图
type RunView struct {
	ID          string                   `json:"id"`
	State       domain.RunState          `json:"state"`
	InputPath   string                   `json:"input_path"`
	OutputDir   string                   `json:"output_dir,omitempty"`
	SubmittedAt time.Time                `json:"submitted_at"`
	History     []domain.StateTransition `json:"history"`
	Report      *report.Report           `json:"report,omitempty"`
	Record      *domain.RunRecord        `json:"record,omitempty"`
}

// Dispatcher 将运行交给执行方（进程内 Pool 或消息队列）
type Dispatcher interface {
	Dispatch(ctx context.Context, req worker.RunRequest) error
}

// RunService 运行服务接口
type RunService interface {
	// 提交运行，返回运行 id
	Submit(ctx context.Context, sub RunSubmission) (string, error)

	// 获取运行
	GetRun(ctx context.Context, id string) (*RunView, error)

	// 最近的运行记录
	ListRuns(ctx context.Context, limit int) ([]*domain.RunRecord, error)

	// 各状态数量
	GetStateCounts(ctx context.Context) (map[domain.RunState]int64, int64, error)
}

// Tracker 同时作为状态迁移观察者和运行完成回调
type Tracker interface {
	RunService
	OnTransition(t domain.StateTransition)
	Complete(rep *report.Report, err error)
}

type runService struct {
	dispatcher Dispatcher
	runRepo    repository.RunRepository // 可为 nil
	outputRoot string
	logger     *logrus.Logger

	mu    sync.RWMutex
	runs  map[string]*RunView
	order []string
}

// NewRunService 创建运行服务实例，runRepo 可为 nil
func NewRunService(dispatcher Dispatcher, runRepo repository.RunRepository, outputRoot string, logger *logrus.Logger) Tracker {
	return &runService{
		dispatcher: dispatcher,
		runRepo:    runRepo,
		outputRoot: outputRoot,
		logger:     logger,
		runs:       make(map[string]*RunView),
	}
}

func (s *runService) Submit(ctx context.Context, sub RunSubmission) (string, error) {
	input := strings.TrimSpace(sub.Input)
	if input == "" {
		return "", fmt.Errorf("%w: input is required", ErrInvalidSubmission)
	}
	override, err := domain.ParseTier(sub.Tier)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}

	id := uuid.New().String()
	out := sub.Out
	if out == "" && s.outputRoot != "" {
		out = filepath.Join(s.outputRoot, id)
	}
	req := worker.RunRequest{
		ID:         id,
		InputPath:  input,
		Override:   override,
		OutputDir:  out,
		RepackPath: sub.Repack,
		Sign:       sub.Sign,
	}

	s.track(&RunView{
		ID:          id,
		State:       domain.RunStateStart,
		InputPath:   input,
		OutputDir:   out,
		SubmittedAt: time.Now().UTC(),
		History:     []domain.StateTransition{},
	})

	if err := s.dispatcher.Dispatch(ctx, req); err != nil {
		s.forget(id)
		s.logger.WithError(err).WithField("input", input).Error("Failed to dispatch run")
		return "", fmt.Errorf("dispatch run: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"run_id": id,
		"input":  input,
		"tier":   sub.Tier,
	}).Info("Run submitted")
	return id, nil
}

func (s *runService) GetRun(ctx context.Context, id string) (*RunView, error) {
	s.mu.RLock()
	view, ok := s.runs[id]
	if ok {
		cp := *view
		cp.History = append([]domain.StateTransition{}, view.History...)
		s.mu.RUnlock()
		return &cp, nil
	}
	s.mu.RUnlock()

	if s.runRepo == nil {
		return nil, ErrRunNotFound
	}
	rec, err := s.runRepo.FindByID(ctx, id)
	if err != nil {
		s.logger.WithError(err).WithField("run_id", id).Debug("Run not found in history")
		return nil, ErrRunNotFound
	}
	view = &RunView{
		ID:        rec.ID,
		State:     rec.State,
		InputPath: rec.InputPath,
		OutputDir: rec.OutputDir,
		History:   []domain.StateTransition{},
		Record:    rec,
	}
	if rec.StartedAt != nil {
		view.SubmittedAt = *rec.StartedAt
	}
	if rec.ReportPath != "" {
		if rep, err := report.Load(rec.ReportPath); err == nil {
			view.Report = rep
			view.History = rep.History
		}
	}
	return view, nil
}

func (s *runService) ListRuns(ctx context.Context, limit int) ([]*domain.RunRecord, error) {
	if s.runRepo != nil {
		runs, err := s.runRepo.ListRecent(ctx, limit)
		if err != nil {
			s.logger.WithError(err).Error("Failed to list runs")
			return nil, fmt.Errorf("list runs: %w", err)
		}
		return runs, nil
	}

	// 无数据库时返回内存中的运行
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	out := make([]*domain.RunRecord, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		v := s.runs[s.order[i]]
		submitted := v.SubmittedAt
		out = append(out, &domain.RunRecord{
			ID:        v.ID,
			InputPath: v.InputPath,
			OutputDir: v.OutputDir,
			State:     v.State,
			StartedAt: &submitted,
			CreatedAt: submitted,
		})
	}
	return out, nil
}

func (s *runService) GetStateCounts(ctx context.Context) (map[domain.RunState]int64, int64, error) {
	if s.runRepo != nil {
		return s.runRepo.CountByState(ctx)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[domain.RunState]int64)
	for _, v := range s.runs {
		counts[v.State]++
	}
	return counts, int64(len(s.runs)), nil
}

// OnTransition 更新内存中的运行状态
func (s *runService) OnTransition(t domain.StateTransition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.runs[t.RunID]
	if !ok {
		// 从队列或收件目录进入的运行
		v = &RunView{ID: t.RunID, SubmittedAt: t.At, History: []domain.StateTransition{}}
		s.insertLocked(v)
	}
	v.State = t.To
	v.History = append(v.History, t)
}

// Complete 记录运行结束后的报告
func (s *runService) Complete(rep *report.Report, err error) {
	if rep == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.runs[rep.RunID]
	if !ok {
		v = &RunView{ID: rep.RunID, SubmittedAt: rep.StartedAt}
		s.insertLocked(v)
	}
	v.State = rep.State
	v.InputPath = rep.InputPath
	v.OutputDir = rep.OutputDir
	v.History = rep.History
	v.Report = rep
}

func (s *runService) track(v *RunView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(v)
}

func (s *runService) insertLocked(v *RunView) {
	s.runs[v.ID] = v
	s.order = append(s.order, v.ID)
	for len(s.order) > maxTrackedRuns {
		delete(s.runs, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *runService) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// PoolDispatcher 提交到进程内 Pool
type PoolDispatcher struct {
	Pool   *worker.Pool
	OnDone func(rep *report.Report, err error)
}

// Dispatch 异步提交
func (d *PoolDispatcher) Dispatch(ctx context.Context, req worker.RunRequest) error {
	return d.Pool.Submit(&worker.Task{Request: req, Done: d.OnDone})
}
