package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-patchkit/internal/middleware"
	"github.com/apk-analysis/apk-patchkit/internal/report"
)

// ErrPoolClosed 池已停止
var ErrPoolClosed = errors.New("worker pool is stopped")

// Runner 执行单次运行
type Runner interface {
	Run(ctx context.Context, req RunRequest) (*report.Report, error)
}

// Pool 运行任务 Worker 池
type Pool struct {
	workers  int
	taskChan chan *Task
	runner   Runner
	metrics  *middleware.PrometheusMetrics
	logger   *logrus.Logger
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	active atomic.Int32
}

// Task 任务
type Task struct {
	Request  RunRequest
	Done     func(rep *report.Report, err error) // 可选，任务结束后在 worker 中调用
	resultCh chan taskResult                     // 用于同步等待任务完成
}

type taskResult struct {
	report *report.Report
	err    error
}

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, runner Runner, logger *logrus.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 100
	}
	return &Pool{
		workers:  workers,
		taskChan: make(chan *Task, queueSize),
		runner:   runner,
		logger:   logger,
	}
}

// SetMetrics 上报池状态
func (p *Pool) SetMetrics(m *middleware.PrometheusMetrics) {
	p.metrics = m
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// worker Worker 协程
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.WithField("worker_id", id).Debug("Worker started")

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Info("Worker shutting down")
			return

		case task, ok := <-p.taskChan:
			if !ok {
				p.logger.WithField("worker_id", id).Debug("Task channel closed, worker exiting")
				return
			}
			p.process(ctx, id, task)
		}
	}
}

func (p *Pool) process(ctx context.Context, id int, task *Task) {
	p.active.Add(1)
	p.reportStats()
	defer func() {
		p.active.Add(-1)
		p.reportStats()
	}()

	p.logger.WithFields(logrus.Fields{
		"worker_id": id,
		"run_id":    task.Request.ID,
		"input":     task.Request.InputPath,
	}).Info("Processing run")

	rep, err := p.runner.Run(ctx, task.Request)
	if err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"worker_id": id,
			"run_id":    task.Request.ID,
		}).Error("Run failed")
	} else {
		p.logger.WithFields(logrus.Fields{
			"worker_id": id,
			"run_id":    task.Request.ID,
		}).Info("Run completed successfully")
	}

	if task.Done != nil {
		task.Done(rep, err)
	}
	// 如果有结果通道，发送结果
	if task.resultCh != nil {
		task.resultCh <- taskResult{report: rep, err: err}
		close(task.resultCh)
	}
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.taskChan <- task:
		p.logger.WithField("run_id", task.Request.ID).Debug("Run submitted to pool")
		p.reportStats()
		return nil
	default:
		return fmt.Errorf("run queue is full (%d pending)", len(p.taskChan))
	}
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, task *Task) (*report.Report, error) {
	// 创建结果通道
	task.resultCh = make(chan taskResult, 1)

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	select {
	case p.taskChan <- task:
		p.mu.RUnlock()
		p.logger.WithField("run_id", task.Request.ID).Debug("Run submitted to pool (sync)")
	case <-ctx.Done():
		p.mu.RUnlock()
		return nil, ctx.Err()
	}

	// 等待结果
	select {
	case res := <-task.resultCh:
		return res.report, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop 停止 Worker 池，已排队的任务会执行完
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.taskChan)
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool")
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// QueueSize 获取队列中任务数
func (p *Pool) QueueSize() int {
	return len(p.taskChan)
}

// Active 正在执行的任务数
func (p *Pool) Active() int {
	return int(p.active.Load())
}

func (p *Pool) reportStats() {
	if p.metrics != nil {
		p.metrics.UpdateWorkerPoolStats(p.workers, p.Active(), p.QueueSize())
	}
}
