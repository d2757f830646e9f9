package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-patchkit/internal/advisor"
	"github.com/apk-analysis/apk-patchkit/internal/bundle"
	"github.com/apk-analysis/apk-patchkit/internal/config"
	"github.com/apk-analysis/apk-patchkit/internal/detector"
	"github.com/apk-analysis/apk-patchkit/internal/domain"
	"github.com/apk-analysis/apk-patchkit/internal/middleware"
	"github.com/apk-analysis/apk-patchkit/internal/patcher"
	"github.com/apk-analysis/apk-patchkit/internal/pattern"
	"github.com/apk-analysis/apk-patchkit/internal/report"
	"github.com/apk-analysis/apk-patchkit/internal/repository"
	"github.com/apk-analysis/apk-patchkit/internal/signer"
	"github.com/apk-analysis/apk-patchkit/internal/tier"
	"github.com/apk-analysis/apk-patchkit/internal/verifier"
)

// Advisor 等级建议服务
type Advisor interface {
	Suggest(ctx context.Context, req advisor.Request) (*advisor.Advice, error)
}

// Signer 外部签名工具
type Signer interface {
	Sign(ctx context.Context, apkPath string) error
}

// TransitionObserver 接收运行状态迁移（WebSocket 广播等）
type TransitionObserver interface {
	OnTransition(t domain.StateTransition)
}

// RunRequest 一次运行请求
type RunRequest struct {
	ID         string         // 为空时生成 uuid
	InputPath  string         // 目录或 zip/apk
	Bundle     *bundle.Bundle // 非空时直接使用，不再读取 InputPath
	Override   *domain.Tier   // nil 表示自动选择
	OutputDir  string         // 补丁后目录与报告的输出位置，空表示不写出
	RepackPath string         // 重新打包的目标文件，空表示不打包
	Sign       bool           // 打包后调用签名工具
}

// Orchestrator 核心编排器
// 状态机 start -> detecting -> deciding -> patching -> verifying -> done，任意阶段可进入 failed
type Orchestrator struct {
	registry   *pattern.Registry
	detector   *detector.Detector
	patcher    *patcher.Patcher
	verifier   *verifier.Verifier
	thresholds domain.Thresholds
	runTimeout time.Duration

	advisor Advisor
	signer  Signer
	runRepo repository.RunRepository
	metrics *middleware.PrometheusMetrics

	mu        sync.RWMutex
	observers []TransitionObserver

	logger *logrus.Logger
	now    func() time.Time
}

// NewOrchestrator 创建编排器
// registry 必须已加载；advisor 与 signer 按配置启用
func NewOrchestrator(registry *pattern.Registry, cfg *config.Config, logger *logrus.Logger) *Orchestrator {
	o := &Orchestrator{
		registry:   registry,
		detector:   detector.NewDetector(cfg.Pipeline.Workers, logger),
		patcher:    patcher.NewPatcher(cfg.Pipeline.Workers, logger),
		verifier:   verifier.NewVerifier(cfg.Verify, logger),
		thresholds: cfg.Tiers,
		runTimeout: cfg.Pipeline.RunTimeoutDuration(),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}

	if cfg.Advisor.Enabled && cfg.Advisor.URL != "" {
		o.advisor = advisor.NewClient(cfg.Advisor.URL, cfg.Advisor.APIKey,
			time.Duration(cfg.Advisor.Timeout)*time.Second, logger)
		logger.WithField("url", cfg.Advisor.URL).Info("Tier advisor enabled")
	}
	if cfg.Signer.Enabled && cfg.Signer.Command != "" {
		o.signer = signer.NewSigner(cfg.Signer.Command, cfg.Signer.Args,
			time.Duration(cfg.Signer.Timeout)*time.Second, cfg.Signer.MaxRetries, logger)
		logger.WithField("command", cfg.Signer.Command).Info("External signer enabled")
	}

	logger.WithFields(logrus.Fields{
		"patterns":        registry.Source(),
		"tiers":           registry.Tiers(),
		"workers":         cfg.Pipeline.Workers,
		"standard_above":  cfg.Tiers.StandardAbove,
		"advanced_above":  cfg.Tiers.AdvancedAbove,
		"advisor_enabled": o.advisor != nil,
		"signer_enabled":  o.signer != nil,
	}).Info("Orchestrator initialized")
	return o
}

// SetAdvisor 替换建议服务，nil 表示禁用
func (o *Orchestrator) SetAdvisor(a Advisor) {
	o.advisor = a
}

// SetSigner 替换签名工具，nil 表示禁用
func (o *Orchestrator) SetSigner(s Signer) {
	o.signer = s
}

// SetRunRepository 启用运行历史持久化
func (o *Orchestrator) SetRunRepository(repo repository.RunRepository) {
	o.runRepo = repo
}

// SetMetrics 启用 Prometheus 指标，同时作为协作方重试的观察者
func (o *Orchestrator) SetMetrics(m *middleware.PrometheusMetrics) {
	o.metrics = m
	if c, ok := o.advisor.(*advisor.Client); ok {
		c.WithRetryObserver(m)
	}
	if s, ok := o.signer.(*signer.Signer); ok {
		s.WithRetryObserver(m)
	}
}

// AddObserver 注册状态迁移观察者
func (o *Orchestrator) AddObserver(obs TransitionObserver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, obs)
}

// Registry 当前使用的规则库
func (o *Orchestrator) Registry() *pattern.Registry {
	return o.registry
}

// Run 执行一次完整运行
// 返回的报告总是非空；失败时报告包含已完成阶段的部分结果
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*report.Report, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if o.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.runTimeout)
		defer cancel()
	}

	r := &run{
		o:      o,
		req:    req,
		state:  domain.RunStateStart,
		report: report.New(req.ID, req.InputPath, o.now()),
		log: o.logger.WithFields(logrus.Fields{
			"run_id": req.ID,
			"input":  req.InputPath,
		}),
	}
	r.report.OutputDir = req.OutputDir
	r.report.RepackPath = req.RepackPath
	r.report.PatternSource = o.registry.Source()

	if o.metrics != nil {
		o.metrics.RecordRunStarted()
	}
	r.log.Info("Run started")
	r.persist(ctx)

	err := r.execute(ctx)
	if err != nil {
		r.fail(err)
	}
	r.finish(ctx)
	return r.report, err
}

// run 单次运行的可变状态，仅由一个 goroutine 使用
type run struct {
	o      *Orchestrator
	req    RunRequest
	state  domain.RunState
	report *report.Report
	bundle *bundle.Bundle
	log    *logrus.Entry

	persistWarned bool
}

func (r *run) execute(ctx context.Context) error {
	if err := r.checkOutputDir(); err != nil {
		return err
	}

	// 检测
	if err := r.transition(ctx, domain.RunStateDetecting, ""); err != nil {
		return err
	}
	b, err := r.loadBundle()
	if err != nil {
		return err
	}
	r.bundle = b

	detection, err := r.o.detector.Detect(ctx, b, r.o.registry.Indicators())
	if err != nil {
		return stageError(ctx, domain.RunStateDetecting, err)
	}
	r.report.Detection = detection
	r.report.AddWarnings(detection.Warnings...)
	if r.o.metrics != nil {
		r.o.metrics.RecordDetection(detection.AggregateScore)
	}

	// 选择等级
	if err := r.transition(ctx, domain.RunStateDeciding, ""); err != nil {
		return err
	}
	decision := tier.DecideWithAdvice(detection, r.o.thresholds, r.req.Override, r.consultAdvisor(ctx, detection))
	r.report.Decision = &decision
	r.log.WithFields(logrus.Fields{
		"tier":   decision.SelectedTier,
		"score":  decision.AggregateScore,
		"source": decision.Source,
	}).Info("Tier selected")

	// 补丁
	if err := r.transition(ctx, domain.RunStatePatching, string(decision.SelectedTier)); err != nil {
		return err
	}
	applied, rules, err := r.resolveRules(decision.SelectedTier)
	if err != nil {
		return err
	}
	outcome, err := r.o.patcher.Apply(ctx, b, rules)
	if outcome != nil {
		outcome.AppliedTier = applied
		r.report.PatchReport = outcome.Records
		r.report.Failures = outcome.Failures
		r.report.AddWarnings(outcome.Warnings...)
	}
	if err != nil {
		return stageError(ctx, domain.RunStatePatching, err)
	}
	if r.o.metrics != nil {
		r.o.metrics.RecordPatchOutcome(outcome)
	}
	if r.req.OutputDir != "" {
		if err := bundle.WriteDir(b, r.req.OutputDir); err != nil {
			return &domain.StageFailure{Stage: domain.RunStatePatching, Err: fmt.Errorf("write output tree: %w", err)}
		}
	}

	// 校验
	if err := r.transition(ctx, domain.RunStateVerifying, ""); err != nil {
		return err
	}
	verification := r.o.verifier.Verify(b, detection, outcome)
	r.report.Verification = &verification
	r.repackage(ctx)

	return r.transition(ctx, domain.RunStateDone, "")
}

// checkOutputDir 输出目录已有报告时拒绝运行，避免改写旧报告描述的文件树
func (r *run) checkOutputDir() error {
	if r.req.OutputDir == "" {
		return nil
	}
	p := filepath.Join(r.req.OutputDir, report.FileName)
	if _, err := os.Stat(p); err == nil {
		return fmt.Errorf("output directory %s already holds %s from an earlier run", r.req.OutputDir, report.FileName)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("check output directory: %w", err)
	}
	return nil
}

// loadBundle 读取输入；失败时不构造任何替代内容
func (r *run) loadBundle() (*bundle.Bundle, error) {
	if r.req.Bundle != nil {
		return r.req.Bundle, nil
	}
	if r.req.InputPath == "" {
		return nil, &domain.BundleError{Path: "", Err: errors.New("no input given")}
	}
	b, err := bundle.Open(r.req.InputPath)
	if err != nil {
		var be *domain.BundleError
		if errors.As(err, &be) {
			return nil, err
		}
		return nil, &domain.BundleError{Path: r.req.InputPath, Err: err}
	}
	r.log.WithFields(logrus.Fields{
		"files":    b.Len(),
		"encoding": b.Summary(),
	}).Info("Bundle loaded")
	return b, nil
}

// consultAdvisor 仅在没有显式 override 时调用；失败记为警告
func (r *run) consultAdvisor(ctx context.Context, detection *domain.DetectionResult) *domain.Tier {
	if r.o.advisor == nil || r.req.Override != nil {
		return nil
	}
	req := advisor.Request{
		RunID:          r.req.ID,
		AggregateScore: detection.AggregateScore,
		Counts:         detection.Counts,
		Tiers:          r.o.registry.Tiers(),
	}
	for _, p := range detection.Protectors {
		req.Protectors = append(req.Protectors, p.Name)
	}

	advice, err := r.o.advisor.Suggest(ctx, req)
	if err != nil {
		r.log.WithError(err).Warn("Advisor unavailable, using threshold table")
		r.report.AddWarnings(domain.Warning{Kind: domain.WarningAdvisor, Message: err.Error()})
		return nil
	}
	t := advice.Tier
	return &t
}

// resolveRules 请求的等级不存在时回退一次到 standard
func (r *run) resolveRules(selected domain.Tier) (domain.Tier, []pattern.Rule, error) {
	if rules, ok := r.o.registry.Rules(selected); ok {
		return selected, rules, nil
	}

	r.log.WithField("tier", selected).Warn("Tier not configured, falling back to standard")
	r.report.AddWarnings(domain.Warning{
		Kind:    domain.WarningTierFallback,
		Message: fmt.Sprintf("tier %s has no rule set, falling back to %s", selected, domain.TierStandard),
	})
	if r.o.metrics != nil {
		r.o.metrics.RecordTierFallback()
	}
	if rules, ok := r.o.registry.Rules(domain.TierStandard); ok {
		return domain.TierStandard, rules, nil
	}
	return "", nil, &domain.StageFailure{
		Stage: domain.RunStatePatching,
		Err:   fmt.Errorf("neither tier %s nor fallback %s is configured", selected, domain.TierStandard),
	}
}

// repackage 打包与签名失败都只记警告
func (r *run) repackage(ctx context.Context) {
	if r.req.RepackPath == "" {
		if r.req.Sign {
			r.report.AddWarnings(domain.Warning{Kind: domain.WarningSigner, Message: "signing requested without a repack target"})
		}
		return
	}
	if err := bundle.WriteZip(r.bundle, r.req.RepackPath); err != nil {
		r.log.WithError(err).Warn("Repackage failed")
		r.report.AddWarnings(domain.Warning{Kind: domain.WarningFileIO, Path: r.req.RepackPath, Message: err.Error()})
		return
	}
	r.log.WithField("repack", r.req.RepackPath).Info("Bundle repackaged")

	if !r.req.Sign {
		return
	}
	if r.o.signer == nil {
		r.report.AddWarnings(domain.Warning{Kind: domain.WarningSigner, Path: r.req.RepackPath, Message: "no signer configured"})
		return
	}
	if err := r.o.signer.Sign(ctx, r.req.RepackPath); err != nil {
		r.log.WithError(err).Warn("Signing failed")
		r.report.AddWarnings(domain.Warning{Kind: domain.WarningSigner, Path: r.req.RepackPath, Message: err.Error()})
	}
}

// transition 记录一次状态迁移：日志、指标、历史、观察者
func (r *run) transition(ctx context.Context, to domain.RunState, note string) error {
	if err := ctx.Err(); err != nil && to != domain.RunStateFailed {
		return err
	}
	if err := r.state.ValidateTransition(to); err != nil {
		return &domain.StageFailure{Stage: r.state, Err: err}
	}

	t := domain.StateTransition{
		RunID: r.req.ID,
		From:  r.state,
		To:    to,
		At:    r.o.now(),
		Note:  note,
	}
	r.state = to
	r.report.State = to
	r.report.History = append(r.report.History, t)

	r.log.WithFields(logrus.Fields{
		"from": t.From,
		"to":   t.To,
	}).Info("Run state changed")
	if r.o.metrics != nil {
		r.o.metrics.RecordTransition(t.From, t.To)
	}

	r.o.mu.RLock()
	observers := r.o.observers
	r.o.mu.RUnlock()
	for _, obs := range observers {
		obs.OnTransition(t)
	}

	if !to.Terminal() {
		r.persist(ctx)
	}
	return nil
}

// fail 进入 failed，保留已完成阶段的结果
func (r *run) fail(err error) {
	if r.state.Terminal() {
		return
	}
	r.report.Error = err.Error()
	_ = r.transition(context.Background(), domain.RunStateFailed, err.Error())
	r.log.WithError(err).Error("Run failed")
}

// finish 写出报告并持久化汇总
func (r *run) finish(ctx context.Context) {
	finished := r.o.now()
	r.report.FinishedAt = &finished

	// 报告落盘前先持久化，以便持久化警告进入报告
	r.persist(context.WithoutCancel(ctx))

	reportPath := ""
	if r.req.OutputDir != "" {
		reportPath = filepath.Join(r.req.OutputDir, report.FileName)
		if err := r.report.Save(reportPath); err != nil {
			r.log.WithError(err).Error("Failed to save report")
			r.report.AddWarnings(domain.Warning{Kind: domain.WarningReport, Path: reportPath, Message: err.Error()})
			r.persist(context.WithoutCancel(ctx))
			reportPath = ""
		} else if r.o.runRepo != nil {
			rec := r.record()
			rec.ReportPath = reportPath
			if err := r.o.runRepo.Upsert(context.WithoutCancel(ctx), rec); err != nil {
				r.log.WithError(err).Warn("Failed to record report path")
			}
		}
	}

	if r.o.metrics != nil {
		r.o.metrics.RecordWarnings(r.report.Warnings)
		r.o.metrics.RecordRunFinished(r.state, finished.Sub(r.report.StartedAt))
	}
	r.log.WithFields(logrus.Fields{
		"state":    r.state,
		"records":  len(r.report.PatchReport),
		"failures": len(r.report.Failures),
		"warnings": len(r.report.Warnings),
		"report":   reportPath,
		"duration": finished.Sub(r.report.StartedAt).String(),
	}).Info("Run finished")
}

// persist 写入运行记录；失败记为警告
func (r *run) persist(ctx context.Context) {
	if r.o.runRepo == nil {
		return
	}
	if err := r.o.runRepo.Upsert(ctx, r.record()); err != nil {
		r.log.WithError(err).Warn("Failed to persist run record")
		if !r.persistWarned {
			r.persistWarned = true
			r.report.AddWarnings(domain.Warning{Kind: domain.WarningPersistence, Message: err.Error()})
		}
	}
}

// record 报告对应的数据库汇总行
func (r *run) record() *domain.RunRecord {
	rep := r.report
	started := rep.StartedAt
	rec := &domain.RunRecord{
		ID:           rep.RunID,
		InputPath:    rep.InputPath,
		OutputDir:    rep.OutputDir,
		State:        rep.State,
		RecordCount:  len(rep.PatchReport),
		FailureCount: len(rep.Failures),
		WarningCount: len(rep.Warnings),
		ErrorMessage: rep.Error,
		StartedAt:    &started,
		FinishedAt:   rep.FinishedAt,
	}
	if rep.Detection != nil {
		rec.AggregateScore = rep.Detection.AggregateScore
	}
	if rep.Decision != nil {
		rec.SelectedTier = rep.Decision.SelectedTier
	}
	if rep.Verification != nil {
		rec.StructuralIntegrity = rep.Verification.StructuralIntegrity
		rec.EstimatedStability = rep.Verification.EstimatedStability
	}
	return rec
}

// stageError 取消原样返回，其余包装为 StageFailure
func stageError(ctx context.Context, stage domain.RunState, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	return &domain.StageFailure{Stage: stage, Err: err}
}
