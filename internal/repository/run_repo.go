package repository

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/apk-analysis/apk-patchkit/internal/domain"
)

// RunRepository 运行历史存储
type RunRepository interface {
	Create(ctx context.Context, run *domain.RunRecord) error
	// Upsert 按 id 插入或更新全部摘要字段
	Upsert(ctx context.Context, run *domain.RunRecord) error
	FindByID(ctx context.Context, id string) (*domain.RunRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*domain.RunRecord, error)
	// CountByState 各状态运行数量（使用数据库聚合查询）
	CountByState(ctx context.Context) (map[domain.RunState]int64, int64, error)
}

type runRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewRunRepository(db *gorm.DB, logger *logrus.Logger) RunRepository {
	return &runRepo{
		db:     db,
		logger: logger,
	}
}

func (r *runRepo) Create(ctx context.Context, run *domain.RunRecord) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *runRepo) Upsert(ctx context.Context, run *domain.RunRecord) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"input_path", "output_dir", "state", "selected_tier",
				"aggregate_score", "record_count", "failure_count", "warning_count",
				"structural_integrity", "estimated_stability",
				"report_path", "error_message", "started_at", "finished_at", "updated_at",
			}),
		}).
		Create(run).Error

	if err != nil {
		r.logger.WithError(err).WithField("run_id", run.ID).Error("Run upsert failed")
	}
	return err
}

func (r *runRepo) FindByID(ctx context.Context, id string) (*domain.RunRecord, error) {
	var run domain.RunRecord
	if err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *runRepo) ListRecent(ctx context.Context, limit int) ([]*domain.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []*domain.RunRecord
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

func (r *runRepo) CountByState(ctx context.Context) (map[domain.RunState]int64, int64, error) {
	type stateCount struct {
		State string
		Count int64
	}

	var results []stateCount
	err := r.db.WithContext(ctx).
		Model(&domain.RunRecord{}).
		Select("state, COUNT(*) as count").
		Group("state").
		Scan(&results).Error
	if err != nil {
		r.logger.WithError(err).Error("Failed to get state counts")
		return nil, 0, err
	}

	// 初始化所有状态计数为 0
	counts := map[domain.RunState]int64{
		domain.RunStateStart:     0,
		domain.RunStateDetecting: 0,
		domain.RunStateDeciding:  0,
		domain.RunStatePatching:  0,
		domain.RunStateVerifying: 0,
		domain.RunStateDone:      0,
		domain.RunStateFailed:    0,
	}
	var total int64
	for _, res := range results {
		counts[domain.RunState(res.State)] = res.Count
		total += res.Count
	}
	return counts, total, nil
}
