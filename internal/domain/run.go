package domain

import (
	"fmt"
	"time"
)

// RunState 编排器状态
type RunState string

const (
	RunStateStart     RunState = "start"
	RunStateDetecting RunState = "detecting"
	RunStateDeciding  RunState = "deciding"
	RunStatePatching  RunState = "patching"
	RunStateVerifying RunState = "verifying"
	RunStateDone      RunState = "done"
	RunStateFailed    RunState = "failed"
)

// runTransitions 合法的状态迁移；failed 可从任何非终态进入
var runTransitions = map[RunState]RunState{
	RunStateStart:     RunStateDetecting,
	RunStateDetecting: RunStateDeciding,
	RunStateDeciding:  RunStatePatching,
	RunStatePatching:  RunStateVerifying,
	RunStateVerifying: RunStateDone,
}

// Terminal 是否为终态
func (s RunState) Terminal() bool {
	return s == RunStateDone || s == RunStateFailed
}

// CanTransition 检查 from -> to 是否合法
func (s RunState) CanTransition(to RunState) bool {
	if s.Terminal() {
		return false
	}
	if to == RunStateFailed {
		return true
	}
	return runTransitions[s] == to
}

// ValidateTransition 非法迁移返回错误
func (s RunState) ValidateTransition(to RunState) error {
	if !s.CanTransition(to) {
		return fmt.Errorf("illegal state transition %s -> %s", s, to)
	}
	return nil
}

// StateTransition 一次状态迁移记录
type StateTransition struct {
	RunID string    `json:"run_id"`
	From  RunState  `json:"from"`
	To    RunState  `json:"to"`
	At    time.Time `json:"at"`
	Note  string    `json:"note,omitempty"`
}

// RunRecord 运行历史表
type RunRecord struct {
	ID                  string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	InputPath           string     `gorm:"type:varchar(1024);not null" json:"input_path"`
	OutputDir           string     `gorm:"type:varchar(1024)" json:"output_dir,omitempty"`
	State               RunState   `gorm:"type:varchar(20);not null;default:'start';index:idx_state" json:"state"`
	SelectedTier        Tier       `gorm:"type:varchar(20)" json:"selected_tier,omitempty"`
	AggregateScore      int        `gorm:"default:0" json:"aggregate_score"`
	RecordCount         int        `gorm:"default:0" json:"record_count"`
	FailureCount        int        `gorm:"default:0" json:"failure_count"`
	WarningCount        int        `gorm:"default:0" json:"warning_count"`
	StructuralIntegrity bool       `gorm:"default:false" json:"structural_integrity"`
	EstimatedStability  int        `gorm:"default:0" json:"estimated_stability"`
	ReportPath          string     `gorm:"type:varchar(1024)" json:"report_path,omitempty"`
	ErrorMessage        string     `gorm:"type:text" json:"error_message,omitempty"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	FinishedAt          *time.Time `json:"finished_at,omitempty"`
	CreatedAt           time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func (RunRecord) TableName() string {
	return "patch_runs"
}
