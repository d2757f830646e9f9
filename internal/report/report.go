package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/apk-analysis/apk-patchkit/internal/bundle"
	"github.com/apk-analysis/apk-patchkit/internal/domain"
)

// FileName 输出目录中报告文件名
const FileName = bundle.ReportFile

// Report 一次运行的完整报告
type Report struct {
	RunID         string                     `json:"run_id"`
	State         domain.RunState            `json:"state"`
	InputPath     string                     `json:"input_path"`
	OutputDir     string                     `json:"output_dir,omitempty"`
	RepackPath    string                     `json:"repack_path,omitempty"`
	PatternSource string                     `json:"pattern_source"`
	History       []domain.StateTransition   `json:"history"`
	Detection     *domain.DetectionResult    `json:"detection,omitempty"`
	Decision      *domain.TierDecision       `json:"decision,omitempty"`
	PatchReport   []domain.PatchRecord       `json:"patch_report"`
	Failures      []domain.PatchFailure      `json:"patch_failures,omitempty"`
	Verification  *domain.VerificationResult `json:"verification,omitempty"`
	Warnings      []domain.Warning           `json:"warnings"`
	Error         string                     `json:"error,omitempty"`
	StartedAt     time.Time                  `json:"started_at"`
	FinishedAt    *time.Time                 `json:"finished_at,omitempty"`
}

// New 创建空报告
func New(runID, input string, startedAt time.Time) *Report {
	return &Report{
		RunID:       runID,
		State:       domain.RunStateStart,
		InputPath:   input,
		History:     []domain.StateTransition{},
		PatchReport: []domain.PatchRecord{},
		Warnings:    []domain.Warning{},
		StartedAt:   startedAt,
	}
}

// AddWarnings 追加警告
func (r *Report) AddWarnings(ws ...domain.Warning) {
	r.Warnings = append(r.Warnings, ws...)
}

// Succeeded 运行是否完成
func (r *Report) Succeeded() bool {
	return r.State == domain.RunStateDone
}

// Save 写出报告，目标已存在时返回错误
// 先写同目录临时文件，再以硬链接独占创建目标
func (r *Report) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp report: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp report: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp report: %w", err)
	}

	err = os.Link(tmpName, path)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("report %s already exists", path)
	}
	// 文件系统不支持硬链接时退回到检查后重命名
	if _, statErr := os.Stat(path); statErr == nil {
		return fmt.Errorf("report %s already exists", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename report: %w", err)
	}
	return nil
}

// Load 读取报告
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse report %s: %w", path, err)
	}
	return &r, nil
}
