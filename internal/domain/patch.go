package domain

import "time"

// PatchRecord 一次成功替换的证据
type PatchRecord struct {
	FilePath      string    `json:"file_path"`
	RuleID        string    `json:"rule_id"`
	Category      Category  `json:"category"`
	Tier          Tier      `json:"tier"`
	Offset        int       `json:"offset"`
	MatchSpanHash string    `json:"match_span_hash"`
	AppliedAt     time.Time `json:"applied_at"`
}

// PatchFailure 单个文件写回失败
type PatchFailure struct {
	FilePath string   `json:"file_path"`
	RuleIDs  []string `json:"rule_ids,omitempty"`
	Error    string   `json:"error"`
}

// PatchOutcome 补丁阶段输出
type PatchOutcome struct {
	AppliedTier  Tier           `json:"applied_tier"`
	Records      []PatchRecord  `json:"records"`
	Failures     []PatchFailure `json:"failures,omitempty"`
	Warnings     []Warning      `json:"warnings,omitempty"`
	FilesScanned int            `json:"files_scanned"`
	FilesChanged int            `json:"files_changed"`
}
