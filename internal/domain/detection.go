package domain

import "sort"

// DetectionResult 检测结果：类别 -> 命中次数
type DetectionResult struct {
	Counts         map[Category]int `json:"counts"`
	AggregateScore int              `json:"aggregate_score"`
	FilesScanned   int              `json:"files_scanned"`
	FilesSkipped   int              `json:"files_skipped"`
	Protectors     []ProtectorMatch `json:"protectors,omitempty"`
	Warnings       []Warning        `json:"warnings,omitempty"`
}

// ProtectorMatch 识别出的加固方案（仅供参考，不计入分数）
type ProtectorMatch struct {
	Name       string   `json:"name"`
	Confidence float64  `json:"confidence"`
	Indicators []string `json:"indicators"`
}

// Count 返回类别命中次数
func (r *DetectionResult) Count(c Category) int {
	if r == nil {
		return 0
	}
	return r.Counts[c]
}

// DetectedCategories 命中次数大于 0 的类别（按名称排序）
func (r *DetectionResult) DetectedCategories() []Category {
	if r == nil {
		return nil
	}
	var out []Category
	for c, n := range r.Counts {
		if n > 0 {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
