package patcher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/apk-analysis/apk-patchkit/internal/bundle"
	"github.com/apk-analysis/apk-patchkit/internal/domain"
	"github.com/apk-analysis/apk-patchkit/internal/pattern"
)

// Patcher 规则补丁引擎
type Patcher struct {
	workers int
	logger  *logrus.Logger
	now     func() time.Time
}

// NewPatcher 创建补丁引擎，workers <= 0 时使用 CPU 核数
func NewPatcher(workers int, logger *logrus.Logger) *Patcher {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Patcher{
		workers: workers,
		logger:  logger,
		now:     time.Now,
	}
}

// allocation 一个已分配的替换区间
type allocation struct {
	ruleIdx int
	span    pattern.Span
}

// fileResult 单个文件的补丁结果
type fileResult struct {
	scanned bool
	changed bool
	records []domain.PatchRecord
	failure *domain.PatchFailure
	warning *domain.Warning
}

// Apply 按注册顺序对全部文本文件应用规则
// 取消后已开始的文件会完成，不再开始新文件；返回部分结果和 context 错误
func (p *Patcher) Apply(ctx context.Context, b *bundle.Bundle, rules []pattern.Rule) (*domain.PatchOutcome, error) {
	files := b.Files()
	results := make([]fileResult, len(files))

	p.logger.WithFields(logrus.Fields{
		"bundle":  b.Root(),
		"files":   len(files),
		"rules":   len(rules),
		"workers": p.workers,
	}).Debug("Starting patch")

	var g errgroup.Group
	g.SetLimit(p.workers)
	for i := range files {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			results[i] = p.patchFile(b, files[i], rules)
			return nil
		})
	}
	_ = g.Wait()

	outcome := &domain.PatchOutcome{Records: []domain.PatchRecord{}}
	if len(rules) > 0 {
		outcome.AppliedTier = rules[0].Tier
	}
	for _, r := range results {
		if r.scanned {
			outcome.FilesScanned++
		}
		if r.changed {
			outcome.FilesChanged++
		}
		outcome.Records = append(outcome.Records, r.records...)
		if r.failure != nil {
			outcome.Failures = append(outcome.Failures, *r.failure)
		}
		if r.warning != nil {
			outcome.Warnings = append(outcome.Warnings, *r.warning)
		}
	}

	fields := logrus.Fields{
		"bundle":        b.Root(),
		"records":       len(outcome.Records),
		"failures":      len(outcome.Failures),
		"files_changed": outcome.FilesChanged,
	}
	if err := ctx.Err(); err != nil {
		p.logger.WithFields(fields).WithError(err).Warn("Patch interrupted")
		return outcome, err
	}
	p.logger.WithFields(fields).Info("Patch completed")
	return outcome, nil
}

// patchFile 在单个文件上分配区间并一次性重建内容
func (p *Patcher) patchFile(b *bundle.Bundle, f bundle.FileArtifact, rules []pattern.Rule) fileResult {
	res := fileResult{}
	if !f.IsText() {
		return res
	}
	res.scanned = true

	content := f.Content
	allocs := allocate(f.Path, content, rules)
	if len(allocs) == 0 {
		return res
	}

	patched := rebuild(content, allocs, rules)
	if sha256.Sum256(patched) == sha256.Sum256(content) {
		return res
	}

	ruleIDs := appliedRuleIDs(allocs, rules)
	if err := b.Update(f.Path, patched); err != nil {
		p.logger.WithFields(logrus.Fields{
			"file":  f.Path,
			"rules": ruleIDs,
		}).WithError(err).Warn("Failed to write patched file")
		res.failure = &domain.PatchFailure{FilePath: f.Path, RuleIDs: ruleIDs, Error: err.Error()}
		res.warning = &domain.Warning{
			Kind:    domain.WarningRuleApplication,
			Path:    f.Path,
			Message: fmt.Sprintf("patched content not written: %v", err),
		}
		return res
	}

	res.changed = true
	res.records = buildRecords(f.Path, content, allocs, rules, p.now())
	return res
}

// allocate 在原始内容上按注册顺序分配区间
// 低序号规则优先；冲突的命中被跳过，同一规则仍可在其他位置生效
func allocate(path string, content []byte, rules []pattern.Rule) []allocation {
	var allocs []allocation
	for ri, rule := range rules {
		if !rule.AppliesTo(path) {
			continue
		}
		for _, span := range rule.FindSpans(content) {
			if conflicts(allocs, span) {
				continue
			}
			allocs = append(allocs, allocation{ruleIdx: ri, span: span})
			if rule.Scope == pattern.ScopeFirstMatch {
				break
			}
		}
	}
	return allocs
}

func conflicts(allocs []allocation, span pattern.Span) bool {
	for _, a := range allocs {
		if a.span.Overlaps(span) {
			return true
		}
	}
	return false
}

// rebuild 按偏移顺序拼接替换后的内容
func rebuild(content []byte, allocs []allocation, rules []pattern.Rule) []byte {
	byOffset := append([]allocation(nil), allocs...)
	sort.Slice(byOffset, func(i, j int) bool { return byOffset[i].span.Start < byOffset[j].span.Start })

	var buf bytes.Buffer
	buf.Grow(len(content))
	last := 0
	for _, a := range byOffset {
		buf.Write(content[last:a.span.Start])
		buf.Write(rules[a.ruleIdx].Expand(content, a.span))
		last = a.span.End
	}
	buf.Write(content[last:])
	return buf.Bytes()
}

// buildRecords 记录顺序：规则注册顺序，其次偏移
func buildRecords(path string, content []byte, allocs []allocation, rules []pattern.Rule, at time.Time) []domain.PatchRecord {
	ordered := append([]allocation(nil), allocs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].ruleIdx != ordered[j].ruleIdx {
			return ordered[i].ruleIdx < ordered[j].ruleIdx
		}
		return ordered[i].span.Start < ordered[j].span.Start
	})

	records := make([]domain.PatchRecord, 0, len(ordered))
	for _, a := range ordered {
		rule := rules[a.ruleIdx]
		records = append(records, domain.PatchRecord{
			FilePath:      path,
			RuleID:        rule.ID,
			Category:      rule.Category,
			Tier:          rule.Tier,
			Offset:        a.span.Start,
			MatchSpanHash: SpanHash(path, a.span.Start, content[a.span.Start:a.span.End]),
			AppliedAt:     at,
		})
	}
	return records
}

func appliedRuleIDs(allocs []allocation, rules []pattern.Rule) []string {
	seen := make(map[int]bool)
	var idx []int
	for _, a := range allocs {
		if !seen[a.ruleIdx] {
			seen[a.ruleIdx] = true
			idx = append(idx, a.ruleIdx)
		}
	}
	sort.Ints(idx)
	ids := make([]string, 0, len(idx))
	for _, i := range idx {
		ids = append(ids, rules[i].ID)
	}
	return ids
}

// SpanHash 命中区间指纹：sha256(path NUL offset NUL matched)
func SpanHash(path string, offset int, matched []byte) string {
	h := sha256.New()
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(offset)))
	h.Write([]byte{0})
	h.Write(matched)
	return hex.EncodeToString(h.Sum(nil))
}
