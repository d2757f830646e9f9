package detector

import (
	"context"
	"runtime"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/apk-analysis/apk-patchkit/internal/bundle"
	"github.com/apk-analysis/apk-patchkit/internal/domain"
	"github.com/apk-analysis/apk-patchkit/internal/pattern"
)

// Detector 防护特征检测器
type Detector struct {
	workers    int
	protectors []ProtectorRule
	logger     *logrus.Logger
}

// NewDetector 创建检测器，workers <= 0 时使用 CPU 核数
func NewDetector(workers int, logger *logrus.Logger) *Detector {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	rules := BuiltinProtectors()
	// 按优先级降序排序
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
	return &Detector{
		workers:    workers,
		protectors: rules,
		logger:     logger,
	}
}

// fileResult 单个文件的扫描结果
type fileResult struct {
	counts  map[domain.Category]int
	score   int
	scanned bool
	skipped bool
	warning *domain.Warning
}

// Detect 扫描全部文本文件并统计各类别命中次数
// 结果与 worker 数量和调度顺序无关
func (d *Detector) Detect(ctx context.Context, b *bundle.Bundle, indicators []pattern.Indicator) (*domain.DetectionResult, error) {
	files := b.Files()
	results := make([]fileResult, len(files))

	d.logger.WithFields(logrus.Fields{
		"bundle":     b.Root(),
		"files":      len(files),
		"indicators": len(indicators),
		"workers":    d.workers,
	}).Debug("Starting detection")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i := range files {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = scanFile(files[i], indicators)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &domain.DetectionResult{Counts: make(map[domain.Category]int)}
	for _, ind := range indicators {
		result.Counts[ind.Category] += 0
	}
	for _, r := range results {
		for c, n := range r.counts {
			result.Counts[c] += n
		}
		result.AggregateScore += r.score
		if r.scanned {
			result.FilesScanned++
		}
		if r.skipped {
			result.FilesSkipped++
		}
		if r.warning != nil {
			result.Warnings = append(result.Warnings, *r.warning)
		}
	}
	result.Protectors = d.fingerprint(files)

	d.logger.WithFields(logrus.Fields{
		"bundle":          b.Root(),
		"aggregate_score": result.AggregateScore,
		"files_scanned":   result.FilesScanned,
		"files_skipped":   result.FilesSkipped,
		"warnings":        len(result.Warnings),
		"protectors":      len(result.Protectors),
	}).Info("Detection completed")

	return result, nil
}

func scanFile(f bundle.FileArtifact, indicators []pattern.Indicator) fileResult {
	switch f.Encoding {
	case bundle.EncodingBinary:
		return fileResult{skipped: true}
	case bundle.EncodingUndecodable:
		return fileResult{
			skipped: true,
			warning: &domain.Warning{
				Kind:    domain.WarningFileIO,
				Path:    f.Path,
				Message: "file is not valid UTF-8 text, skipped",
			},
		}
	}

	text := string(f.Content)
	res := fileResult{scanned: true, counts: make(map[domain.Category]int)}
	for _, ind := range indicators {
		n := ind.Count(text)
		if n == 0 {
			continue
		}
		res.counts[ind.Category] += n
		res.score += n * ind.Weight
	}
	return res
}
