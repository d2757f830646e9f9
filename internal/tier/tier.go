package tier

import (
	"fmt"

	"github.com/apk-analysis/apk-patchkit/internal/domain"
)

// DefaultThresholds 默认阈值：>10 advanced，>5 standard
func DefaultThresholds() domain.Thresholds {
	return domain.Thresholds{StandardAbove: 5, AdvancedAbove: 10}
}

// Validate 检查阈值表单调
func Validate(th domain.Thresholds) error {
	if th.StandardAbove < 0 {
		return fmt.Errorf("tiers.standard_above must be >= 0, got %d", th.StandardAbove)
	}
	if th.AdvancedAbove <= th.StandardAbove {
		return fmt.Errorf("tiers.advanced_above (%d) must be greater than tiers.standard_above (%d)", th.AdvancedAbove, th.StandardAbove)
	}
	return nil
}

// ForScore 按阈值表选择等级
func ForScore(score int, th domain.Thresholds) domain.Tier {
	switch {
	case score > th.AdvancedAbove:
		return domain.TierAdvanced
	case score > th.StandardAbove:
		return domain.TierStandard
	default:
		return domain.TierBasic
	}
}

// Decide 选择修改等级
// 有效的 override 无条件优先；否则按阈值表
func Decide(result *domain.DetectionResult, th domain.Thresholds, override *domain.Tier) domain.TierDecision {
	score := 0
	if result != nil {
		score = result.AggregateScore
	}
	decision := domain.TierDecision{
		AggregateScore: score,
		Thresholds:     th,
	}
	if override != nil && override.Valid() {
		decision.SelectedTier = *override
		decision.Source = domain.DecisionFromOverride
		return decision
	}
	decision.SelectedTier = ForScore(score, th)
	decision.Source = domain.DecisionFromThresholds
	return decision
}

// DecideWithAdvice 在无 override 时采用建议等级
func DecideWithAdvice(result *domain.DetectionResult, th domain.Thresholds, override *domain.Tier, advised *domain.Tier) domain.TierDecision {
	if override == nil && advised != nil && advised.Valid() {
		d := Decide(result, th, advised)
		d.Source = domain.DecisionFromAdvisor
		return d
	}
	return Decide(result, th, override)
}
