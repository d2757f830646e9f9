package domain

// Thresholds 阈值表：score > AdvancedAbove -> advanced；score > StandardAbove -> standard；否则 basic
type Thresholds struct {
	StandardAbove int `json:"standard_above" mapstructure:"standard_above"`
	AdvancedAbove int `json:"advanced_above" mapstructure:"advanced_above"`
}

// DecisionSource 等级来源
type DecisionSource string

const (
	DecisionFromThresholds DecisionSource = "thresholds"
	DecisionFromOverride   DecisionSource = "override"
	DecisionFromAdvisor    DecisionSource = "advisor"
)

// TierDecision 等级决策结果
type TierDecision struct {
	SelectedTier   Tier           `json:"selected_tier"`
	AggregateScore int            `json:"aggregate_score"`
	Thresholds     Thresholds     `json:"threshold_table_used"`
	Source         DecisionSource `json:"source"`
}
