package domain

// VerificationResult 补丁后校验结果（启发式，不代表运行时正确性）
type VerificationResult struct {
	StructuralIntegrity bool     `json:"structural_integrity"`
	BypassConfirmations []string `json:"bypass_confirmations"`
	EstimatedStability  int      `json:"estimated_stability"`
	Notes               []string `json:"notes,omitempty"`
}
