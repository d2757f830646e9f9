package domain

import (
	"fmt"
	"strings"
)

// Tier 修改强度等级 basic < standard < advanced
type Tier string

const (
	TierBasic    Tier = "basic"
	TierStandard Tier = "standard"
	TierAdvanced Tier = "advanced"
)

// TierAuto CLI 中表示"不覆盖，按阈值表选择"
const TierAuto = "auto"

// AllTiers 按强度升序返回全部等级
func AllTiers() []Tier {
	return []Tier{TierBasic, TierStandard, TierAdvanced}
}

// Rank 返回等级序号，未知等级返回 -1
func (t Tier) Rank() int {
	switch t {
	case TierBasic:
		return 0
	case TierStandard:
		return 1
	case TierAdvanced:
		return 2
	default:
		return -1
	}
}

// Valid 检查是否为已知等级
func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

// ParseTier 解析等级字符串
// "auto" 或空字符串返回 nil（不覆盖）
func ParseTier(s string) (*Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == TierAuto {
		return nil, nil
	}
	t := Tier(s)
	if !t.Valid() {
		return nil, fmt.Errorf("invalid tier %q (want basic, standard, advanced or auto)", s)
	}
	return &t, nil
}

// Category 防护机制类别
type Category string

// 编译期已知的类别；模式文件可通过 categories 扩展
const (
	CategoryRootDetection      Category = "root_detection"
	CategoryCertificatePinning Category = "certificate_pinning"
	CategoryDebugDetection     Category = "debug_detection"
	CategoryEmulatorDetection  Category = "emulator_detection"
	CategoryTamperDetection    Category = "tamper_detection"
	CategoryNetworkSecurity    Category = "network_security"
	CategoryObfuscation        Category = "obfuscation"
)

// BuiltinCategories 内置类别列表
func BuiltinCategories() []Category {
	return []Category{
		CategoryRootDetection,
		CategoryCertificatePinning,
		CategoryDebugDetection,
		CategoryEmulatorDetection,
		CategoryTamperDetection,
		CategoryNetworkSecurity,
		CategoryObfuscation,
	}
}
