package verifier

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-patchkit/internal/bundle"
	"github.com/apk-analysis/apk-patchkit/internal/domain"
)

// 稳定性估计的上下限
const (
	MinStability = 10
	MaxStability = 100
)

// Config 校验参数
type Config struct {
	ManifestName   string `mapstructure:"manifest"`
	RecordPenalty  int    `mapstructure:"record_penalty"`
	FailurePenalty int    `mapstructure:"failure_penalty"`
}

// DefaultConfig 默认校验参数
func DefaultConfig() Config {
	return Config{
		ManifestName:   "AndroidManifest.xml",
		RecordPenalty:  2,
		FailurePenalty: 10,
	}
}

// Verifier 补丁后校验
type Verifier struct {
	cfg    Config
	logger *logrus.Logger
}

// NewVerifier 创建校验器，空字段使用默认值
func NewVerifier(cfg Config, logger *logrus.Logger) *Verifier {
	def := DefaultConfig()
	if cfg.ManifestName == "" {
		cfg.ManifestName = def.ManifestName
	}
	if cfg.RecordPenalty < 0 {
		cfg.RecordPenalty = def.RecordPenalty
	}
	if cfg.FailurePenalty < 0 {
		cfg.FailurePenalty = def.FailurePenalty
	}
	return &Verifier{cfg: cfg, logger: logger}
}

// Verify 启发式校验：清单结构、绕过确认、稳定性估计
func (v *Verifier) Verify(b *bundle.Bundle, detection *domain.DetectionResult, outcome *domain.PatchOutcome) domain.VerificationResult {
	res := domain.VerificationResult{BypassConfirmations: []string{}}

	ok, notes := v.checkManifest(b)
	res.StructuralIntegrity = ok
	res.Notes = append(res.Notes, notes...)

	records, failures := 0, 0
	if outcome != nil {
		records = len(outcome.Records)
		failures = len(outcome.Failures)
		res.BypassConfirmations = Confirmations(detection, outcome.Records)
	}
	res.EstimatedStability = Stability(records, failures, v.cfg.RecordPenalty, v.cfg.FailurePenalty)

	v.logger.WithFields(logrus.Fields{
		"bundle":               b.Root(),
		"structural_integrity": res.StructuralIntegrity,
		"confirmations":        len(res.BypassConfirmations),
		"estimated_stability":  res.EstimatedStability,
	}).Info("Verification completed")

	return res
}

// Confirmations 所属类别在检测阶段有命中的规则 id，排序去重
func Confirmations(detection *domain.DetectionResult, records []domain.PatchRecord) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, r := range records {
		if detection.Count(r.Category) == 0 || seen[r.RuleID] {
			continue
		}
		seen[r.RuleID] = true
		out = append(out, r.RuleID)
	}
	sort.Strings(out)
	return out
}

// Stability 100 - recordPenalty*records - failurePenalty*failures，限制在 [10, 100]
func Stability(records, failures, recordPenalty, failurePenalty int) int {
	s := MaxStability - recordPenalty*records - failurePenalty*failures
	if s < MinStability {
		return MinStability
	}
	if s > MaxStability {
		return MaxStability
	}
	return s
}

// checkManifest 检查清单文件结构
func (v *Verifier) checkManifest(b *bundle.Bundle) (bool, []string) {
	name := v.cfg.ManifestName
	f, found := b.Get(name)
	if !found {
		return false, []string{fmt.Sprintf("manifest %s not found in bundle", name)}
	}
	if !f.IsText() {
		return false, []string{fmt.Sprintf("manifest %s is %s, cannot check structure", name, f.Encoding)}
	}

	if strings.HasSuffix(strings.ToLower(name), ".json") {
		if !json.Valid(f.Content) {
			return false, []string{fmt.Sprintf("manifest %s is not valid JSON", name)}
		}
		return true, nil
	}

	info, err := walkXML(f.Content)
	if err != nil {
		return false, []string{fmt.Sprintf("manifest %s is not well-formed XML: %v", name, err)}
	}
	var notes []string
	if info.root == "manifest" {
		if !info.hasPackage {
			notes = append(notes, "manifest root element has no package attribute")
		}
		if !info.hasApplication {
			notes = append(notes, "manifest has no application element")
		}
	} else {
		notes = append(notes, fmt.Sprintf("manifest root element is <%s>, expected <manifest>", info.root))
	}
	return true, notes
}

type xmlInfo struct {
	root           string
	hasPackage     bool
	hasApplication bool
}

// walkXML 逐个 token 检查 XML 是否良构，并收集清单结构信息
func walkXML(data []byte) (xmlInfo, error) {
	var info xmlInfo
	dec := xml.NewDecoder(bytes.NewReader(data))
	depth, roots := 0, 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return info, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
				if roots > 1 {
					return info, fmt.Errorf("multiple root elements")
				}
				info.root = t.Name.Local
				for _, a := range t.Attr {
					if a.Name.Local == "package" && a.Value != "" {
						info.hasPackage = true
					}
				}
			}
			if depth == 1 && t.Name.Local == "application" {
				info.hasApplication = true
			}
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			if depth == 0 && len(bytes.TrimSpace(t)) > 0 {
				return info, fmt.Errorf("text outside root element")
			}
		}
	}
	if roots == 0 {
		return info, fmt.Errorf("no root element")
	}
	if depth != 0 {
		return info, fmt.Errorf("%d unclosed element(s)", depth)
	}
	return info, nil
}
