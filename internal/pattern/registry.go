package pattern

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/apk-analysis/apk-patchkit/internal/domain"
)

// Registry 检测特征与补丁规则库，加载后只读
type Registry struct {
	source     string
	categories map[domain.Category]bool
	extra      []domain.Category
	indicators []Indicator
	rules      map[domain.Tier][]Rule
}

// Load 读取 YAML 模式文件
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ConfigError{Source: path, Msg: "read pattern file", Err: err}
	}
	return Parse(data, path)
}

// Parse 解析 YAML 模式内容
func Parse(data []byte, source string) (*Registry, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &domain.ConfigError{Source: source, Msg: "parse pattern yaml", Err: err}
	}
	if doc.IncludeBuiltin {
		doc = mergeDocuments(builtinDocument(), doc)
	}
	return Compile(doc, source)
}

// Compile 校验并冻结文档，任何问题都返回 ConfigError
func Compile(doc Document, source string) (*Registry, error) {
	r := &Registry{
		source:     source,
		categories: make(map[domain.Category]bool),
		rules:      make(map[domain.Tier][]Rule),
	}
	for _, c := range domain.BuiltinCategories() {
		r.categories[c] = true
	}
	for _, name := range doc.Categories {
		c := domain.Category(strings.TrimSpace(name))
		if c == "" {
			return nil, domain.NewConfigError(source, "empty category name")
		}
		if !r.categories[c] {
			r.categories[c] = true
			r.extra = append(r.extra, c)
		}
	}

	for i, d := range doc.Indicators {
		ind, err := r.compileIndicator(d)
		if err != nil {
			return nil, &domain.ConfigError{Source: source, Msg: fmt.Sprintf("indicator #%d", i), Err: err}
		}
		r.indicators = append(r.indicators, ind)
	}

	for name, docs := range doc.Tiers {
		tier := domain.Tier(strings.ToLower(strings.TrimSpace(name)))
		if !tier.Valid() {
			return nil, domain.NewConfigError(source, "invalid tier %q", name)
		}
		if _, dup := r.rules[tier]; dup {
			return nil, domain.NewConfigError(source, "tier %q declared twice", name)
		}
		seen := make(map[string]bool, len(docs))
		rules := make([]Rule, 0, len(docs))
		for _, d := range docs {
			rule, err := r.compileRule(tier, d)
			if err != nil {
				return nil, &domain.ConfigError{Source: source, Msg: fmt.Sprintf("tier %s rule %q", tier, d.ID), Err: err}
			}
			if seen[rule.ID] {
				return nil, domain.NewConfigError(source, "duplicate rule id %q in tier %s", rule.ID, tier)
			}
			seen[rule.ID] = true
			rules = append(rules, rule)
		}
		if err := checkReapply(rules); err != nil {
			return nil, &domain.ConfigError{Source: source, Msg: fmt.Sprintf("tier %s", tier), Err: err}
		}
		r.rules[tier] = rules
	}
	return r, nil
}

func (r *Registry) compileIndicator(d IndicatorDoc) (Indicator, error) {
	cat := domain.Category(strings.TrimSpace(d.Category))
	if !r.categories[cat] {
		return Indicator{}, fmt.Errorf("unknown category %q", d.Category)
	}
	if d.Matcher == "" {
		return Indicator{}, fmt.Errorf("empty matcher")
	}
	if d.Weight < 1 {
		return Indicator{}, fmt.Errorf("weight must be >= 1, got %d", d.Weight)
	}
	kind, err := parseKind(d.Kind)
	if err != nil {
		return Indicator{}, err
	}
	ind := Indicator{Category: cat, Matcher: d.Matcher, Kind: kind, Weight: d.Weight}
	if kind == KindRegex {
		re, err := regexp.Compile("(?i)" + d.Matcher)
		if err != nil {
			return Indicator{}, fmt.Errorf("invalid regex: %w", err)
		}
		if re.MatchString("") {
			return Indicator{}, fmt.Errorf("regex %q matches the empty string", d.Matcher)
		}
		ind.re = re
	} else {
		ind.lc = strings.ToLower(d.Matcher)
	}
	return ind, nil
}

func (r *Registry) compileRule(tier domain.Tier, d RuleDoc) (Rule, error) {
	id := strings.TrimSpace(d.ID)
	if id == "" {
		return Rule{}, fmt.Errorf("empty rule id")
	}
	cat := domain.Category(strings.TrimSpace(d.Category))
	if !r.categories[cat] {
		return Rule{}, fmt.Errorf("unknown category %q", d.Category)
	}
	if d.Matcher == "" {
		return Rule{}, fmt.Errorf("empty matcher")
	}
	kind, err := parseKind(d.Kind)
	if err != nil {
		return Rule{}, err
	}
	scope, err := parseScope(d.Scope)
	if err != nil {
		return Rule{}, err
	}
	for _, glob := range d.Files {
		if _, err := matchGlob(glob); err != nil {
			return Rule{}, err
		}
	}

	rule := Rule{
		ID:          id,
		Category:    cat,
		Tier:        tier,
		Matcher:     d.Matcher,
		Kind:        kind,
		Replacement: d.Replacement,
		Scope:       scope,
		Files:       append([]string(nil), d.Files...),
		Description: d.Description,
	}

	switch kind {
	case KindRegex:
		re, err := regexp.Compile(d.Matcher)
		if err != nil {
			return Rule{}, fmt.Errorf("invalid regex: %w", err)
		}
		if re.MatchString("") {
			return Rule{}, fmt.Errorf("regex %q matches the empty string", d.Matcher)
		}
		// 无模板引用时替换结果是定值，可直接检查是否自匹配
		if !strings.Contains(d.Replacement, "$") && re.MatchString(d.Replacement) {
			return Rule{}, fmt.Errorf("replacement matches its own regex; rule would not be idempotent")
		}
		rule.re = re
	default:
		if strings.Contains(d.Replacement, d.Matcher) {
			return Rule{}, fmt.Errorf("replacement contains matcher; rule would not be idempotent")
		}
	}
	return rule, nil
}

// checkReapply 拒绝第二次应用同一等级时仍会产生命中的规则组合：
// 固定替换文本被同等级其他规则匹配（链式替换），
// 或与字面量匹配串部分重叠，放入上下文后可能重新拼出命中。
// 含 $ 模板的 regex 替换结果依赖输入，无法静态检查
func checkReapply(rules []Rule) error {
	for _, from := range rules {
		if from.Kind == KindRegex && strings.Contains(from.Replacement, "$") {
			continue
		}
		for _, to := range rules {
			switch to.Kind {
			case KindRegex:
				if to.ID != from.ID && to.re.MatchString(from.Replacement) {
					return fmt.Errorf("replacement of rule %q matches rule %q; a second pass would patch again", from.ID, to.ID)
				}
			default:
				if to.ID != from.ID && strings.Contains(from.Replacement, to.Matcher) {
					return fmt.Errorf("replacement of rule %q contains matcher of rule %q; a second pass would patch again", from.ID, to.ID)
				}
				if reforms(to.Matcher, from.Replacement) {
					return fmt.Errorf("replacement of rule %q can re-form matcher of rule %q with surrounding text", from.ID, to.ID)
				}
			}
		}
	}
	return nil
}

// reforms 替换文本与字面量匹配串在边界处重叠：
// 替换的非空后缀是匹配串的真前缀，替换的非空前缀是匹配串的真后缀，
// 或匹配串严格包含替换文本
func reforms(matcher, replacement string) bool {
	if len(matcher) > len(replacement) && strings.Contains(matcher, replacement) {
		return true
	}
	for k := 1; k < len(matcher); k++ {
		if strings.HasSuffix(replacement, matcher[:k]) || strings.HasPrefix(replacement, matcher[len(matcher)-k:]) {
			return true
		}
	}
	return false
}

func parseKind(s string) (MatchKind, error) {
	switch MatchKind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindLiteral:
		return KindLiteral, nil
	case KindRegex:
		return KindRegex, nil
	default:
		return "", fmt.Errorf("invalid kind %q (want literal or regex)", s)
	}
}

func parseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeAllMatches:
		return ScopeAllMatches, nil
	case ScopeFirstMatch:
		return ScopeFirstMatch, nil
	default:
		return "", fmt.Errorf("invalid scope %q (want first-match or all-matches)", s)
	}
}

// Source 规则来源（文件路径或 builtin）
func (r *Registry) Source() string {
	return r.source
}

// Categories 全部已知类别，内置在前
func (r *Registry) Categories() []domain.Category {
	out := domain.BuiltinCategories()
	return append(out, r.extra...)
}

// HasCategory 类别是否已注册
func (r *Registry) HasCategory(c domain.Category) bool {
	return r.categories[c]
}

// Indicators 按注册顺序返回全部检测特征
func (r *Registry) Indicators() []Indicator {
	return append([]Indicator(nil), r.indicators...)
}

// IndicatorsByCategory 按类别分组
func (r *Registry) IndicatorsByCategory() map[domain.Category][]Indicator {
	out := make(map[domain.Category][]Indicator)
	for _, ind := range r.indicators {
		out[ind.Category] = append(out[ind.Category], ind)
	}
	return out
}

// Rules 返回等级的规则列表（注册顺序）
// ok=false 表示等级不存在；空列表且 ok=true 是合法的空等级
func (r *Registry) Rules(t domain.Tier) ([]Rule, bool) {
	rules, ok := r.rules[t]
	if !ok {
		return nil, false
	}
	return append([]Rule{}, rules...), true
}

// Tiers 已配置的等级，按强度升序
func (r *Registry) Tiers() []domain.Tier {
	var out []domain.Tier
	for t := range r.rules {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank() < out[j].Rank() })
	return out
}

// Document 还原为可序列化文档
func (r *Registry) Document() Document {
	doc := Document{Tiers: make(map[string][]RuleDoc, len(r.rules))}
	for _, c := range r.extra {
		doc.Categories = append(doc.Categories, string(c))
	}
	for _, ind := range r.indicators {
		doc.Indicators = append(doc.Indicators, IndicatorDoc{
			Category: string(ind.Category),
			Matcher:  ind.Matcher,
			Kind:     string(ind.Kind),
			Weight:   ind.Weight,
		})
	}
	for t, rules := range r.rules {
		docs := make([]RuleDoc, 0, len(rules))
		for _, rule := range rules {
			docs = append(docs, RuleDoc{
				ID:          rule.ID,
				Category:    string(rule.Category),
				Matcher:     rule.Matcher,
				Kind:        string(rule.Kind),
				Replacement: rule.Replacement,
				Scope:       string(rule.Scope),
				Files:       rule.Files,
				Description: rule.Description,
			})
		}
		doc.Tiers[string(t)] = docs
	}
	return doc
}

// Dump 以 YAML 输出生效的规则库
func (r *Registry) Dump() ([]byte, error) {
	return yaml.Marshal(r.Document())
}

// mergeDocuments 在 base 之后追加 extra 的内容
func mergeDocuments(base, extra Document) Document {
	out := Document{
		Categories: append(append([]string(nil), base.Categories...), extra.Categories...),
		Indicators: append(append([]IndicatorDoc(nil), base.Indicators...), extra.Indicators...),
		Tiers:      make(map[string][]RuleDoc),
	}
	for t, rules := range base.Tiers {
		out.Tiers[t] = append([]RuleDoc(nil), rules...)
	}
	for t, rules := range extra.Tiers {
		out.Tiers[t] = append(out.Tiers[t], rules...)
	}
	return out
}
