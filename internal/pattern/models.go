package pattern

import (
	"bytes"
	"path"
	"regexp"
	"strings"

	"github.com/apk-analysis/apk-patchkit/internal/domain"
)

// MatchKind 匹配方式
type MatchKind string

const (
	KindLiteral MatchKind = "literal"
	KindRegex   MatchKind = "regex"
)

// Scope 规则作用范围
type Scope string

const (
	ScopeFirstMatch Scope = "first-match"
	ScopeAllMatches Scope = "all-matches"
)

// Indicator 检测特征
// 检测不区分大小写：literal 统计不重叠子串，regex 以 (?i) 编译
type Indicator struct {
	Category domain.Category
	Matcher  string
	Kind     MatchKind
	Weight   int

	re *regexp.Regexp
	lc string
}

// Count 统计 text 中不重叠的命中次数
func (i Indicator) Count(text string) int {
	switch i.Kind {
	case KindRegex:
		if i.re == nil {
			return 0
		}
		return len(i.re.FindAllStringIndex(text, -1))
	default:
		needle := i.lc
		if needle == "" {
			needle = strings.ToLower(i.Matcher)
		}
		if needle == "" {
			return 0
		}
		return strings.Count(strings.ToLower(text), needle)
	}
}

// Span 原始内容中的一个命中区间 [Start, End)
type Span struct {
	Start int
	End   int
	// regex 子匹配下标，用于展开 $1 等模板
	submatch []int
}

// Overlaps 区间是否相交
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Rule 补丁规则，匹配区分大小写
type Rule struct {
	ID          string
	Category    domain.Category
	Tier        domain.Tier
	Matcher     string
	Kind        MatchKind
	Replacement string
	Scope       Scope
	Files       []string
	Description string

	re *regexp.Regexp
}

// AppliesTo 检查文件是否在规则的 files 过滤范围内
// 不含 / 的模式同时匹配文件名
func (r Rule) AppliesTo(relPath string) bool {
	if len(r.Files) == 0 {
		return true
	}
	base := path.Base(relPath)
	for _, glob := range r.Files {
		if ok, _ := path.Match(glob, relPath); ok {
			return true
		}
		if !strings.Contains(glob, "/") {
			if ok, _ := path.Match(glob, base); ok {
				return true
			}
		}
	}
	return false
}

// FindSpans 返回 content 中全部不重叠命中，按偏移升序
func (r Rule) FindSpans(content []byte) []Span {
	switch r.Kind {
	case KindRegex:
		if r.re == nil {
			return nil
		}
		idx := r.re.FindAllSubmatchIndex(content, -1)
		spans := make([]Span, 0, len(idx))
		for _, m := range idx {
			if m[1] == m[0] {
				continue
			}
			spans = append(spans, Span{Start: m[0], End: m[1], submatch: m})
		}
		return spans
	default:
		needle := []byte(r.Matcher)
		if len(needle) == 0 {
			return nil
		}
		var spans []Span
		offset := 0
		for {
			i := bytes.Index(content[offset:], needle)
			if i < 0 {
				break
			}
			start := offset + i
			spans = append(spans, Span{Start: start, End: start + len(needle)})
			offset = start + len(needle)
		}
		return spans
	}
}

// Expand 生成某个命中的替换文本
func (r Rule) Expand(content []byte, s Span) []byte {
	if r.Kind == KindRegex && r.re != nil && s.submatch != nil {
		return r.re.Expand(nil, []byte(r.Replacement), content, s.submatch)
	}
	return []byte(r.Replacement)
}
