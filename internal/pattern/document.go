package pattern

// Document 模式文件结构（YAML）
type Document struct {
	IncludeBuiltin bool                 `yaml:"include_builtin,omitempty"`
	Categories     []string             `yaml:"categories,omitempty"`
	Indicators     []IndicatorDoc       `yaml:"indicators"`
	Tiers          map[string][]RuleDoc `yaml:"tiers"`
}

// IndicatorDoc 检测特征配置
type IndicatorDoc struct {
	Category string `yaml:"category"`
	Matcher  string `yaml:"matcher"`
	Kind     string `yaml:"kind,omitempty"`
	Weight   int    `yaml:"weight"`
}

// RuleDoc 补丁规则配置
type RuleDoc struct {
	ID          string   `yaml:"id"`
	Category    string   `yaml:"category"`
	Matcher     string   `yaml:"matcher"`
	Kind        string   `yaml:"kind,omitempty"`
	Replacement string   `yaml:"replacement"`
	Scope       string   `yaml:"scope,omitempty"`
	Files       []string `yaml:"files,omitempty"`
	Description string   `yaml:"description,omitempty"`
}
