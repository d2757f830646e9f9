package domain

// WarningKind 非致命问题类型
type WarningKind string

const (
	WarningFileIO          WarningKind = "file_io"          // 单个文件无法读取或解码
	WarningRuleApplication WarningKind = "rule_application" // 规则替换结果写回失败
	WarningTierFallback    WarningKind = "tier_fallback"    // 请求的等级缺失，回退到 standard
	WarningAdvisor         WarningKind = "advisor"          // 建议服务不可用或返回无效等级
	WarningSigner          WarningKind = "signer"           // 外部签名工具失败
	WarningPersistence     WarningKind = "persistence"      // 运行记录写入数据库失败
	WarningVerification    WarningKind = "verification"     // 校验阶段附加提示
	WarningReport          WarningKind = "report"           // 报告文件无法写入输出目录
)

// Warning 运行中记录的非致命问题，始终出现在报告中
type Warning struct {
	Kind    WarningKind `json:"kind"`
	Path    string      `json:"path,omitempty"`
	RuleID  string      `json:"rule_id,omitempty"`
	Message string      `json:"message"`
}
