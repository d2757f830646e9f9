package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/apk-analysis/apk-patchkit/internal/domain"
	"github.com/apk-analysis/apk-patchkit/internal/tier"
	"github.com/apk-analysis/apk-patchkit/internal/verifier"
)

// EnvPrefix 环境变量前缀，如 PATCHKIT_PIPELINE_WORKERS
const EnvPrefix = "PATCHKIT"

type Config struct {
	Pipeline PipelineConfig    `mapstructure:"pipeline"`
	Tiers    domain.Thresholds `mapstructure:"tiers"`
	Verify   verifier.Config   `mapstructure:"verify"`
	Patterns PatternsConfig    `mapstructure:"patterns"`
	Signer   SignerConfig      `mapstructure:"signer"`
	Advisor  AdvisorConfig     `mapstructure:"advisor"`
	Database DatabaseConfig    `mapstructure:"database"`
	RabbitMQ RabbitMQConfig    `mapstructure:"rabbitmq"`
	Server   ServerConfig      `mapstructure:"server"`
	Watcher  WatcherConfig     `mapstructure:"watcher"`
	Log      LogConfig         `mapstructure:"log"`
}

// PipelineConfig 流水线并发配置
type PipelineConfig struct {
	Workers     int    `mapstructure:"workers"`     // 单次运行内的文件 worker 数
	Concurrency int    `mapstructure:"concurrency"` // serve 模式下同时进行的运行数
	QueueSize   int    `mapstructure:"queue_size"`  // 运行任务队列大小
	OutputRoot  string `mapstructure:"output_root"` // serve 模式默认输出根目录
	RunTimeout  int    `mapstructure:"run_timeout"` // seconds，0 表示不限制
}

// PatternsConfig 规则库配置
type PatternsConfig struct {
	File string `mapstructure:"file"` // 空表示使用内置规则
}

// SignerConfig 外部签名工具
type SignerConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Command    string   `mapstructure:"command"`
	Args       []string `mapstructure:"args"`    // {apk} 替换为重新打包的文件路径
	Timeout    int      `mapstructure:"timeout"` // seconds
	MaxRetries int      `mapstructure:"max_retries"`
}

// AdvisorConfig 等级建议服务
type AdvisorConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	APIKey  string `mapstructure:"api_key"`
	Timeout int    `mapstructure:"timeout"` // seconds
}

type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Type     string `mapstructure:"type"` // mysql, sqlite
	Path     string `mapstructure:"path"` // sqlite 文件路径
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	Mode   string `mapstructure:"mode"`    // debug, release
	APIKey string `mapstructure:"api_key"` // 为空时 API 不鉴权
}

// WatcherConfig 收件目录监听
type WatcherConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	InboxDir   string `mapstructure:"inbox_dir"`
	DebounceMs int    `mapstructure:"debounce_ms"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// RunTimeoutDuration 单次运行超时
func (c PipelineConfig) RunTimeoutDuration() time.Duration {
	return time.Duration(c.RunTimeout) * time.Second
}

// setDefaults 无配置文件时 CLI 也能直接使用
func setDefaults(v *viper.Viper) {
	def := tier.DefaultThresholds()
	vdef := verifier.DefaultConfig()

	v.SetDefault("pipeline.workers", runtime.NumCPU())
	v.SetDefault("pipeline.concurrency", 2)
	v.SetDefault("pipeline.queue_size", 100)
	v.SetDefault("pipeline.output_root", "./output")
	v.SetDefault("pipeline.run_timeout", 0)
	v.SetDefault("tiers.standard_above", def.StandardAbove)
	v.SetDefault("tiers.advanced_above", def.AdvancedAbove)
	v.SetDefault("verify.manifest", vdef.ManifestName)
	v.SetDefault("verify.record_penalty", vdef.RecordPenalty)
	v.SetDefault("verify.failure_penalty", vdef.FailurePenalty)
	v.SetDefault("patterns.file", "")
	v.SetDefault("signer.enabled", false)
	v.SetDefault("signer.command", "apksigner")
	v.SetDefault("signer.args", []string{"sign", "--ks", "debug.keystore", "--ks-pass", "pass:android", "{apk}"})
	v.SetDefault("signer.timeout", 120)
	v.SetDefault("signer.max_retries", 2)
	v.SetDefault("advisor.enabled", false)
	v.SetDefault("advisor.timeout", 30)
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "./patchkit.db")
	v.SetDefault("database.port", 3306)
	v.SetDefault("rabbitmq.enabled", false)
	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.user", "guest")
	v.SetDefault("rabbitmq.password", "guest")
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.queue", "patchkit_runs")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.api_key", "")
	v.SetDefault("watcher.enabled", false)
	v.SetDefault("watcher.inbox_dir", "./inbox")
	v.SetDefault("watcher.debounce_ms", 500)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load 读取配置文件；path 为空时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// 环境变量覆盖（支持嵌套配置）
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 绑定通用的凭据环境变量
	// RabbitMQ
	v.BindEnv("rabbitmq.host", "PATCHKIT_RABBITMQ_HOST", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "PATCHKIT_RABBITMQ_PORT", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "PATCHKIT_RABBITMQ_USER", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "PATCHKIT_RABBITMQ_PASSWORD", "RABBITMQ_PASS")

	// Database
	v.BindEnv("database.host", "PATCHKIT_DATABASE_HOST", "MYSQL_HOST")
	v.BindEnv("database.port", "PATCHKIT_DATABASE_PORT", "MYSQL_PORT")
	v.BindEnv("database.user", "PATCHKIT_DATABASE_USER", "MYSQL_USER")
	v.BindEnv("database.password", "PATCHKIT_DATABASE_PASSWORD", "MYSQL_PASS")
	v.BindEnv("database.db_name", "PATCHKIT_DATABASE_DB_NAME", "MYSQL_DB")

	// API 鉴权
	v.BindEnv("server.api_key", "PATCHKIT_SERVER_API_KEY", "PATCHKIT_API_KEY")

	// Advisor
	v.BindEnv("advisor.api_key", "PATCHKIT_ADVISOR_API_KEY", "ADVISOR_API_KEY")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查配置取值
func (c *Config) Validate() error {
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be >= 1, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.Concurrency < 1 {
		return fmt.Errorf("pipeline.concurrency must be >= 1, got %d", c.Pipeline.Concurrency)
	}
	if err := tier.Validate(c.Tiers); err != nil {
		return err
	}
	if c.Verify.RecordPenalty < 0 || c.Verify.FailurePenalty < 0 {
		return fmt.Errorf("verify penalties must be >= 0")
	}
	switch c.Database.Type {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("database.type must be sqlite or mysql, got %q", c.Database.Type)
	}
	if c.Signer.Enabled && c.Signer.Command == "" {
		return fmt.Errorf("signer.command is required when signer is enabled")
	}
	if c.Advisor.Enabled && c.Advisor.URL == "" {
		return fmt.Errorf("advisor.url is required when advisor is enabled")
	}
	return nil
}
