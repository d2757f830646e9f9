package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/apk-analysis/apk-patchkit/internal/config"
	"github.com/apk-analysis/apk-patchkit/internal/pattern"
)

// version 构建时通过 -ldflags 注入
var version = "dev"

// globalOptions 所有子命令共享的参数
type globalOptions struct {
	configPath   string
	patternsPath string
	logLevel     string
}

// env 子命令运行所需的配置、日志和规则库
type env struct {
	cfg      *config.Config
	logger   *logrus.Logger
	registry *pattern.Registry
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "patchkit",
		Short: "Detect and neutralise protection checks in extracted APK bundles",
		Long: `patchkit scans an extracted application bundle (directory or zip) for
root, pinning, debug, emulator and integrity checks, picks a patch tier from
the detection score, rewrites the matching code and verifies the result.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		Version: version,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "Path to config YAML (default: built-in defaults and PATCHKIT_* env)")
	pf.StringVar(&opts.patternsPath, "patterns", "", "Pattern file overriding patterns.file")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	root.AddCommand(
		newAnalyzeCmd(opts),
		newPatchCmd(opts),
		newVerifyCmd(opts),
		newServeCmd(opts),
		newHistoryCmd(opts),
		newPatternsCmd(opts),
	)
	return root
}

// load 读取配置、初始化日志并加载规则库
func (o *globalOptions) load() (*env, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	logger := config.InitLogger(&cfg.Log)

	registry, err := o.registry(cfg)
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"config":   o.configPath,
		"patterns": registry.Source(),
		"tiers":    registry.Tiers(),
	}).Debug("Environment loaded")

	return &env{cfg: cfg, logger: logger, registry: registry}, nil
}

func (o *globalOptions) registry(cfg *config.Config) (*pattern.Registry, error) {
	path := o.patternsPath
	if path == "" {
		path = cfg.Patterns.File
	}
	if path == "" {
		return pattern.Builtin(), nil
	}
	return pattern.Load(path)
}

// printJSON 以缩进 JSON 输出命令结果
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
