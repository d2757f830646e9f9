package domain

import "fmt"

// ConfigError 模式库配置错误，致命
type ConfigError struct {
	Source string
	Msg    string
	Err    error
}

func (e *ConfigError) Error() string {
	prefix := "config error"
	if e.Source != "" {
		prefix = fmt.Sprintf("config error (%s)", e.Source)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Msg)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError 创建配置错误
func NewConfigError(source, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Source: source, Msg: fmt.Sprintf(format, args...)}
}

// BundleError 输入包无法读取或损坏，对本次运行致命
type BundleError struct {
	Path string
	Err  error
}

func (e *BundleError) Error() string {
	return fmt.Sprintf("bundle error (%s): %v", e.Path, e.Err)
}

func (e *BundleError) Unwrap() error { return e.Err }

// StageFailure 某个阶段完全无法产出结果
type StageFailure struct {
	Stage RunState
	Err   error
}

func (e *StageFailure) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageFailure) Unwrap() error { return e.Err }
