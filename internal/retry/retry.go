package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Strategy 重试策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"       // 固定间隔
	StrategyLinear      Strategy = "linear"      // 线性递增
	StrategyExponential Strategy = "exponential" // 指数退避
)

// Observer 接收每次尝试的结果，用于指标统计
type Observer interface {
	RecordRetryAttempt(operation string, attempt int)
	RecordRetrySuccess(operation string)
}

// Config 重试配置
type Config struct {
	Operation       string        // 操作名，用于日志与指标
	MaxAttempts     int           // 最大尝试次数
	InitialInterval time.Duration // 初始间隔
	MaxInterval     time.Duration // 最大间隔
	Strategy        Strategy      // 重试策略
	Timeout         time.Duration // 总超时时间，0 表示不限制
	Logger          *logrus.Logger
	Observer        Observer
}

// DefaultConfig 默认配置
func DefaultConfig(operation string) *Config {
	return &Config{
		Operation:       operation,
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Strategy:        StrategyExponential,
	}
}

// retryableError 显式标记是否可重试的错误
type retryableError struct {
	error
	retryable bool
}

func (e *retryableError) IsRetryable() bool {
	return e.retryable
}

func (e *retryableError) Unwrap() error {
	return e.error
}

// NewRetryableError 创建可重试错误
func NewRetryableError(err error) error {
	return &retryableError{error: err, retryable: true}
}

// NewNonRetryableError 创建不可重试错误
func NewNonRetryableError(err error) error {
	return &retryableError{error: err, retryable: false}
}

// IsRetryable 判断错误是否可重试
// 未标记的错误默认可重试；context 取消和超时不重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var marked interface{ IsRetryable() bool }
	if errors.As(err, &marked) {
		return marked.IsRetryable()
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

// Func 可重试的函数类型
type Func func(ctx context.Context) error

// Do 执行带重试的操作
func Do(ctx context.Context, cfg *Config, fn Func) error {
	if cfg == nil {
		cfg = DefaultConfig("operation")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", cfg.Operation, err)
		}

		if cfg.Observer != nil {
			cfg.Observer.RecordRetryAttempt(cfg.Operation, attempt)
		}
		start := time.Now()
		err := fn(ctx)
		duration := time.Since(start)

		if err == nil {
			if attempt > 1 {
				if cfg.Observer != nil {
					cfg.Observer.RecordRetrySuccess(cfg.Operation)
				}
				logger.WithFields(logrus.Fields{
					"operation": cfg.Operation,
					"attempt":   attempt,
					"duration":  duration,
				}).Info("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		logger.WithFields(logrus.Fields{
			"operation": cfg.Operation,
			"attempt":   attempt,
			"max":       attempts,
			"duration":  duration,
		}).WithError(err).Warn("Operation failed")

		if !IsRetryable(err) {
			return fmt.Errorf("%s: non-retryable error: %w", cfg.Operation, err)
		}
		if attempt >= attempts {
			break
		}

		wait := nextInterval(cfg.Strategy, cfg.InitialInterval, cfg.MaxInterval, attempt)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during wait: %w", cfg.Operation, ctx.Err())
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("%s: max attempts (%d) reached: %w", cfg.Operation, attempts, lastErr)
}

// nextInterval 第 attempt 次失败后的等待时间
func nextInterval(strategy Strategy, initial, max time.Duration, attempt int) time.Duration {
	var next time.Duration
	switch strategy {
	case StrategyLinear:
		next = initial * time.Duration(attempt)
	case StrategyExponential:
		next = initial * time.Duration(1<<(attempt-1))
	default:
		next = initial
	}
	if max > 0 && next > max {
		next = max
	}
	return next
}

// DoWithResult 执行带重试的操作（返回结果）
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		res, err := fn(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}
