package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) *Config {
	cfg := DefaultConfig("test")
	cfg.MaxAttempts = attempts
	cfg.InitialInterval = time.Millisecond
	cfg.MaxInterval = 5 * time.Millisecond
	return cfg
}

type recordingObserver struct {
	mu        sync.Mutex
	attempts  []int
	successes int
}

func (o *recordingObserver) RecordRetryAttempt(_ string, attempt int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = append(o.attempts, attempt)
}

func (o *recordingObserver) RecordRetrySuccess(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.successes++
}

// TestDo_Success 测试第一次就成功的情况
func TestDo_Success(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
		attempts++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

// TestDo_SuccessAfterRetries 测试重试后成功并通知观察者
func TestDo_SuccessAfterRetries(t *testing.T) {
	obs := &recordingObserver{}
	cfg := fastConfig(5)
	cfg.Observer = obs

	attempts := 0
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2, 3}, obs.attempts)
	assert.Equal(t, 1, obs.successes)
}

// TestDo_MaxAttemptsReached 测试达到最大尝试次数
func TestDo_MaxAttemptsReached(t *testing.T) {
	attempts := 0
	cause := errors.New("persistent error")
	err := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
		attempts++
		return cause
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "max attempts")
	assert.ErrorIs(t, err, cause)
}

// TestDo_NonRetryable 测试不可重试错误立即返回
func TestDo_NonRetryable(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(5), func(ctx context.Context) error {
		attempts++
		return NewNonRetryableError(errors.New("bad input"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Contains(t, err.Error(), "non-retryable")
}

// TestDo_ContextCanceled 测试上下文取消
func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Do(ctx, fastConfig(3), func(ctx context.Context) error {
		attempts++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, attempts)
}

// TestDoWithResult 测试带返回值的重试
func TestDoWithResult(t *testing.T) {
	calls := 0
	v, err := DoWithResult(context.Background(), fastConfig(3), func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", NewRetryableError(errors.New("flaky"))
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

// TestIsRetryable 测试错误分类
func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("x")))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(NewNonRetryableError(errors.New("x"))))
	assert.True(t, IsRetryable(NewRetryableError(context.Canceled)))
}

// TestNextInterval 测试退避间隔
func TestNextInterval(t *testing.T) {
	assert.Equal(t, 10*time.Millisecond, nextInterval(StrategyFixed, 10*time.Millisecond, time.Second, 3))
	assert.Equal(t, 30*time.Millisecond, nextInterval(StrategyLinear, 10*time.Millisecond, time.Second, 3))
	assert.Equal(t, 40*time.Millisecond, nextInterval(StrategyExponential, 10*time.Millisecond, time.Second, 3))
	assert.Equal(t, 25*time.Millisecond, nextInterval(StrategyExponential, 10*time.Millisecond, 25*time.Millisecond, 3))
}
