package signer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-patchkit/internal/retry"
)

// Placeholder 参数中的包路径占位符
const Placeholder = "{apk}"

// Signer 调用外部签名工具
// 签名语义不在本工具范围内，这里只负责执行并汇报结果
type Signer struct {
	command  string
	args     []string
	timeout  time.Duration
	retryCfg *retry.Config
	logger   *logrus.Logger
}

// NewSigner 创建签名器
func NewSigner(command string, args []string, timeout time.Duration, maxRetries int, logger *logrus.Logger) *Signer {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	cfg := retry.DefaultConfig("signer")
	cfg.MaxAttempts = maxRetries + 1
	cfg.Logger = logger
	return &Signer{
		command:  command,
		args:     append([]string(nil), args...),
		timeout:  timeout,
		retryCfg: cfg,
		logger:   logger,
	}
}

// WithRetryObserver 设置重试指标观察者
func (s *Signer) WithRetryObserver(o retry.Observer) *Signer {
	s.retryCfg.Observer = o
	return s
}

// Args 展开占位符后的参数
func (s *Signer) Args(apkPath string) []string {
	out := make([]string, len(s.args))
	found := false
	for i, a := range s.args {
		if strings.Contains(a, Placeholder) {
			found = true
		}
		out[i] = strings.ReplaceAll(a, Placeholder, apkPath)
	}
	if !found {
		out = append(out, apkPath)
	}
	return out
}

// Sign 对重新打包的文件签名
func (s *Signer) Sign(ctx context.Context, apkPath string) error {
	args := s.Args(apkPath)
	s.logger.WithFields(logrus.Fields{
		"command": s.command,
		"apk":     apkPath,
	}).Info("Signing repackaged bundle")

	return retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		cmd := exec.CommandContext(cctx, s.command, args...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			var execErr *exec.Error
			if errors.As(err, &execErr) {
				// 命令不存在，重试无意义
				return retry.NewNonRetryableError(fmt.Errorf("signer command %q: %w", s.command, err))
			}
			return fmt.Errorf("signer %q failed: %w: %s", s.command, err, strings.TrimSpace(stderr.String()))
		}
		return nil
	})
}
