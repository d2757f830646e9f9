package signer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// TestArgs 测试占位符替换
func TestArgs(t *testing.T) {
	s := NewSigner("apksigner", []string{"sign", "--ks", "k.jks", "{apk}"}, 0, 0, testLogger())
	assert.Equal(t, []string{"sign", "--ks", "k.jks", "/out/app.apk"}, s.Args("/out/app.apk"))

	s = NewSigner("apksigner", []string{"sign"}, 0, 0, testLogger())
	assert.Equal(t, []string{"sign", "/out/app.apk"}, s.Args("/out/app.apk"))
}

// TestSign_MissingCommand 测试命令不存在时不重试
func TestSign_MissingCommand(t *testing.T) {
	s := NewSigner("patchkit-no-such-signer", nil, time.Second, 3, testLogger())
	err := s.Sign(context.Background(), "/tmp/x.apk")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-retryable")
}

// TestSign_RunsCommand 测试执行外部命令
func TestSign_RunsCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	marker := filepath.Join(dir, "signed")
	s := NewSigner("sh", []string{"-c", "touch \"$0\"", marker}, time.Second, 0, testLogger())
	require.NoError(t, s.Sign(context.Background(), "ignored"))

	_, err := os.Stat(marker)
	assert.NoError(t, err)
}
