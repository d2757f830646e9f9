package detector

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/apk-patchkit/internal/bundle"
	"github.com/apk-analysis/apk-patchkit/internal/domain"
	"github.com/apk-analysis/apk-patchkit/internal/pattern"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func indicators(t *testing.T, body string) []pattern.Indicator {
	t.Helper()
	reg, err := pattern.Parse([]byte(body), "t.yaml")
	require.NoError(t, err)
	return reg.Indicators()
}

// TestDetect_SingleFileCount 测试单文件三次命中
func TestDetect_SingleFileCount(t *testing.T) {
	b, err := bundle.New("mem", []bundle.FileArtifact{
		{Path: "smali/a/Guard.smali", Content: []byte("checkRoot; checkRoot(); CHECKROOT")},
	})
	require.NoError(t, err)

	inds := indicators(t, "indicators:\n  - {category: root_detection, matcher: checkRoot, weight: 1}\n")
	res, err := NewDetector(2, testLogger()).Detect(context.Background(), b, inds)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Counts[domain.CategoryRootDetection])
	assert.Equal(t, 3, res.AggregateScore)
	assert.Equal(t, 1, res.FilesScanned)
}

// TestDetect_WeightedAcrossFiles 测试多文件加权分数
func TestDetect_WeightedAcrossFiles(t *testing.T) {
	var files []bundle.FileArtifact
	for i := 0; i < 5; i++ {
		files = append(files, bundle.FileArtifact{
			Path:    fmt.Sprintf("smali/a/C%d.smali", i),
			Content: []byte("invoke checkRoot"),
		})
	}
	b, err := bundle.New("mem", files)
	require.NoError(t, err)

	inds := indicators(t, "indicators:\n  - {category: root_detection, matcher: checkRoot, weight: 3}\n")
	res, err := NewDetector(3, testLogger()).Detect(context.Background(), b, inds)
	require.NoError(t, err)

	assert.Equal(t, 5, res.Counts[domain.CategoryRootDetection])
	assert.Equal(t, 15, res.AggregateScore)
}

// TestDetect_UndecodableAndBinary 测试无法解码的文件产生警告，二进制静默跳过
func TestDetect_UndecodableAndBinary(t *testing.T) {
	b, err := bundle.New("mem", []bundle.FileArtifact{
		{Path: "assets/blob.txt", Content: []byte{'c', 'h', 0xff, 0x00}},
		{Path: "res/icon.png", Content: []byte("checkRoot")},
		{Path: "a.smali", Content: []byte("checkRoot")},
	})
	require.NoError(t, err)

	inds := indicators(t, "indicators:\n  - {category: root_detection, matcher: checkRoot, weight: 1}\n")
	res, err := NewDetector(1, testLogger()).Detect(context.Background(), b, inds)
	require.NoError(t, err)

	assert.Equal(t, 1, res.AggregateScore)
	assert.Equal(t, 2, res.FilesSkipped)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, domain.WarningFileIO, res.Warnings[0].Kind)
	assert.Equal(t, "assets/blob.txt", res.Warnings[0].Path)
}

// TestDetect_Deterministic 测试结果与 worker 数量和文件顺序无关
func TestDetect_Deterministic(t *testing.T) {
	var files []bundle.FileArtifact
	for i := 0; i < 200; i++ {
		body := strings.Repeat("isDebuggerConnected ", i%4) + strings.Repeat("/system/xbin/su ", i%3)
		if i%17 == 0 {
			body = "bad\x00"
		}
		files = append(files, bundle.FileArtifact{Path: fmt.Sprintf("smali/f%03d.smali", i), Content: []byte(body)})
	}
	inds := pattern.Builtin().Indicators()

	ordered, err := bundle.New("mem", files)
	require.NoError(t, err)
	want, err := NewDetector(1, testLogger()).Detect(context.Background(), ordered, inds)
	require.NoError(t, err)

	shuffled := append([]bundle.FileArtifact(nil), files...)
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	sb, err := bundle.New("mem", shuffled)
	require.NoError(t, err)
	got, err := NewDetector(8, testLogger()).Detect(context.Background(), sb, inds)
	require.NoError(t, err)

	assert.Equal(t, want.AggregateScore, got.AggregateScore)
	if diff := cmp.Diff(want.Counts, got.Counts); diff != "" {
		t.Errorf("counts differ (-want +got):\n%s", diff)
	}
	assert.ElementsMatch(t, want.Warnings, got.Warnings)
}

// TestDetect_Cancelled 测试取消后返回 context 错误
func TestDetect_Cancelled(t *testing.T) {
	b, err := bundle.New("mem", []bundle.FileArtifact{{Path: "a.smali", Content: []byte("x")}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := NewDetector(2, testLogger()).Detect(ctx, b, nil)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestDetect_Protectors 测试加固指纹识别
func TestDetect_Protectors(t *testing.T) {
	b, err := bundle.New("mem", []bundle.FileArtifact{
		{Path: "lib/arm64-v8a/libjiagu_a64.so", Content: []byte{0x7f}},
		{Path: "smali/com/stub/StubApp.smali", Content: []byte(".class Lcom/stub/StubApp;")},
	})
	require.NoError(t, err)

	res, err := NewDetector(1, testLogger()).Detect(context.Background(), b, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.Protectors)
	assert.Equal(t, "360 Jiagu", res.Protectors[0].Name)
	assert.LessOrEqual(t, res.Protectors[0].Confidence, 1.0)
}

// TestMatchLibName 测试库名匹配
func TestMatchLibName(t *testing.T) {
	assert.True(t, matchLibName("libshellx.so", "libshellx.so"))
	assert.True(t, matchLibName("libshellx.so", "libshellx-2.10.3.4.so"))
	assert.False(t, matchLibName("libexec.so", "libexecutor.so"))
}
