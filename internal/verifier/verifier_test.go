package verifier

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/apk-patchkit/internal/bundle"
	"github.com/apk-analysis/apk-patchkit/internal/domain"
)

func testVerifier(cfg Config) *Verifier {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewVerifier(cfg, logger)
}

func single(t *testing.T, path, body string) *bundle.Bundle {
	t.Helper()
	b, err := bundle.New("mem", []bundle.FileArtifact{{Path: path, Content: []byte(body)}})
	require.NoError(t, err)
	return b
}

// TestVerify_ManifestWellFormed 测试良构清单
func TestVerify_ManifestWellFormed(t *testing.T) {
	b := single(t, "AndroidManifest.xml", `<?xml version="1.0"?>
<manifest xmlns:android="http://schemas.android.com/apk/res/android" package="com.example">
  <application android:debuggable="true"/>
</manifest>`)
	res := testVerifier(DefaultConfig()).Verify(b, &domain.DetectionResult{}, &domain.PatchOutcome{})
	assert.True(t, res.StructuralIntegrity)
	assert.Empty(t, res.Notes)
	assert.Equal(t, 100, res.EstimatedStability)
	assert.NotNil(t, res.BypassConfirmations)
}

// TestVerify_ManifestProblems 测试各种清单问题
func TestVerify_ManifestProblems(t *testing.T) {
	v := testVerifier(DefaultConfig())

	res := v.Verify(single(t, "AndroidManifest.xml", `<manifest package="a"><application></manifest>`), nil, nil)
	assert.False(t, res.StructuralIntegrity)
	assert.NotEmpty(t, res.Notes)

	res = v.Verify(single(t, "other.xml", `<a/>`), nil, nil)
	assert.False(t, res.StructuralIntegrity)
	require.Len(t, res.Notes, 1)
	assert.Contains(t, res.Notes[0], "not found")

	res = v.Verify(single(t, "AndroidManifest.xml", `<manifest><uses-sdk/></manifest>`), nil, nil)
	assert.True(t, res.StructuralIntegrity)
	assert.Len(t, res.Notes, 2)

	res = v.Verify(single(t, "AndroidManifest.xml", `<manifest package="a"/><manifest package="b"/>`), nil, nil)
	assert.False(t, res.StructuralIntegrity)

	res = v.Verify(single(t, "AndroidManifest.xml", "   "), nil, nil)
	assert.False(t, res.StructuralIntegrity)

	b, err := bundle.New("mem", []bundle.FileArtifact{{Path: "AndroidManifest.xml", Content: []byte{0x03, 0x00, 0x08, 0x00}}})
	require.NoError(t, err)
	res = v.Verify(b, nil, nil)
	assert.False(t, res.StructuralIntegrity)
}

// TestVerify_JSONManifest 测试 JSON 清单
func TestVerify_JSONManifest(t *testing.T) {
	v := testVerifier(Config{ManifestName: "manifest.json"})
	assert.True(t, v.Verify(single(t, "manifest.json", `{"name":"app"}`), nil, nil).StructuralIntegrity)
	assert.False(t, v.Verify(single(t, "manifest.json", `{"name":`), nil, nil).StructuralIntegrity)
}

// TestConfirmations 测试绕过确认只包含检测到的类别
func TestConfirmations(t *testing.T) {
	det := &domain.DetectionResult{Counts: map[domain.Category]int{
		domain.CategoryRootDetection:      2,
		domain.CategoryCertificatePinning: 0,
	}}
	records := []domain.PatchRecord{
		{RuleID: "root-b", Category: domain.CategoryRootDetection},
		{RuleID: "pin", Category: domain.CategoryCertificatePinning},
		{RuleID: "root-a", Category: domain.CategoryRootDetection},
		{RuleID: "root-b", Category: domain.CategoryRootDetection},
	}
	assert.Equal(t, []string{"root-a", "root-b"}, Confirmations(det, records))
	assert.Equal(t, []string{}, Confirmations(nil, records))
}

// TestStability 测试稳定性估计与上下限
func TestStability(t *testing.T) {
	assert.Equal(t, 100, Stability(0, 0, 2, 10))
	assert.Equal(t, 86, Stability(2, 1, 2, 10))
	assert.Equal(t, 10, Stability(100, 0, 2, 10))
	assert.Equal(t, 10, Stability(0, 20, 2, 10))
	assert.Equal(t, 100, Stability(5, 0, 0, 0))
}

// TestVerify_StabilityFromOutcome 测试按补丁结果计算稳定性
func TestVerify_StabilityFromOutcome(t *testing.T) {
	b := single(t, "AndroidManifest.xml", `<manifest package="a"><application/></manifest>`)
	outcome := &domain.PatchOutcome{
		Records:  make([]domain.PatchRecord, 3),
		Failures: make([]domain.PatchFailure, 2),
	}
	res := testVerifier(DefaultConfig()).Verify(b, &domain.DetectionResult{}, outcome)
	assert.Equal(t, 100-6-20, res.EstimatedStability)
}
