package advisor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/apk-patchkit/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// TestSuggest_Success 测试正常返回建议等级
func TestSuggest_Success(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k-123", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tier":"standard","reason":"pinning only"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k-123", time.Second, testLogger())
	advice, err := c.Suggest(context.Background(), Request{
		RunID:          "r1",
		AggregateScore: 14,
		Counts:         map[domain.Category]int{domain.CategoryCertificatePinning: 4},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TierStandard, advice.Tier)
	assert.Equal(t, "pinning only", advice.Reason)
	assert.Equal(t, 14, got.AggregateScore)
}

// TestSuggest_InvalidTier 测试无效等级不重试
func TestSuggest_InvalidTier(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"tier":"nuclear"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", time.Second, testLogger()).Suggest(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid tier")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

// TestSuggest_ServerErrorRetried 测试 5xx 重试
func TestSuggest_ServerErrorRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"tier":"basic"}`))
	}))
	defer srv.Close()

	advice, err := NewClient(srv.URL, "", time.Second, testLogger()).Suggest(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, domain.TierBasic, advice.Tier)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

// TestSuggest_ClientError 测试 4xx 直接失败
func TestSuggest_ClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", time.Second, testLogger()).Suggest(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
