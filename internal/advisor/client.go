package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-patchkit/internal/domain"
	"github.com/apk-analysis/apk-patchkit/internal/retry"
)

// Request 发送给建议服务的检测摘要
type Request struct {
	RunID          string                  `json:"run_id"`
	AggregateScore int                     `json:"aggregate_score"`
	Counts         map[domain.Category]int `json:"counts"`
	Protectors     []string                `json:"protectors,omitempty"`
	Tiers          []domain.Tier           `json:"available_tiers"`
}

// Advice 建议服务返回的等级
type Advice struct {
	Tier   domain.Tier `json:"tier"`
	Reason string      `json:"reason,omitempty"`
}

// Client 等级建议服务客户端
// 建议只作为 override 使用，失败时由调用方记录警告
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
	retryCfg   *retry.Config
	logger     *logrus.Logger
}

// NewClient 创建建议服务客户端
func NewClient(url, apiKey string, timeout time.Duration, logger *logrus.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cfg := retry.DefaultConfig("advisor")
	cfg.MaxAttempts = 2
	cfg.InitialInterval = 500 * time.Millisecond
	cfg.Logger = logger
	return &Client{
		url:    url,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retryCfg: cfg,
		logger:   logger,
	}
}

// WithRetryObserver 设置重试指标观察者
func (c *Client) WithRetryObserver(o retry.Observer) *Client {
	c.retryCfg.Observer = o
	return c
}

// Suggest 请求建议等级，返回的等级保证有效
func (c *Client) Suggest(ctx context.Context, req Request) (*Advice, error) {
	advice, err := retry.DoWithResult(ctx, c.retryCfg, func(ctx context.Context) (*Advice, error) {
		return c.post(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"run_id": req.RunID,
		"tier":   advice.Tier,
		"reason": advice.Reason,
	}).Info("Advisor suggested tier")
	return advice, nil
}

func (c *Client) post(ctx context.Context, payload Request) (*Advice, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, retry.NewNonRetryableError(fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, retry.NewNonRetryableError(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("advisor returned status %d: %s", resp.StatusCode, string(bodyBytes))
		if resp.StatusCode < 500 {
			return nil, retry.NewNonRetryableError(err)
		}
		return nil, err
	}

	var advice Advice
	if err := json.NewDecoder(resp.Body).Decode(&advice); err != nil {
		return nil, retry.NewNonRetryableError(fmt.Errorf("failed to decode advisor response: %w", err))
	}
	if !advice.Tier.Valid() {
		return nil, retry.NewNonRetryableError(fmt.Errorf("advisor returned invalid tier %q", advice.Tier))
	}
	return &advice, nil
}
