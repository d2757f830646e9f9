package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-patchkit/internal/retry"
	"github.com/apk-analysis/apk-patchkit/internal/worker"
)

// Publisher 发布原始消息
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Producer 消息生产者
type Producer struct {
	mq       Publisher
	retryCfg *retry.Config
	logger   *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(mq Publisher, observer retry.Observer, logger *logrus.Logger) *Producer {
	cfg := retry.DefaultConfig("queue_publish")
	cfg.InitialInterval = 500 * time.Millisecond
	cfg.Logger = logger
	cfg.Observer = observer
	return &Producer{
		mq:       mq,
		retryCfg: cfg,
		logger:   logger,
	}
}

// PublishRun 发布运行消息
func (p *Producer) PublishRun(ctx context.Context, msg *RunMessage) error {
	// 序列化消息
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	// 发布到队列
	if err := retry.Do(ctx, p.retryCfg, func(ctx context.Context) error {
		return p.mq.Publish(ctx, body)
	}); err != nil {
		p.logger.WithError(err).WithField("run_id", msg.RunID).Error("Failed to publish run")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"run_id": msg.RunID,
		"input":  msg.InputPath,
	}).Info("Run published to queue")

	return nil
}

// Dispatch 将运行请求发布到队列
func (p *Producer) Dispatch(ctx context.Context, req worker.RunRequest) error {
	return p.PublishRun(ctx, NewRunMessage(req))
}
