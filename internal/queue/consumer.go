package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-patchkit/internal/worker"
)

// RunHandler 运行处理函数，返回错误表示运行未能交给执行方
type RunHandler func(ctx context.Context, req worker.RunRequest) error

// Source 消息来源；Consume 返回的通道关闭表示连接已断开
type Source interface {
	Consume() (<-chan amqp.Delivery, error)
	Redial(ctx context.Context) error
}

// Consumer 把运行消息交给 RunHandler
type Consumer struct {
	mq      Source
	logger  *logrus.Logger
	handler RunHandler
	workers int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer 创建消费者
func NewConsumer(mq Source, handler RunHandler, workers int, logger *logrus.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{mq: mq, logger: logger, handler: handler, workers: workers}
}

// Start 开始消费，首次 Consume 失败直接返回
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}

	msgs, err := c.mq.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.loop(ctx, msgs, c.done)

	c.logger.WithField("workers", c.workers).Info("Consumer started")
	return nil
}

// loop 投递通道关闭后重连并继续消费，ctx 取消或重连失败时退出
func (c *Consumer) loop(ctx context.Context, msgs <-chan amqp.Delivery, done chan struct{}) {
	defer close(done)
	for {
		c.drain(ctx, msgs)
		if ctx.Err() != nil {
			return
		}

		c.logger.Warn("Delivery channel closed, redialing")
		if err := c.mq.Redial(ctx); err != nil {
			c.logger.WithError(err).Error("Failed to redial, consumer stopped")
			return
		}
		var err error
		if msgs, err = c.mq.Consume(); err != nil {
			c.logger.WithError(err).Error("Failed to resume consuming, consumer stopped")
			return
		}
	}
}

// drain 用固定数量的协程处理 msgs，直到通道关闭或 ctx 取消
func (c *Consumer) drain(ctx context.Context, msgs <-chan amqp.Delivery) {
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					c.processMessage(ctx, id, msg)
				}
			}
		}(i)
	}
	wg.Wait()
}

// processMessage 处理单条消息
func (c *Consumer) processMessage(ctx context.Context, workerID int, delivery amqp.Delivery) {
	startTime := time.Now()

	var msg RunMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		c.logger.WithError(err).Error("Failed to unmarshal message")
		delivery.Nack(false, false)
		return
	}
	req, err := msg.Request()
	if err != nil {
		c.logger.WithError(err).Error("Invalid run message")
		delivery.Nack(false, false)
		return
	}

	c.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"run_id":    req.ID,
		"input":     req.InputPath,
	}).Info("Processing run message")

	if err := c.handler(ctx, req); err != nil {
		// 关闭过程中中断的消息重新入队，其余丢弃以避免无限循环
		requeue := errors.Is(err, context.Canceled) || ctx.Err() != nil
		c.logger.WithError(err).WithFields(logrus.Fields{
			"worker_id": workerID,
			"run_id":    req.ID,
			"requeue":   requeue,
		}).Error("Run dispatch failed")
		delivery.Nack(false, requeue)
		return
	}

	// 运行结束（包括 failed），确认消息
	if err := delivery.Ack(false); err != nil {
		c.logger.WithError(err).Error("Failed to acknowledge message")
	}

	c.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"run_id":    req.ID,
		"duration":  time.Since(startTime).Seconds(),
	}).Info("Run message handled")
}

// Stop 停止消费并等待处理中的消息结束
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.Info("Consumer stopped")
}

// IsRunning 消费循环是否仍在运行
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}
