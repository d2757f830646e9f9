package queue

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-patchkit/internal/config"
	"github.com/apk-analysis/apk-patchkit/internal/retry"
)

const (
	defaultHeartbeat = 10 * time.Second
	redialAttempts   = 10
)

// RabbitMQ 运行消息所用的单连接单通道客户端
type RabbitMQ struct {
	cfg      config.RabbitMQConfig
	prefetch int
	logger   *logrus.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewRabbitMQ 连接并声明运行队列
// prefetch 与并发运行数一致，未确认的消息不会超过可执行的运行数
func NewRabbitMQ(cfg config.RabbitMQConfig, prefetch int, logger *logrus.Logger) (*RabbitMQ, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	mq := &RabbitMQ{cfg: cfg, prefetch: prefetch, logger: logger}
	if err := mq.dial(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return mq, nil
}

// URL 连接地址
func URL(cfg config.RabbitMQConfig) string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   "/" + cfg.VHost,
	}
	return u.String()
}

// dial 建立新连接并替换旧连接
func (mq *RabbitMQ) dial() error {
	conn, err := amqp.DialConfig(URL(mq.cfg), amqp.Config{Heartbeat: defaultHeartbeat, Locale: "en_US"})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	ch, err := conn.Channel()
	if err == nil {
		err = ch.Qos(mq.prefetch, 0, false)
	}
	if err == nil {
		// 持久队列，非独占
		_, err = ch.QueueDeclare(mq.cfg.Queue, true, false, false, false, nil)
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to prepare channel: %w", err)
	}

	mq.mu.Lock()
	old := mq.conn
	mq.conn, mq.channel = conn, ch
	mq.mu.Unlock()
	if old != nil {
		old.Close()
	}

	mq.logger.WithFields(logrus.Fields{
		"host":     mq.cfg.Host,
		"port":     mq.cfg.Port,
		"queue":    mq.cfg.Queue,
		"prefetch": mq.prefetch,
	}).Info("Connected to RabbitMQ")
	return nil
}

// Redial 按线性退避重新连接，直到成功、次数用尽或 ctx 取消
func (mq *RabbitMQ) Redial(ctx context.Context) error {
	cfg := retry.DefaultConfig("rabbitmq_redial")
	cfg.MaxAttempts = redialAttempts
	cfg.Strategy = retry.StrategyLinear
	cfg.Logger = mq.logger
	return retry.Do(ctx, cfg, func(ctx context.Context) error {
		return mq.dial()
	})
}

func (mq *RabbitMQ) current() (*amqp.Channel, error) {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	if mq.channel == nil {
		return nil, fmt.Errorf("channel is not open")
	}
	return mq.channel, nil
}

// Publish 发布一条持久化的 JSON 消息
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	ch, err := mq.current()
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, "", mq.cfg.Queue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
	})
}

// Consume 手动确认模式消费运行队列
// 通道或连接关闭时返回的投递通道随之关闭
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	ch, err := mq.current()
	if err != nil {
		return nil, err
	}
	msgs, err := ch.Consume(mq.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return msgs, nil
}

// Close 关闭连接
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	conn := mq.conn
	mq.conn, mq.channel = nil, nil
	mq.mu.Unlock()
	if conn == nil {
		return nil
	}
	mq.logger.Info("RabbitMQ connection closed")
	return conn.Close()
}
