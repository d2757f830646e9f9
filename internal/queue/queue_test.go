package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/apk-patchkit/internal/config"
	"github.com/apk-analysis/apk-patchkit/internal/domain"
	"github.com/apk-analysis/apk-patchkit/internal/worker"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// TestRunMessage_Request 测试消息还原与校验
func TestRunMessage_Request(t *testing.T) {
	tier := domain.TierAdvanced
	req := worker.RunRequest{ID: "r1", InputPath: "/in/a.apk", Override: &tier, OutputDir: "/out/r1", Sign: true}

	got, err := NewRunMessage(req).Request()
	require.NoError(t, err)
	assert.Equal(t, req, got)

	auto, err := (&RunMessage{RunID: "r2", InputPath: "x", Tier: "auto"}).Request()
	require.NoError(t, err)
	assert.Nil(t, auto.Override)

	_, err = (&RunMessage{RunID: "r3"}).Request()
	assert.Error(t, err)
	_, err = (&RunMessage{RunID: "r4", InputPath: "x", Tier: "max"}).Request()
	assert.Error(t, err)
}

// TestURL 测试连接地址转义
func TestURL(t *testing.T) {
	u := URL(config.RabbitMQConfig{Host: "mq", Port: 5672, User: "guest", Password: "p@ss/word", VHost: "patch"})
	assert.Equal(t, "amqp://guest:p%40ss%2Fword@mq:5672/patch", u)
}

type flakyPublisher struct {
	mu     sync.Mutex
	bodies [][]byte
	fails  int
}

func (f *flakyPublisher) Publish(ctx context.Context, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("channel is nil")
	}
	f.bodies = append(f.bodies, body)
	return nil
}

// TestProducer_DispatchRetries 测试发布失败后重试
func TestProducer_DispatchRetries(t *testing.T) {
	pub := &flakyPublisher{fails: 1}
	p := NewProducer(pub, nil, testLogger())
	p.retryCfg.InitialInterval = time.Millisecond

	require.NoError(t, p.Dispatch(context.Background(), worker.RunRequest{ID: "r1", InputPath: "/in/a.apk"}))
	require.Len(t, pub.bodies, 1)

	var msg RunMessage
	require.NoError(t, json.Unmarshal(pub.bodies[0], &msg))
	assert.Equal(t, "r1", msg.RunID)
	assert.Empty(t, msg.Tier)
}

// fakeAcknowledger 记录确认结果
type fakeAcknowledger struct {
	mu     sync.Mutex
	acks   []uint64
	nacks  []uint64
	requeu []bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, tag)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks = append(f.nacks, tag)
	f.requeu = append(f.requeu, requeue)
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func (f *fakeAcknowledger) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acks), len(f.nacks)
}

// fakeSource 依次返回预置的投递通道，通道关闭模拟连接断开
type fakeSource struct {
	mu      sync.Mutex
	chans   []chan amqp.Delivery
	next    int
	redials int
}

func (s *fakeSource) Consume() (<-chan amqp.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.chans) {
		return nil, errors.New("channel is not open")
	}
	ch := s.chans[s.next]
	s.next++
	return ch, nil
}

func (s *fakeSource) Redial(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redials++
	return nil
}

func (s *fakeSource) redialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.redials
}

// TestConsumer_ProcessesMessages 测试消费确认与拒绝
func TestConsumer_ProcessesMessages(t *testing.T) {
	deliveries := make(chan amqp.Delivery, 4)
	src := &fakeSource{chans: []chan amqp.Delivery{deliveries}}
	ack := &fakeAcknowledger{}

	var mu sync.Mutex
	var handled []string
	handler := func(ctx context.Context, req worker.RunRequest) error {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, req.ID)
		if req.ID == "broken" {
			return errors.New("worker pool is stopped")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := NewConsumer(src, handler, 2, testLogger())
	require.NoError(t, c.Start(ctx))
	assert.True(t, c.IsRunning())

	deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(`{"run_id":"ok","input_path":"/in/a.apk"}`)}
	deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte(`not json`)}
	deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, Body: []byte(`{"run_id":"bad-tier","input_path":"x","tier":"max"}`)}
	deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 4, Body: []byte(`{"run_id":"broken","input_path":"x"}`)}

	require.Eventually(t, func() bool {
		acks, nacks := ack.counts()
		return acks == 1 && nacks == 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	c.Stop()
	assert.False(t, c.IsRunning())

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"ok", "broken"}, handled)
	assert.Equal(t, []uint64{1}, ack.acks)
	for _, r := range ack.requeu {
		assert.False(t, r)
	}
}

// TestConsumer_ResumesAfterDeliveryChannelCloses 测试投递通道关闭后重连并继续消费
func TestConsumer_ResumesAfterDeliveryChannelCloses(t *testing.T) {
	lost := make(chan amqp.Delivery)
	resumed := make(chan amqp.Delivery, 1)
	src := &fakeSource{chans: []chan amqp.Delivery{lost, resumed}}
	ack := &fakeAcknowledger{}

	handler := func(ctx context.Context, req worker.RunRequest) error { return nil }
	c := NewConsumer(src, handler, 2, testLogger())
	require.NoError(t, c.Start(context.Background()))

	close(lost)
	resumed <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 7, Body: []byte(`{"run_id":"after","input_path":"/in/a.apk"}`)}

	require.Eventually(t, func() bool {
		acks, _ := ack.counts()
		return acks == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, src.redialCount())
	assert.True(t, c.IsRunning())

	c.Stop()
	assert.False(t, c.IsRunning())
}

// TestConsumer_StopsWhenConsumeFailsAfterRedial 测试重连后无法恢复消费时消费循环退出
func TestConsumer_StopsWhenConsumeFailsAfterRedial(t *testing.T) {
	lost := make(chan amqp.Delivery)
	src := &fakeSource{chans: []chan amqp.Delivery{lost}}

	c := NewConsumer(src, func(ctx context.Context, req worker.RunRequest) error { return nil }, 1, testLogger())
	require.NoError(t, c.Start(context.Background()))
	close(lost)

	require.Eventually(t, func() bool { return !c.IsRunning() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, src.redialCount())
	c.Stop()
}
