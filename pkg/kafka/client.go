// Package kafka 提供了与 Kafka 消息队列交互的功能：
// 发布上传会话事件，以及消费后端的文档处理通知。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"

	"reconomed-intake/internal/config"
	"reconomed-intake/pkg/log"
	"reconomed-intake/pkg/tasks"
)

// NotificationHandler 处理一条后端通知。
// 使 Kafka 消费者与具体的服务实现解耦。
type NotificationHandler interface {
	HandleNotification(ctx context.Context, n tasks.ProcessingNotification) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher 异步发布上传事件。队列满时丢弃事件并记录日志，不阻塞调用方。
type Publisher struct {
	writer messageWriter
	queue  chan tasks.UploadEvent
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewPublisher 初始化 Kafka 生产者。
func NewPublisher(cfg config.KafkaConfig) *Publisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers(cfg.Brokers)...),
		Topic:        cfg.EventsTopic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	log.Infof("Kafka 生产者初始化成功, topic: %s", cfg.EventsTopic)
	return newPublisher(w, 256)
}

func newPublisher(w messageWriter, buffer int) *Publisher {
	p := &Publisher{
		writer: w,
		queue:  make(chan tasks.UploadEvent, buffer),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func brokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Enqueue 把事件放入发送队列。
func (p *Publisher) Enqueue(ev tasks.UploadEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- ev:
	default:
		log.Warnf("[KafkaPublisher] 发送队列已满, 丢弃事件 kind=%s id=%s", ev.Kind, ev.RecordID)
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for ev := range p.queue {
		if err := p.publish(context.Background(), ev); err != nil {
			log.Errorf("[KafkaPublisher] 发送事件失败 kind=%s id=%s: %v", ev.Kind, ev.RecordID, err)
		}
	}
}

func (p *Publisher) publish(ctx context.Context, ev tasks.UploadEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.Key()), Value: value})
}

// Close 发送完队列中剩余的事件后关闭生产者。
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.writer.Close()
}

// AttemptCounter 记录通知的失败次数。
type AttemptCounter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string)
}

const maxAttempts = 3

type redisAttempts struct{ rdb *redis.Client }

// NewRedisAttempts 使用 Redis 计数失败次数，多实例共享。
func NewRedisAttempts(rdb *redis.Client) AttemptCounter { return &redisAttempts{rdb: rdb} }

func (r *redisAttempts) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.rdb.Incr(ctx, key).Result()
	if err == nil {
		_ = r.rdb.Expire(ctx, key, 24*time.Hour).Err()
	}
	return n, err
}

func (r *redisAttempts) Reset(ctx context.Context, key string) {
	_ = r.rdb.Del(ctx, key).Err()
}

type memoryAttempts struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewMemoryAttempts 在进程内计数失败次数。
func NewMemoryAttempts() AttemptCounter { return &memoryAttempts{counts: make(map[string]int64)} }

func (m *memoryAttempts) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
	return m.counts[key], nil
}

func (m *memoryAttempts) Reset(_ context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, key)
}

// retryBackoff 是两次处理之间的基础等待时间，第 n 次失败后等待 n 倍。
const retryBackoff = 500 * time.Millisecond

// handleMessage 处理一条消息，失败时在原地按退避间隔重试，返回是否应提交 offset。
// kafka-go 不会在同一会话中重新投递未提交的消息，因此重试只能在这里完成。
// 失败次数记在 attempts 中，进程重启后重新投递的消息会继续累计。
// 只有 ctx 被取消时才返回 false。
func handleMessage(ctx context.Context, m kafka.Message, handler NotificationHandler, attempts AttemptCounter, backoff time.Duration) bool {
	var n tasks.ProcessingNotification
	if err := json.Unmarshal(m.Value, &n); err != nil {
		// 消息格式错误，直接提交，避免阻塞队列
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		return true
	}
	if n.UploadID == "" && n.DocumentID == "" {
		log.Warnf("Kafka 通知缺少 upload_id/document_id, offset %d", m.Offset)
		return true
	}

	key := fmt.Sprintf("kafka:attempts:%s:%s", n.UploadID, n.DocumentID)
	var local int64
	for {
		err := handler.HandleNotification(ctx, n)
		if err == nil {
			attempts.Reset(ctx, key)
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		local++
		count, incErr := attempts.Incr(ctx, key)
		if incErr != nil {
			log.Warnf("记录通知失败次数失败, 使用本地计数: %v", incErr)
			count = local
		}
		if count >= maxAttempts {
			log.Errorw("通知多次处理失败，提交 offset 终止重试",
				"upload", n.UploadID, "document", n.DocumentID, "attempts", count, "error", err)
			attempts.Reset(ctx, key)
			return true
		}
		log.Warnw("处理通知失败, 稍后重试",
			"upload", n.UploadID, "document", n.DocumentID, "attempt", count, "error", err)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff * time.Duration(count)):
		}
	}
}

// StartConsumer 启动一个 Kafka 消费者来处理后端通知，直到 ctx 被取消。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, handler NotificationHandler, attempts AttemptCounter) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(cfg.Brokers),
		Topic:    cfg.NotificationsTopic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	if attempts == nil {
		attempts = NewMemoryAttempts()
	}

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.NotificationsTopic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Error("从 Kafka 读取消息失败", err)
			}
			break
		}
		log.Debugf("收到 Kafka 消息: offset %d", m.Offset)

		if handleMessage(ctx, m, handler, attempts, retryBackoff) {
			if err := r.CommitMessages(ctx, m); err != nil {
				log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
			}
		}
	}

	if err := r.Close(); err != nil {
		log.Errorf("关闭 Kafka 消费者失败: %v", err)
	}
}
