// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"docchat-go/internal/config"
	"docchat-go/pkg/log"
	"docchat-go/pkg/tasks"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// maxAttempts 为同一文档任务的最大处理次数，达到后提交 offset 放弃重试。
const maxAttempts = 3

// TaskProcessor defines the interface for any service that can process a task.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.DocumentProcessingTask) error
}

// Producer 发送文档处理任务。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:     kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// ProduceDocumentTask 发送一个文档处理任务到 Kafka，以文件 MD5 作为消息键。
func (p *Producer) ProduceDocumentTask(ctx context.Context, task tasks.DocumentProcessingTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.FileMD5),
		Value: taskBytes,
	})
}

// Close 关闭底层 writer。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// AttemptTracker 使用 Redis 记录每个任务的失败次数。
type AttemptTracker struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewAttemptTracker 创建 AttemptTracker，计数在 24 小时后过期。
func NewAttemptTracker(rdb *redis.Client) *AttemptTracker {
	return &AttemptTracker{rdb: rdb, ttl: 24 * time.Hour}
}

func attemptsKey(fileMD5 string) string {
	return fmt.Sprintf("kafka:attempts:%s", fileMD5)
}

// Failed 记录一次失败，返回是否应当放弃重试。
// Redis 不可用时返回错误，调用方不应提交 offset。
func (t *AttemptTracker) Failed(ctx context.Context, fileMD5 string) (bool, error) {
	key := attemptsKey(fileMD5)
	attempts, err := t.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	_ = t.rdb.Expire(ctx, key, t.ttl).Err()
	return attempts >= maxAttempts, nil
}

// Succeeded 清理失败计数。
func (t *AttemptTracker) Succeeded(ctx context.Context, fileMD5 string) {
	_ = t.rdb.Del(ctx, attemptsKey(fileMD5)).Err()
}

// messageReader 是 Consumer 用到的 *kafka.Reader 方法。
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer 从 Kafka 读取文档任务并交给 TaskProcessor 处理。
// 失败的任务在原地重试，直到成功或累计失败 maxAttempts 次后才提交 offset。
type Consumer struct {
	reader    messageReader
	topic     string
	processor TaskProcessor
	attempts  *AttemptTracker
	// backoff 为第一次重试前的等待时间，之后按次数线性增长
	backoff time.Duration
}

// NewConsumer 创建消费者。
func NewConsumer(cfg config.KafkaConfig, processor TaskProcessor, attempts *AttemptTracker) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(cfg.Brokers, ","),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: r, topic: cfg.Topic, processor: processor, attempts: attempts, backoff: 2 * time.Second}
}

// Run 持续消费直到 ctx 被取消。读取失败时等待后继续，不会退出。
func (c *Consumer) Run(ctx context.Context) {
	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", c.topic)
	defer func() {
		if err := c.reader.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("Kafka 消费者已停止")
				return
			}
			log.Error("从 Kafka 读取消息失败", err)
			if !c.wait(ctx, 1) {
				log.Info("Kafka 消费者已停止")
				return
			}
			continue
		}
		log.Debugf("收到 Kafka 消息: offset %d", m.Offset)

		if c.handle(ctx, m.Value) {
			if err := c.reader.CommitMessages(ctx, m); err != nil {
				log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
			}
		}
	}
}

// handle 处理一条消息，失败时原地重试，返回是否应提交 offset。
// 只有 ctx 被取消时返回 false，未提交的消息会在重启后重新投递。
func (c *Consumer) handle(ctx context.Context, value []byte) bool {
	var task tasks.DocumentProcessingTask
	if err := json.Unmarshal(value, &task); err != nil {
		// 消息格式错误，直接提交，避免阻塞队列
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(value))
		return true
	}

	log.Infof("开始处理文档任务: MD5=%s, FileName=%s, Collection=%s", task.FileMD5, task.FileName, task.Collection)
	for attempt := 1; ; attempt++ {
		err := c.processor.Process(ctx, task)
		if err == nil {
			log.Infof("文档任务处理成功: MD5=%s", task.FileMD5)
			c.attempts.Succeeded(ctx, task.FileMD5)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		log.Errorf("处理文档任务失败: MD5=%s, 第 %d 次, Error: %v", task.FileMD5, attempt, err)

		// 计数保存在 Redis 中，重启后继续累计；Redis 不可用时按本地次数判断
		giveUp, trackErr := c.attempts.Failed(ctx, task.FileMD5)
		if trackErr != nil {
			log.Warnf("记录文档任务失败次数出错: MD5=%s, Error: %v", task.FileMD5, trackErr)
			giveUp = attempt >= maxAttempts
		}
		if giveUp {
			log.Errorf("文档任务多次失败(>=%d)，提交 offset 终止重试: MD5=%s", maxAttempts, task.FileMD5)
			return true
		}
		if !c.wait(ctx, attempt) {
			return false
		}
	}
}

// wait 等待 attempt 倍的 backoff，ctx 被取消时返回 false。
func (c *Consumer) wait(ctx context.Context, attempt int) bool {
	if c.backoff <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(c.backoff * time.Duration(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
