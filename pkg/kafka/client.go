// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/segmentio/kafka-go"

	"docqa-go/internal/config"
	"docqa-go/pkg/log"
	"docqa-go/pkg/tasks"
)

// Producer publishes job notifications.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// ProduceJobEnqueued 发送任务入队通知，按租户分区以保持同一租户消息有序。
func (p *Producer) ProduceJobEnqueued(ctx context.Context, msg tasks.JobEnqueued) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(msg.TenantID), Value: b})
}

// Close flushes pending writes.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer reads job notifications and hands them to onJob.
type Consumer struct {
	reader *kafka.Reader
	onJob  func(tasks.JobEnqueued)
}

// NewConsumer creates a consumer group reader.
func NewConsumer(cfg config.KafkaConfig, onJob func(tasks.JobEnqueued)) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(cfg.Brokers, ","),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: r, onJob: onJob}
}

// Run consumes until ctx is done. Every message is committed after onJob
// returns, since missed notifications are recovered by polling.
func (c *Consumer) Run(ctx context.Context) {
	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", c.reader.Config().Topic)
	defer func() {
		if err := c.reader.Close(); err != nil {
			log.Error("关闭 Kafka 消费者失败", err)
		}
	}()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			log.Error("从 Kafka 读取消息失败", err)
			return
		}

		var msg tasks.JobEnqueued
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		} else {
			log.Infow("收到任务入队通知", "job", msg.JobID, "tenant", msg.TenantID, "offset", m.Offset)
			c.onJob(msg)
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
		}
	}
}
