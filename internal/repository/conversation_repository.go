package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"docqa-go/internal/model"
)

const (
	conversationTTL      = 7 * 24 * time.Hour
	conversationMaxItems = 40
)

// ConversationRepository 定义了对话历史记录的操作接口。
// 历史按 (租户, 文档) 存放，只保留最近的若干条。
type ConversationRepository interface {
	Append(ctx context.Context, tenantID, documentID string, messages ...model.ChatMessage) error
	History(ctx context.Context, tenantID, documentID string, limit int) ([]model.ChatMessage, error)
	Clear(ctx context.Context, tenantID, documentID string) error
}

type redisConversationRepository struct {
	redisClient *redis.Client
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
func NewConversationRepository(redisClient *redis.Client) ConversationRepository {
	return &redisConversationRepository{redisClient: redisClient}
}

func conversationKey(tenantID, documentID string) string {
	return fmt.Sprintf("conversation:%s:%s", tenantID, documentID)
}

// Append 追加消息并裁剪到最近 conversationMaxItems 条，同时刷新过期时间。
func (r *redisConversationRepository) Append(ctx context.Context, tenantID, documentID string, messages ...model.ChatMessage) error {
	if len(messages) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(messages))
	for _, m := range messages {
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to marshal chat message: %w", err)
		}
		values = append(values, b)
	}

	key := conversationKey(tenantID, documentID)
	_, err := r.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		pipe.LTrim(ctx, key, -conversationMaxItems, -1)
		pipe.Expire(ctx, key, conversationTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append conversation history: %w", err)
	}
	return nil
}

// History 返回最近 limit 条消息（按时间正序），limit <= 0 时返回全部。
func (r *redisConversationRepository) History(ctx context.Context, tenantID, documentID string, limit int) ([]model.ChatMessage, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := r.redisClient.LRange(ctx, conversationKey(tenantID, documentID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation history: %w", err)
	}
	messages := make([]model.ChatMessage, 0, len(raw))
	for _, item := range raw {
		var m model.ChatMessage
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			continue
		}
		messages = append(messages, m)
	}
	return messages, nil
}

func (r *redisConversationRepository) Clear(ctx context.Context, tenantID, documentID string) error {
	return r.redisClient.Del(ctx, conversationKey(tenantID, documentID)).Err()
}
