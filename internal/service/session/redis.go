package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashwinyue/chatbet/internal/model"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	// 会话 key 前缀
	conversationKeyPrefix = "conversation:"
	// 用户会话集合 key 前缀
	userKeyPrefix = "conversation:user:"
	// 默认保留时长
	defaultRetention = 24 * time.Hour
)

// conversationData 会话数据（用于 Redis 存储）
type conversationData struct {
	ID        string                    `json:"id"`
	Messages  []*model.ChatMessage      `json:"messages"`
	Context   model.ConversationContext `json:"context"`
	CreatedAt time.Time                 `json:"created_at"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

func toData(conv *model.Conversation) conversationData {
	snap := conv.Page(0, 0)
	return conversationData{
		ID:        snap.ID,
		Messages:  snap.Messages,
		Context:   snap.Context,
		CreatedAt: snap.CreatedAt,
		UpdatedAt: snap.UpdatedAt,
	}
}

func fromData(d conversationData) *model.Conversation {
	if d.Messages == nil {
		d.Messages = []*model.ChatMessage{}
	}
	return &model.Conversation{
		ID:        d.ID,
		Messages:  d.Messages,
		Context:   d.Context,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

// RedisStore 内存缓存 + Redis 镜像
// 进程内通过缓存保持指针身份，重启后从 Redis 恢复
type RedisStore struct {
	cache     *MemoryStore
	client    *redis.Client
	retention time.Duration
	logger    *slog.Logger
	loads     singleflight.Group
}

// NewRedisStore 创建 Redis 存储
func NewRedisStore(client *redis.Client, retention time.Duration, logger *slog.Logger) *RedisStore {
	if retention <= 0 {
		retention = defaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		cache:     NewMemoryStore(),
		client:    client,
		retention: retention,
		logger:    logger,
	}
}

// Get 获取会话，缓存未命中时从 Redis 加载
// 并发的冷加载合并为一次，回填缓存后所有调用方拿到同一指针
func (s *RedisStore) Get(ctx context.Context, id string) (*model.Conversation, bool, error) {
	if conv, ok, _ := s.cache.Get(ctx, id); ok {
		return conv, true, nil
	}

	v, err, _ := s.loads.Do(id, func() (any, error) {
		return s.load(ctx, id)
	})
	if err != nil {
		return nil, false, err
	}
	conv, _ := v.(*model.Conversation)
	return conv, conv != nil, nil
}

func (s *RedisStore) load(ctx context.Context, id string) (*model.Conversation, error) {
	data, err := s.client.Get(ctx, conversationKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}

	var d conversationData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}

	conv, _ := s.cache.LoadOrStore(fromData(d))
	return conv, nil
}

// Save 写入缓存并同步到 Redis
// Redis 写失败只记录日志，内存中的会话仍然可用
func (s *RedisStore) Save(ctx context.Context, conv *model.Conversation) error {
	_ = s.cache.Save(ctx, conv)

	data, err := json.Marshal(toData(conv))
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", conv.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, conversationKeyPrefix+conv.ID, data, s.retention)
	if uid := conv.UserID(); uid != "" {
		pipe.SAdd(ctx, userKeyPrefix+uid, conv.ID)
		pipe.Expire(ctx, userKeyPrefix+uid, s.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("failed to mirror conversation to redis",
			"session_id", conv.ID,
			"error", err)
	}
	return nil
}

// Delete 删除会话
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	var userID string
	if conv, ok, _ := s.cache.Get(ctx, id); ok {
		userID = conv.UserID()
	}
	_ = s.cache.Delete(ctx, id)

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, conversationKeyPrefix+id)
	if userID != "" {
		pipe.SRem(ctx, userKeyPrefix+userID, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

// ListByUser 用户的所有会话，包括仅存在于 Redis 中的
func (s *RedisStore) ListByUser(ctx context.Context, userID string) ([]*model.Conversation, error) {
	ids, err := s.client.SMembers(ctx, userKeyPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("list conversations for %s: %w", userID, err)
	}

	seen := make(map[string]struct{}, len(ids))
	local, _ := s.cache.ListByUser(ctx, userID)
	out := make([]*model.Conversation, 0, len(ids)+len(local))
	for _, conv := range local {
		seen[conv.ID] = struct{}{}
		out = append(out, conv)
	}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		conv, ok, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, conv)
		}
	}
	return out, nil
}

// Sweep 清理本地缓存，Redis 侧依赖 TTL 过期
func (s *RedisStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	return s.cache.Sweep(ctx, olderThan)
}

// Len 本地缓存中的会话数
func (s *RedisStore) Len() int {
	return s.cache.Len()
}
