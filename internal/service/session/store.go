// Package session 提供会话历史的存储端口
// 默认保存在进程内存中，可选镜像到 Redis 或 PostgreSQL
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ashwinyue/chatbet/internal/model"
)

// Store 会话存储
// Get 对同一 ID 返回同一指针，进程内的会话身份保持稳定
type Store interface {
	Get(ctx context.Context, id string) (*model.Conversation, bool, error)
	Save(ctx context.Context, conv *model.Conversation) error
	Delete(ctx context.Context, id string) error
	ListByUser(ctx context.Context, userID string) ([]*model.Conversation, error)
	Sweep(ctx context.Context, olderThan time.Time) (int, error)
	Len() int
}

// MemoryStore 内存存储
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*model.Conversation
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conversations: make(map[string]*model.Conversation)}
}

// Get 获取会话
func (s *MemoryStore) Get(_ context.Context, id string) (*model.Conversation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	return conv, ok, nil
}

// Save 保存会话
func (s *MemoryStore) Save(_ context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations[conv.ID] = conv
	return nil
}

// LoadOrStore 已有同 ID 会话时返回已有指针，否则写入 conv
// 返回值 loaded 表示是否命中已有会话
func (s *MemoryStore) LoadOrStore(conv *model.Conversation) (*model.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.conversations[conv.ID]; ok {
		return cur, true
	}
	s.conversations[conv.ID] = conv
	return conv, false
}

// Delete 删除会话
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conversations, id)
	return nil
}

// ListByUser 按创建时间排序的用户会话
func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]*model.Conversation, error) {
	s.mu.RLock()
	var out []*model.Conversation
	for _, conv := range s.conversations {
		if conv.UserID() == userID {
			out = append(out, conv)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Sweep 删除最后活动早于 olderThan 的会话
func (s *MemoryStore) Sweep(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, conv := range s.conversations {
		if conv.LastActivity().Before(olderThan) {
			delete(s.conversations, id)
			n++
		}
	}
	return n, nil
}

// Len 会话数
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}
