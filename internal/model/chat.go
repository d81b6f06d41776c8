// Package model 会话、WebSocket 帧与体育数据模型
package model

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageRole 消息角色
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// ChatMessage 会话消息，追加后不再修改
type ChatMessage struct {
	ID             string      `json:"id"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	Timestamp      time.Time   `json:"timestamp"`
	DetectedIntent *Intent     `json:"detected_intent,omitempty"`
	Confidence     *float64    `json:"confidence,omitempty"`
	ResponseTimeMs int64       `json:"response_time_ms,omitempty"`
	FunctionCalls  []string    `json:"function_calls,omitempty"`
}

// NewChatMessage 创建消息
func NewChatMessage(role MessageRole, content string) *ChatMessage {
	return &ChatMessage{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// WithIntent 附加意图信息
func (m *ChatMessage) WithIntent(intent Intent, confidence float64) *ChatMessage {
	m.DetectedIntent = &intent
	m.Confidence = &confidence
	return m
}

// ConversationContext 会话上下文
type ConversationContext struct {
	UserID           string   `json:"user_id,omitempty"`
	CurrentTopic     string   `json:"current_topic,omitempty"`
	MentionedTeams   []string `json:"mentioned_teams,omitempty"`
	MentionedMatches []string `json:"mentioned_matches,omitempty"`
	PreferredTeams   []string `json:"preferred_teams,omitempty"`
	Timezone         string   `json:"timezone,omitempty"`
	IsAuthenticated  bool     `json:"is_authenticated"`
}

// Conversation 会话，与 Session 一一对应
// 消息只追加；并发读写由内部锁保护
type Conversation struct {
	mu sync.RWMutex

	ID        string              `json:"id"`
	Messages  []*ChatMessage      `json:"messages"`
	Context   ConversationContext `json:"context"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// NewConversation 创建会话
func NewConversation(id, userID string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:        id,
		Messages:  []*ChatMessage{},
		Context:   ConversationContext{UserID: userID},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddMessage 追加消息
func (c *Conversation) AddMessage(msg *ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = msg.Timestamp
}

// MessageCount 消息数量
func (c *Conversation) MessageCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.Messages)
}

// RecentMessages 最近 n 条消息，n <= 0 返回全部
func (c *Conversation) RecentMessages(n int) []*ChatMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	start := 0
	if n > 0 && len(c.Messages) > n {
		start = len(c.Messages) - n
	}
	out := make([]*ChatMessage, len(c.Messages)-start)
	copy(out, c.Messages[start:])
	return out
}

// LastActivity 最近活动时间
func (c *Conversation) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.UpdatedAt
}

// UserID 所属用户
func (c *Conversation) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Context.UserID
}

// Snapshot 上下文快照
func (c *Conversation) Snapshot() ConversationContext {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ctx := c.Context
	ctx.MentionedTeams = append([]string(nil), c.Context.MentionedTeams...)
	ctx.MentionedMatches = append([]string(nil), c.Context.MentionedMatches...)
	ctx.PreferredTeams = append([]string(nil), c.Context.PreferredTeams...)
	return ctx
}

// UpdateContext 在锁内修改上下文
func (c *Conversation) UpdateContext(fn func(ctx *ConversationContext)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.Context)
}

// Page 分页副本
func (c *Conversation) Page(limit, offset int) *Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()

	msgs := c.Messages
	if offset < 0 {
		offset = 0
	}
	if offset >= len(msgs) {
		msgs = nil
	} else {
		msgs = msgs[offset:]
		if limit > 0 && len(msgs) > limit {
			msgs = msgs[:limit]
		}
	}

	page := &Conversation{
		ID:        c.ID,
		Messages:  make([]*ChatMessage, len(msgs)),
		Context:   c.Context,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	copy(page.Messages, msgs)
	return page
}
