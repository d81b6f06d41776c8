// Package event 提供连接生命周期事件总线
package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType 事件类型
type EventType string

const (
	// EventConnected 连接建立
	EventConnected EventType = "connected"
	// EventReplaced 同一会话的旧连接被新连接替换
	EventReplaced EventType = "replaced"
	// EventDisconnected 连接断开
	EventDisconnected EventType = "disconnected"
	// EventMessageReceived 收到客户端消息
	EventMessageReceived EventType = "message_received"
	// EventMessageRejected 消息被拒绝（重复、忙、限流、格式错误）
	EventMessageRejected EventType = "message_rejected"
)

// Event 生命周期事件
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// New 创建事件
func New(t EventType, sessionID string) *Event {
	return &Event{
		ID:        "evt_" + uuid.New().String(),
		Type:      t,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
}

// WithReason 设置原因
func (e *Event) WithReason(reason string) *Event {
	e.Reason = reason
	return e
}

// WithUser 设置用户
func (e *Event) WithUser(userID string) *Event {
	e.UserID = userID
	return e
}

// Handler 事件处理器接口
type Handler interface {
	Handle(ctx context.Context, evt *Event) error
}

// HandlerFunc 函数类型的事件处理器
type HandlerFunc func(ctx context.Context, evt *Event) error

// Handle 实现 Handler 接口
func (f HandlerFunc) Handle(ctx context.Context, evt *Event) error {
	return f(ctx, evt)
}

// Publisher 事件发布者
type Publisher interface {
	Publish(ctx context.Context, evt *Event)
}

// ========== Bus ==========

// Bus 事件总线
// 处理器在 Publish 调用方的 goroutine 中同步执行，必须快速返回
type Bus struct {
	mu          sync.RWMutex
	subscribers []Handler
	logger      *slog.Logger
}

// NewBus 创建事件总线
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe 订阅事件
func (b *Bus) Subscribe(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers = append(b.subscribers, handler)
	return nil
}

// Publish 发布事件，单个处理器失败不影响其他处理器
func (b *Bus) Publish(ctx context.Context, evt *Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.subscribers))
	copy(handlers, b.subscribers)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h.Handle(ctx, evt); err != nil {
			b.logger.Warn("event handler failed",
				"event_type", evt.Type,
				"session_id", evt.SessionID,
				"error", err)
		}
	}
}

// Nop 丢弃所有事件
type Nop struct{}

// Publish 实现 Publisher
func (Nop) Publish(context.Context, *Event) {}
