// Package handler HTTP 与 WebSocket 处理器
package handler

import (
	"context"
	"log/slog"

	"github.com/ashwinyue/chatbet/internal/model"
	"github.com/ashwinyue/chatbet/internal/service/conversation"
	"github.com/ashwinyue/chatbet/internal/service/streaming"
)

// Conversations 会话编排
type Conversations interface {
	StartOrResume(ctx context.Context, userID, sessionID string) (*model.Conversation, bool, error)
	ProcessMessage(ctx context.Context, req model.ChatRequest) model.ChatResponse
	ProcessMessageStream(ctx context.Context, req model.ChatRequest, pipeline *streaming.Pipeline) (model.ChatResponse, error)
	ClearHistory(ctx context.Context, sessionID string) (bool, error)
	ClearUserHistory(ctx context.Context, userID string) (int, error)
	History(ctx context.Context, sessionID string, limit, offset int) (*model.Conversation, bool)
	Stats() conversation.Stats
}

// Handlers 处理器集合
type Handlers struct {
	WebSocket *WebSocketHandler
	Chat      *ChatHandler
	Sports    *SportsHandler
	System    *SystemHandler
}

// Deps 处理器依赖
type Deps struct {
	WebSocket WebSocketDeps
	Sports    SportsData
	Version   string
	Logger    *slog.Logger
	// HistoryPageSize 历史接口默认分页大小
	HistoryPageSize int
}

// NewHandlers 创建所有处理器
func NewHandlers(d Deps) *Handlers {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.WebSocket.Logger == nil {
		d.WebSocket.Logger = d.Logger
	}
	ws := NewWebSocketHandler(d.WebSocket)
	return &Handlers{
		WebSocket: ws,
		Chat:      NewChatHandler(d.WebSocket.Conversations, d.WebSocket.Dedup, d.HistoryPageSize, d.Logger),
		Sports:    NewSportsHandler(d.Sports, d.Logger),
		System:    NewSystemHandler(d.WebSocket.Registry, d.WebSocket.Dedup, d.Version),
	}
}
