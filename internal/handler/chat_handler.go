package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/ashwinyue/chatbet/internal/middleware"
	"github.com/ashwinyue/chatbet/internal/model"
	"github.com/ashwinyue/chatbet/internal/service/connection"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ChatHandler 非流式聊天与历史管理
type ChatHandler struct {
	conversations Conversations
	dedup         *connection.Deduplicator
	pageSize      int
	logger        *slog.Logger
}

// NewChatHandler 创建聊天处理器
func NewChatHandler(conversations Conversations, dedup *connection.Deduplicator, pageSize int, logger *slog.Logger) *ChatHandler {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &ChatHandler{conversations: conversations, dedup: dedup, pageSize: pageSize, logger: logger}
}

// SendMessage 发送消息并等待完整回复
// POST /api/v1/chat
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if n := utf8.RuneCountInString(req.Message); n == 0 || n > model.MaxContentLength {
		badRequest(c, "message must be between 1 and 4000 characters")
		return
	}

	// 令牌中的身份优先
	if userID, ok := middleware.GetUserID(c); ok {
		req.UserID = userID
	}
	req.Authenticated = middleware.IsAuthenticated(c)
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}
	req.MessageID = uuid.New().String()

	if !h.dedup.Accept(req.SessionID, req.MessageID).OK() {
		fail(c, http.StatusConflict, "another message is still being processed for this session")
		return
	}
	defer h.dedup.Release(req.SessionID, req.MessageID)

	resp := h.conversations.ProcessMessage(c.Request.Context(), req)
	success(c, resp)
}

// GetHistory 分页获取会话历史
// GET /api/v1/chat/history/:session_id
func (h *ChatHandler) GetHistory(c *gin.Context) {
	sessionID := c.Param("session_id")
	limit, offset := getPagination(c, h.pageSize)

	conv, ok := h.conversations.History(c.Request.Context(), sessionID, limit, offset)
	if !ok {
		notFound(c, "conversation not found")
		return
	}

	success(c, gin.H{
		"session_id": conv.ID,
		"messages":   conv.Messages,
		"context":    conv.Context,
		"created_at": conv.CreatedAt,
		"updated_at": conv.UpdatedAt,
		"limit":      limit,
		"offset":     offset,
	})
}

// ClearHistory 删除会话
// DELETE /api/v1/chat/history/:session_id
func (h *ChatHandler) ClearHistory(c *gin.Context) {
	sessionID := c.Param("session_id")

	cleared, err := h.conversations.ClearHistory(c.Request.Context(), sessionID)
	if err != nil {
		errorResponse(c, err)
		return
	}
	if !cleared {
		notFound(c, "conversation not found")
		return
	}

	success(c, gin.H{"session_id": sessionID, "cleared": true})
}

// ClearUserHistory 删除用户的全部会话
// DELETE /api/v1/chat/history?user_id=
func (h *ChatHandler) ClearUserHistory(c *gin.Context) {
	userID := c.Query("user_id")
	if id, ok := middleware.GetUserID(c); ok {
		userID = id
	}
	if userID == "" {
		badRequest(c, "user_id is required")
		return
	}

	n, err := h.conversations.ClearUserHistory(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("clear user history failed", "user_id", userID, "error", err)
		errorResponse(c, err)
		return
	}

	success(c, gin.H{"user_id": userID, "deleted_sessions": n})
}

// Stats 编排器统计
// GET /api/v1/chat/stats
func (h *ChatHandler) Stats(c *gin.Context) {
	success(c, h.conversations.Stats())
}
