package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ashwinyue/chatbet/internal/middleware"
	"github.com/ashwinyue/chatbet/internal/model"
	"github.com/ashwinyue/chatbet/internal/service/auth"
	"github.com/ashwinyue/chatbet/internal/service/connection"
	"github.com/ashwinyue/chatbet/internal/service/event"
	"github.com/ashwinyue/chatbet/internal/service/sportsupdate"
	"github.com/ashwinyue/chatbet/internal/service/streaming"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// 拒绝原因，写入 message_rejected 事件
const (
	rejectInvalidJSON   = "invalid_json"
	rejectUnknownType   = "unknown_type"
	rejectInvalidFormat = "invalid_format"
	rejectRateLimited   = "rate_limited"
	rejectBusy          = "busy"
	rejectDuplicate     = "duplicate"
)

// typing 帧中的预估耗时
const estimatedReplySeconds = 3

// WebSocketConfig WebSocket 参数
type WebSocketConfig struct {
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	IdleTimeout      time.Duration
	ReadLimit        int64
	MaxContentLength int
	AllowedOrigins   []string
}

// WebSocketDeps WebSocket 处理器依赖
type WebSocketDeps struct {
	Registry      *connection.Registry
	Dedup         *connection.Deduplicator
	Pipeline      *streaming.Pipeline
	Conversations Conversations
	Validator     *auth.Validator
	Limiter       *middleware.RateLimiter
	Events        event.Publisher
	// Updates 体育数据推送，nil 表示未开启
	Updates *sportsupdate.Streamer
	Config  WebSocketConfig
	Logger  *slog.Logger
}

// WebSocketHandler 实时聊天
type WebSocketHandler struct {
	registry      *connection.Registry
	dedup         *connection.Deduplicator
	pipeline      *streaming.Pipeline
	conversations Conversations
	validator     *auth.Validator
	limiter       *middleware.RateLimiter
	events        event.Publisher
	updates       *sportsupdate.Streamer
	features      []string
	cfg           WebSocketConfig
	logger        *slog.Logger
	upgrader      websocket.Upgrader

	// 在途消息任务
	tasks sync.WaitGroup
}

// NewWebSocketHandler 创建 WebSocket 处理器
func NewWebSocketHandler(d WebSocketDeps) *WebSocketHandler {
	cfg := d.Config
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 64 * 1024
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = model.MaxContentLength
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if d.Events == nil {
		d.Events = event.Nop{}
	}
	if d.Limiter == nil {
		d.Limiter = middleware.NewRateLimiter(0, 0)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	return &WebSocketHandler{
		registry:      d.Registry,
		dedup:         d.Dedup,
		pipeline:      d.Pipeline,
		conversations: d.Conversations,
		validator:     d.Validator,
		limiter:       d.Limiter,
		events:        d.Events,
		updates:       d.Updates,
		features:      model.Features(d.Updates != nil),
		cfg:           cfg,
		logger:        d.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     middleware.OriginAllowed(cfg.AllowedOrigins),
		},
	}
}

// client 单个连接的读端状态
type client struct {
	conn          *websocket.Conn
	transport     *connection.WSTransport
	sessionID     string
	connID        string
	userID        string
	authenticated bool
}

// ServeWS 升级连接并运行读循环
// GET /ws/chat  GET /ws/chat/:session_id
func (h *WebSocketHandler) ServeWS(c *gin.Context) {
	sessionID := c.Param("session_id")
	if sessionID == "" {
		sessionID = c.Query("session_id")
	}
	userID, authenticated := h.identify(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已写回错误响应
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(h.cfg.ReadLimit)

	cl := &client{
		conn:          conn,
		transport:     connection.NewWSTransport(conn, h.cfg.WriteTimeout),
		userID:        userID,
		authenticated: authenticated,
	}
	sess := h.registry.Connect(cl.transport, sessionID, userID, authenticated)
	cl.sessionID, cl.connID = sess.ID, sess.ConnID

	h.registry.Send(cl.sessionID, model.NewConnectionAck(cl.sessionID, h.features))
	if err := h.announce(c.Request.Context(), cl); err != nil {
		h.logger.Error("start conversation failed", "session_id", cl.sessionID, "error", err)
		h.registry.Send(cl.sessionID, model.NewErrorFrame(cl.sessionID, model.ErrCodeConnection, "Failed to start conversation"))
		h.registry.Release(cl.sessionID, cl.connID, model.ReasonConnectionError)
		return
	}

	done := make(chan struct{})
	go h.heartbeat(cl, done)
	reason := h.readLoop(cl)
	close(done)

	h.registry.Release(cl.sessionID, cl.connID, reason)
	if s, err := h.registry.Get(cl.sessionID); err != nil || s.ConnID == cl.connID {
		h.limiter.Forget(cl.sessionID)
		if h.updates != nil {
			h.updates.Unsubscribe(cl.sessionID)
		}
	}
}

// identify 解析用户身份，token 优先于 user_id 参数
func (h *WebSocketHandler) identify(c *gin.Context) (string, bool) {
	userID := c.Query("user_id")
	token := c.Query("token")
	if token == "" {
		token = middleware.BearerToken(c.GetHeader("Authorization"))
	}
	if token == "" || !h.validator.Enabled() {
		return userID, false
	}

	claims, err := h.validator.Validate(token)
	if err != nil {
		h.logger.Warn("websocket token rejected", "error", err)
		return userID, false
	}
	return claims.UserID, true
}

// announce 发送 session_created 或 session_resumed
func (h *WebSocketHandler) announce(ctx context.Context, cl *client) error {
	conv, created, err := h.conversations.StartOrResume(ctx, cl.userID, cl.sessionID)
	if err != nil {
		return err
	}
	if created {
		h.registry.Send(cl.sessionID, model.NewSessionCreated(cl.sessionID, cl.userID))
		return nil
	}
	h.registry.Send(cl.sessionID, model.NewSessionResumed(cl.sessionID, conv.LastActivity(), conv.MessageCount()))
	return nil
}

// heartbeat 定时发送 ping 控制帧
func (h *WebSocketHandler) heartbeat(cl *client, done <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := cl.transport.Ping(); err != nil {
				h.logger.Debug("websocket ping failed", "session_id", cl.sessionID, "error", err)
				return
			}
		}
	}
}

func (h *WebSocketHandler) readDeadline() time.Time {
	return time.Now().Add(h.cfg.IdleTimeout + h.cfg.PingInterval)
}

// readLoop 读取客户端帧直到连接断开，返回断开原因
func (h *WebSocketHandler) readLoop(cl *client) string {
	_ = cl.conn.SetReadDeadline(h.readDeadline())
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(h.readDeadline())
	})

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return model.ReasonClientDisconnect
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == connection.CloseReplaced {
				return model.ReasonReplaced
			}
			h.logger.Info("websocket read ended", "session_id", cl.sessionID, "error", err)
			return model.ReasonConnectionError
		}
		_ = cl.conn.SetReadDeadline(h.readDeadline())
		h.registry.Touch(cl.sessionID)
		h.dispatch(cl, data)
	}
}

// dispatch 处理一帧入站数据
func (h *WebSocketHandler) dispatch(cl *client, data []byte) {
	var frame model.InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.reject(cl, rejectInvalidJSON, model.NewErrorFrame(cl.sessionID, model.ErrCodeInvalidJSON, "Invalid JSON format"))
		return
	}

	switch frame.Type {
	case model.FramePing:
		pingAt := time.Now().UTC()
		if frame.Timestamp != nil {
			pingAt = *frame.Timestamp
		}
		h.registry.Send(cl.sessionID, model.NewPong(cl.sessionID, pingAt))
	case model.FrameUserMessage:
		h.handleUserMessage(cl, frame)
	case model.FrameSubscribe, model.FrameUnsubscribe:
		if h.updates == nil {
			h.reject(cl, rejectUnknownType, model.NewErrorFrame(cl.sessionID, model.ErrCodeUnknownMessageType,
				"Sports updates are not enabled"))
			return
		}
		h.handleSubscription(cl, frame)
	default:
		h.reject(cl, rejectUnknownType, model.NewErrorFrame(cl.sessionID, model.ErrCodeUnknownMessageType,
			fmt.Sprintf("Unknown message type: %s", frame.Type)))
	}
}

// handleSubscription 订阅或取消体育数据推送
func (h *WebSocketHandler) handleSubscription(cl *client, frame model.InboundFrame) {
	if frame.Type == model.FrameUnsubscribe {
		h.updates.Unsubscribe(cl.sessionID)
		h.registry.Send(cl.sessionID, model.NewSubscriptionUpdated(cl.sessionID, false, "", nil))
		return
	}

	scope := frame.Scope
	if scope == "" {
		scope = model.ScopeSession
	}
	if scope != model.ScopeSession && scope != model.ScopeUser {
		h.reject(cl, rejectInvalidFormat, model.NewErrorFrame(cl.sessionID, model.ErrCodeInvalidMessageFormat,
			fmt.Sprintf("Unknown subscription scope: %s", scope)))
		return
	}
	if err := h.updates.Subscribe(cl.sessionID, cl.userID, scope, frame.Competitions); err != nil {
		h.reject(cl, rejectInvalidFormat, model.NewErrorFrame(cl.sessionID, model.ErrCodeInvalidMessageFormat,
			"User scope subscriptions require a user_id or token"))
		return
	}
	h.registry.Send(cl.sessionID, model.NewSubscriptionUpdated(cl.sessionID, true, scope, frame.Competitions))
}

// handleUserMessage 校验、限流、去重后异步处理
func (h *WebSocketHandler) handleUserMessage(cl *client, frame model.InboundFrame) {
	content := strings.TrimSpace(frame.Content)
	if n := utf8.RuneCountInString(content); n == 0 || n > h.cfg.MaxContentLength {
		h.reject(cl, rejectInvalidFormat, model.NewErrorFrame(cl.sessionID, model.ErrCodeInvalidMessageFormat,
			fmt.Sprintf("Message content must be between 1 and %d characters", h.cfg.MaxContentLength)))
		return
	}

	if ok, retry := h.limiter.Allow(cl.sessionID); !ok {
		h.reject(cl, rejectRateLimited, model.NewErrorFrame(cl.sessionID, model.ErrCodeRateLimited,
			"Too many messages, please slow down").WithRetryAfter(retry))
		return
	}

	messageID := frame.MessageID
	if messageID == "" {
		messageID = uuid.New().String()
	}

	switch h.dedup.Accept(cl.sessionID, messageID) {
	case connection.Duplicate:
		h.logger.Debug("duplicate message dropped", "session_id", cl.sessionID, "message_id", messageID)
		h.reject(cl, rejectDuplicate, nil)
		return
	case connection.Busy:
		h.reject(cl, rejectBusy, model.NewErrorFrame(cl.sessionID, model.ErrCodeMessageInProgress,
			"Another message is still being processed").WithRetryAfter(1))
		return
	}

	h.events.Publish(context.Background(), event.New(event.EventMessageReceived, cl.sessionID).WithUser(cl.userID))

	req := model.ChatRequest{
		Message:       content,
		SessionID:     cl.sessionID,
		UserID:        cl.userID,
		MessageID:     messageID,
		Authenticated: cl.authenticated,
	}
	h.tasks.Add(1)
	go h.process(req)
}

// process 单条消息任务，与读循环并行
// 断开连接不取消生成，后续发送变为空操作
func (h *WebSocketHandler) process(req model.ChatRequest) {
	defer h.tasks.Done()
	defer h.dedup.Release(req.SessionID, req.MessageID)
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("message task panicked", "session_id", req.SessionID, "message_id", req.MessageID, "panic", r)
			// Fail 同时结束进行中的流，后续消息可以重新开始
			h.pipeline.Fail(req.SessionID, model.ErrCodeProcessing, "Failed to process message")
		}
	}()

	h.registry.Send(req.SessionID, model.NewTyping(req.SessionID, true, estimatedReplySeconds))
	defer h.registry.Send(req.SessionID, model.NewTyping(req.SessionID, false, 0))

	_, err := h.conversations.ProcessMessageStream(context.Background(), req, h.pipeline)
	if err == nil {
		return
	}
	// 流中途的错误已由流水线推送
	if errors.Is(err, streaming.ErrStreamActive) {
		h.registry.Send(req.SessionID, model.NewErrorFrame(req.SessionID, model.ErrCodeStreamProtocol,
			"A response is already being streamed"))
	}
	h.logger.Warn("message processing failed", "session_id", req.SessionID, "message_id", req.MessageID, "error", err)
}

// reject 发送错误帧（可为 nil）并记录拒绝事件
func (h *WebSocketHandler) reject(cl *client, reason string, frame *model.ErrorFrame) {
	if frame != nil {
		h.registry.Send(cl.sessionID, frame)
	}
	h.events.Publish(context.Background(),
		event.New(event.EventMessageRejected, cl.sessionID).WithUser(cl.userID).WithReason(reason))
}

// Wait 等待在途消息任务结束
func (h *WebSocketHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status 连接统计
// GET /ws/status
func (h *WebSocketHandler) Status(c *gin.Context) {
	body := gin.H{
		"connections":        h.registry.Stats(),
		"in_flight_messages": h.dedup.Len(),
		"conversation_stats": h.conversations.Stats(),
		"max_content_length": h.cfg.MaxContentLength,
		"supported_features": h.features,
	}
	if h.updates != nil {
		body["sports_updates"] = h.updates.Stats()
	}
	success(c, body)
}

// Ping WebSocket 服务可用性
// GET /ws/ping
func (h *WebSocketHandler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"service":   "websocket",
		"timestamp": time.Now().UTC(),
	})
}
