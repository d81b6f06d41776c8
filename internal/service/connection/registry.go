package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashwinyue/chatbet/internal/model"
	"github.com/ashwinyue/chatbet/internal/service/event"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

// ErrSessionNotFound 会话不存在
var ErrSessionNotFound = errors.New("session not found")

// Session 已注册会话的快照
type Session struct {
	ID            string    `json:"session_id"`
	ConnID        string    `json:"-"`
	UserID        string    `json:"user_id,omitempty"`
	Authenticated bool      `json:"is_authenticated"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	MessageCount  int64     `json:"message_count"`
}

// Stats 注册表统计
type Stats struct {
	ActiveConnections     int   `json:"active_connections"`
	TotalConnections      int64 `json:"total_connections"`
	TotalMessages         int64 `json:"total_messages"`
	UniqueUsers           int   `json:"unique_users"`
	UptimeSeconds         int64 `json:"uptime_seconds"`
	AuthenticatedSessions int   `json:"authenticated_sessions"`
	IdleConnections       int   `json:"idle_connections"`
}

type entry struct {
	session   Session
	transport Transport
	writeMu   sync.Mutex
}

// Registry 连接注册表
// sessions 与 userIndex 的复合修改都在 mu 内完成
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*entry
	userIndex map[string]map[string]struct{}

	totalConnections int64
	totalMessages    int64
	startedAt        time.Time

	idleTimeout time.Duration
	clock       clockwork.Clock
	events      event.Publisher
	logger      *slog.Logger
}

// Option 注册表选项
type Option func(*Registry)

// WithClock 设置时间源
func WithClock(c clockwork.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithEvents 设置事件发布者
func WithEvents(p event.Publisher) Option {
	return func(r *Registry) { r.events = p }
}

// WithLogger 设置日志
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithIdleTimeout 设置空闲判定阈值，用于统计
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) { r.idleTimeout = d }
}

// NewRegistry 创建连接注册表
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions:    make(map[string]*entry),
		userIndex:   make(map[string]map[string]struct{}),
		idleTimeout: 5 * time.Minute,
		clock:       clockwork.NewRealClock(),
		events:      event.Nop{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.startedAt = r.clock.Now()
	return r
}

// Connect 注册连接
// sessionID 为空时生成新 ID；已存在时旧连接收到 session_ended{replaced} 后被关闭，
// 消息计数与连接时间保留
func (r *Registry) Connect(t Transport, sessionID, userID string, authenticated bool) *Session {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	now := r.clock.Now()

	e := &entry{
		session: Session{
			ID:            sessionID,
			ConnID:        uuid.New().String(),
			UserID:        userID,
			Authenticated: authenticated,
			ConnectedAt:   now,
			LastActivity:  now,
		},
		transport: t,
	}

	r.mu.Lock()
	prev, replaced := r.sessions[sessionID]
	if replaced {
		e.session.ConnectedAt = prev.session.ConnectedAt
		e.session.MessageCount = prev.session.MessageCount
		r.unindexLocked(prev.session.UserID, sessionID)
	}
	r.sessions[sessionID] = e
	r.indexLocked(userID, sessionID)
	r.totalConnections++
	snapshot := e.session
	r.mu.Unlock()

	ctx := context.Background()
	if replaced {
		r.logger.Info("session transport replaced",
			"session_id", sessionID,
			"user_id", userID)
		r.closeEntry(prev, model.ReasonReplaced, CloseReplaced, now)
		r.events.Publish(ctx, event.New(event.EventReplaced, sessionID).WithUser(userID))
	}

	r.logger.Info("websocket connected",
		"session_id", sessionID,
		"user_id", userID,
		"authenticated", authenticated)
	r.events.Publish(ctx, event.New(event.EventConnected, sessionID).WithUser(userID))

	return &snapshot
}

// Disconnect 断开会话，不存在时无操作
func (r *Registry) Disconnect(sessionID, reason string) {
	r.removeIf(sessionID, nil, reason)
}

// Release 仅当 connID 仍持有该会话时断开
// 被替换连接的读循环退出时用它，避免误删新连接
func (r *Registry) Release(sessionID, connID, reason string) {
	if connID == "" {
		return
	}
	r.removeIf(sessionID, func(s *Session) bool {
		return s.ConnID == connID
	}, reason)
}

// ReleaseIfIdle 仅当 connID 仍持有该会话且最后活动早于 cutoff 时断开
// 判断与删除在同一把锁内完成，返回是否断开
func (r *Registry) ReleaseIfIdle(sessionID, connID string, cutoff time.Time, reason string) bool {
	if connID == "" {
		return false
	}
	return r.removeIf(sessionID, func(s *Session) bool {
		return s.ConnID == connID && s.LastActivity.Before(cutoff)
	}, reason)
}

func (r *Registry) removeIf(sessionID string, match func(*Session) bool, reason string) bool {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok || (match != nil && !match(&e.session)) {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, sessionID)
	r.unindexLocked(e.session.UserID, sessionID)
	r.mu.Unlock()

	r.closeEntry(e, reason, websocket.CloseNormalClosure, r.clock.Now())

	r.logger.Info("websocket disconnected",
		"session_id", sessionID,
		"user_id", e.session.UserID,
		"reason", reason,
		"message_count", e.session.MessageCount)
	r.events.Publish(context.Background(),
		event.New(event.EventDisconnected, sessionID).WithUser(e.session.UserID).WithReason(reason))
	return true
}

// closeEntry 尽力通知后关闭传输，调用方不得持有 mu
func (r *Registry) closeEntry(e *entry, reason string, code int, now time.Time) {
	ended := model.NewSessionEnded(e.session.ID, reason,
		now.Sub(e.session.ConnectedAt), e.session.MessageCount)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if reason != model.ReasonConnectionError {
		if err := e.transport.WriteJSON(ended); err != nil {
			r.logger.Debug("session_ended not delivered",
				"session_id", e.session.ID,
				"error", err)
		}
	}
	if err := e.transport.Close(code, reason); err != nil {
		r.logger.Debug("transport close failed",
			"session_id", e.session.ID,
			"error", err)
	}
}

// Send 向会话发送帧，会话不存在或写失败时返回 false
// 写失败会隐式断开该连接
func (r *Registry) Send(sessionID string, frame any) bool {
	r.mu.RLock()
	e, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	e.writeMu.Lock()
	err := e.transport.WriteJSON(frame)
	e.writeMu.Unlock()

	if err != nil {
		r.logger.Warn("send failed, dropping connection",
			"session_id", sessionID,
			"error", err)
		r.Release(sessionID, e.session.ConnID, model.ReasonConnectionError)
		return false
	}

	now := r.clock.Now()
	r.mu.Lock()
	e.session.LastActivity = now
	r.mu.Unlock()
	return true
}

// Touch 记录一次入站消息
func (r *Registry) Touch(sessionID string) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	e.session.LastActivity = now
	e.session.MessageCount++
	r.totalMessages++
}

// BroadcastToUser 向用户的所有会话发送，返回成功数
func (r *Registry) BroadcastToUser(userID string, frame any) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.userIndex[userID]))
	for id := range r.userIndex[userID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	return r.sendAll(ids, frame)
}

// BroadcastToAll 向所有会话发送，返回成功数
func (r *Registry) BroadcastToAll(frame any) int {
	return r.sendAll(r.sessionIDs(), frame)
}

func (r *Registry) sendAll(ids []string, frame any) int {
	sent := 0
	for _, id := range ids {
		if r.Send(id, frame) {
			sent++
		}
	}
	return sent
}

// Get 获取会话快照
func (r *Registry) Get(sessionID string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return e.session, nil
}

// UserSessions 用户的会话 ID
func (r *Registry) UserSessions(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.userIndex[userID]))
	for id := range r.userIndex[userID] {
		ids = append(ids, id)
	}
	return ids
}

// IdleSince 最后活动早于 cutoff 的会话
func (r *Registry) IdleSince(cutoff time.Time) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var idle []Session
	for _, e := range r.sessions {
		if e.session.LastActivity.Before(cutoff) {
			idle = append(idle, e.session)
		}
	}
	return idle
}

// Len 活跃会话数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Stats 统计信息
func (r *Registry) Stats() Stats {
	now := r.clock.Now()
	cutoff := now.Add(-r.idleTimeout)

	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		ActiveConnections: len(r.sessions),
		TotalConnections:  r.totalConnections,
		TotalMessages:     r.totalMessages,
		UniqueUsers:       len(r.userIndex),
		UptimeSeconds:     int64(now.Sub(r.startedAt).Seconds()),
	}
	for _, e := range r.sessions {
		if e.session.Authenticated {
			s.AuthenticatedSessions++
		}
		if e.session.LastActivity.Before(cutoff) {
			s.IdleConnections++
		}
	}
	return s
}

// Shutdown 以 server_shutdown 断开所有会话
func (r *Registry) Shutdown(ctx context.Context) error {
	ids := r.sessionIDs()
	r.logger.Info("shutting down connection registry", "sessions", len(ids))

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.Disconnect(id, model.ReasonServerShutdown)
	}
	return nil
}

func (r *Registry) sessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) indexLocked(userID, sessionID string) {
	if userID == "" {
		return
	}
	set, ok := r.userIndex[userID]
	if !ok {
		set = make(map[string]struct{})
		r.userIndex[userID] = set
	}
	set[sessionID] = struct{}{}
}

func (r *Registry) unindexLocked(userID, sessionID string) {
	if userID == "" {
		return
	}
	set, ok := r.userIndex[userID]
	if !ok {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(r.userIndex, userID)
	}
}
