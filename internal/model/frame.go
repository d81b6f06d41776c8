package model

import (
	"time"

	"github.com/google/uuid"
)

// FrameType WebSocket 帧类型
type FrameType string

const (
	// 入站
	FrameUserMessage FrameType = "user_message"
	FramePing        FrameType = "ping"
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"

	// 出站
	FrameConnectionAck     FrameType = "connection_ack"
	FrameSessionCreated    FrameType = "session_created"
	FrameSessionResumed    FrameType = "session_resumed"
	FrameSessionEnded      FrameType = "session_ended"
	FrameTyping            FrameType = "typing"
	FrameStreamingStart    FrameType = "streaming_start"
	FrameStreamingResponse FrameType = "streaming_response"
	FrameStreamingEnd      FrameType = "streaming_end"
	FrameBotResponse       FrameType = "bot_response"
	FramePong              FrameType = "pong"
	FrameError             FrameType = "error"

	// 体育数据推送
	FrameSubscriptionUpdated FrameType = "subscription_updated"
	FrameSportsUpdate        FrameType = "sports_update"
	FrameOddsUpdate          FrameType = "odds_update"
)

// 错误码
const (
	ErrCodeInvalidJSON          = "INVALID_JSON"
	ErrCodeUnknownMessageType   = "UNKNOWN_MESSAGE_TYPE"
	ErrCodeInvalidMessageFormat = "INVALID_MESSAGE_FORMAT"
	ErrCodeProcessing           = "MESSAGE_PROCESSING_ERROR"
	ErrCodeLLMStreaming         = "LLM_STREAMING_ERROR"
	ErrCodeConnection           = "CONNECTION_ERROR"
	ErrCodeMessageInProgress    = "MESSAGE_IN_PROGRESS"
	ErrCodeRateLimited          = "RATE_LIMITED"
	ErrCodeStreamProtocol       = "STREAM_PROTOCOL_ERROR"
)

// 断开原因
const (
	ReasonClientDisconnect = "client_disconnect"
	ReasonIdleTimeout      = "idle_timeout"
	ReasonReplaced         = "replaced"
	ReasonServerShutdown   = "server_shutdown"
	ReasonConnectionError  = "connection_error"
)

// FeatureSportsUpdates 体育数据推送能力，推送关闭时不声明
const FeatureSportsUpdates = "sports_updates"

// SupportedFeatures connection_ack 中声明的能力
var SupportedFeatures = []string{
	"streaming_responses",
	"typing_indicators",
	FeatureSportsUpdates,
	"ping_pong",
}

// Features 按推送开关裁剪后的能力列表
func Features(sportsUpdates bool) []string {
	out := make([]string, 0, len(SupportedFeatures))
	for _, f := range SupportedFeatures {
		if f == FeatureSportsUpdates && !sportsUpdates {
			continue
		}
		out = append(out, f)
	}
	return out
}

// MaxContentLength user_message 内容上限（字符）
const MaxContentLength = 4000

// Envelope 所有帧的公共字段
type Envelope struct {
	Type      FrameType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
	MessageID string    `json:"message_id"`
}

func newEnvelope(t FrameType, sessionID string) Envelope {
	return Envelope{
		Type:      t,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		MessageID: uuid.New().String(),
	}
}

// FrameKind 返回帧类型
func (e Envelope) FrameKind() FrameType {
	return e.Type
}

// Frame 出站帧
type Frame interface {
	FrameKind() FrameType
}

// ========== 入站 ==========

// InboundFrame 客户端帧，字段为 user_message、ping 与 subscribe 的并集
type InboundFrame struct {
	Type         FrameType  `json:"type"`
	SessionID    string     `json:"session_id,omitempty"`
	UserID       string     `json:"user_id,omitempty"`
	MessageID    string     `json:"message_id,omitempty"`
	Content      string     `json:"content,omitempty"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
	Competitions []string   `json:"competitions,omitempty"`
	Scope        string     `json:"scope,omitempty"`
}

// ========== 出站 ==========

// ConnectionAck 连接确认
type ConnectionAck struct {
	Envelope
	ClientID          string   `json:"client_id"`
	SupportedFeatures []string `json:"supported_features"`
}

// NewConnectionAck 创建连接确认帧
func NewConnectionAck(sessionID string, features []string) *ConnectionAck {
	return &ConnectionAck{
		Envelope:          newEnvelope(FrameConnectionAck, sessionID),
		ClientID:          sessionID,
		SupportedFeatures: append([]string{}, features...),
	}
}

// SessionCreated 新会话
type SessionCreated struct {
	Envelope
	UserID string `json:"user_id,omitempty"`
}

// NewSessionCreated 创建新会话帧
func NewSessionCreated(sessionID, userID string) *SessionCreated {
	return &SessionCreated{Envelope: newEnvelope(FrameSessionCreated, sessionID), UserID: userID}
}

// SessionResumed 恢复会话
type SessionResumed struct {
	Envelope
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
}

// NewSessionResumed 创建恢复会话帧
func NewSessionResumed(sessionID string, lastActivity time.Time, messageCount int) *SessionResumed {
	return &SessionResumed{
		Envelope:     newEnvelope(FrameSessionResumed, sessionID),
		LastActivity: lastActivity,
		MessageCount: messageCount,
	}
}

// SessionEnded 会话结束
type SessionEnded struct {
	Envelope
	Reason          string `json:"reason"`
	DurationSeconds int64  `json:"duration_seconds"`
	MessageCount    int64  `json:"message_count"`
}

// NewSessionEnded 创建会话结束帧
func NewSessionEnded(sessionID, reason string, duration time.Duration, messageCount int64) *SessionEnded {
	return &SessionEnded{
		Envelope:        newEnvelope(FrameSessionEnded, sessionID),
		Reason:          reason,
		DurationSeconds: int64(duration.Seconds()),
		MessageCount:    messageCount,
	}
}

// Typing 输入状态
type Typing struct {
	Envelope
	IsTyping             bool `json:"is_typing"`
	EstimatedTimeSeconds *int `json:"estimated_time_seconds,omitempty"`
}

// NewTyping 创建输入状态帧
func NewTyping(sessionID string, typing bool, estimatedSeconds int) *Typing {
	f := &Typing{Envelope: newEnvelope(FrameTyping, sessionID), IsTyping: typing}
	if estimatedSeconds > 0 {
		f.EstimatedTimeSeconds = &estimatedSeconds
	}
	return f
}

// StreamingStart 流开始
type StreamingStart struct {
	Envelope
	EstimatedTokens *int `json:"estimated_tokens,omitempty"`
}

// NewStreamingStart 创建流开始帧
func NewStreamingStart(sessionID, messageID string, estimatedTokens int) *StreamingStart {
	f := &StreamingStart{Envelope: newEnvelope(FrameStreamingStart, sessionID)}
	if messageID != "" {
		f.MessageID = messageID
	}
	if estimatedTokens > 0 {
		f.EstimatedTokens = &estimatedTokens
	}
	return f
}

// StreamingResponse 流式分块
type StreamingResponse struct {
	Envelope
	Content     string `json:"content"`
	FullContent string `json:"full_content"`
	ChunkIndex  int    `json:"chunk_index"`
	IsFinal     bool   `json:"is_final"`
}

// NewStreamingResponse 创建分块帧
func NewStreamingResponse(sessionID, messageID, content, full string, index int, final bool) *StreamingResponse {
	f := &StreamingResponse{
		Envelope:    newEnvelope(FrameStreamingResponse, sessionID),
		Content:     content,
		FullContent: full,
		ChunkIndex:  index,
		IsFinal:     final,
	}
	if messageID != "" {
		f.MessageID = messageID
	}
	return f
}

// StreamingEnd 流结束
type StreamingEnd struct {
	Envelope
	FinalContent     string   `json:"final_content"`
	TotalChunks      int      `json:"total_chunks"`
	ResponseTimeMs   int64    `json:"response_time_ms"`
	SuggestedActions []string `json:"suggested_actions"`
}

// NewStreamingEnd 创建流结束帧
func NewStreamingEnd(sessionID, messageID, final string, total int, elapsed time.Duration, suggested []string) *StreamingEnd {
	f := &StreamingEnd{
		Envelope:         newEnvelope(FrameStreamingEnd, sessionID),
		FinalContent:     final,
		TotalChunks:      total,
		ResponseTimeMs:   elapsed.Milliseconds(),
		SuggestedActions: nonNil(suggested),
	}
	if messageID != "" {
		f.MessageID = messageID
	}
	return f
}

// BotResponse 完整回复
type BotResponse struct {
	Envelope
	Content           string   `json:"content"`
	DetectedIntent    *Intent  `json:"detected_intent,omitempty"`
	IntentConfidence  *float64 `json:"intent_confidence,omitempty"`
	ResponseTimeMs    int64    `json:"response_time_ms"`
	FunctionCallsMade []string `json:"function_calls_made"`
	SuggestedActions  []string `json:"suggested_actions"`
}

// NewBotResponse 根据 ChatResponse 创建回复帧
func NewBotResponse(resp *ChatResponse) *BotResponse {
	intent := resp.DetectedIntent
	confidence := resp.IntentConfidence
	f := &BotResponse{
		Envelope:          newEnvelope(FrameBotResponse, resp.SessionID),
		Content:           resp.Message,
		DetectedIntent:    &intent,
		IntentConfidence:  &confidence,
		ResponseTimeMs:    resp.ResponseTimeMs,
		FunctionCallsMade: nonNil(resp.FunctionCallsMade),
		SuggestedActions:  nonNil(resp.SuggestedActions),
	}
	if resp.MessageID != "" {
		f.MessageID = resp.MessageID
	}
	return f
}

// Pong 心跳响应
type Pong struct {
	Envelope
	PingTimestamp time.Time `json:"ping_timestamp"`
}

// NewPong 创建心跳响应帧
func NewPong(sessionID string, pingAt time.Time) *Pong {
	return &Pong{Envelope: newEnvelope(FramePong, sessionID), PingTimestamp: pingAt}
}

// ErrorFrame 错误帧
type ErrorFrame struct {
	Envelope
	ErrorCode         string         `json:"error_code"`
	ErrorMessage      string         `json:"error_message"`
	Details           map[string]any `json:"details,omitempty"`
	RetryAfterSeconds *int           `json:"retry_after_seconds,omitempty"`
}

// NewErrorFrame 创建错误帧
func NewErrorFrame(sessionID, code, message string) *ErrorFrame {
	return &ErrorFrame{
		Envelope:     newEnvelope(FrameError, sessionID),
		ErrorCode:    code,
		ErrorMessage: message,
	}
}

// WithRetryAfter 设置重试间隔
func (f *ErrorFrame) WithRetryAfter(seconds int) *ErrorFrame {
	f.RetryAfterSeconds = &seconds
	return f
}

// WithDetails 设置详情
func (f *ErrorFrame) WithDetails(details map[string]any) *ErrorFrame {
	f.Details = details
	return f
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
