// Package conversation 会话编排：历史、意图分派与回复
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashwinyue/chatbet/internal/model"
	"github.com/ashwinyue/chatbet/internal/service/llm"
	"github.com/ashwinyue/chatbet/internal/service/session"
	"github.com/ashwinyue/chatbet/internal/service/streaming"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxHistory = 10
	// 流式输出模型 token 时预估的长度
	defaultEstimatedTokens = 150
	activeWindow           = 5 * time.Minute
)

// TeamSearcher 赛程预取
type TeamSearcher interface {
	SearchTeamMatches(ctx context.Context, team string) ([]model.Fixture, int, error)
}

// Options 编排器参数
type Options struct {
	MaxHistory int
	Sports     TeamSearcher
	Tracer     trace.Tracer
	Meter      metric.Meter
	Logger     *slog.Logger
}

// Stats 编排器统计
type Stats struct {
	TotalConversations    int     `json:"total_conversations"`
	ActiveSessions        int     `json:"active_sessions"`
	TotalResponses        int64   `json:"total_responses"`
	AverageResponseTimeMs float64 `json:"average_response_time_ms"`
}

// Orchestrator 会话编排器
type Orchestrator struct {
	store      session.Store
	classifier llm.Classifier
	generator  llm.Generator
	sports     TeamSearcher
	maxHistory int
	logger     *slog.Logger

	tracer       trace.Tracer
	responseTime metric.Int64Histogram
	fallbacks    metric.Int64Counter

	// 创建会话时串行化，保证同一 ID 只创建一次
	createMu sync.Mutex

	statsMu       sync.Mutex
	responses     int64
	totalRespTime time.Duration
	lastSeen      map[string]time.Time
}

// New 创建编排器
func New(store session.Store, classifier llm.Classifier, generator llm.Generator, opts Options) (*Orchestrator, error) {
	if store == nil || classifier == nil || generator == nil {
		return nil, errors.New("conversation: store, classifier and generator are required")
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = defaultMaxHistory
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.GetTracerProvider().Tracer("chatbet/conversation")
	}
	if opts.Meter == nil {
		opts.Meter = otel.GetMeterProvider().Meter("chatbet/conversation")
	}

	responseTime, err := opts.Meter.Int64Histogram("conversation.response_time_ms",
		metric.WithDescription("Time to produce a complete reply"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create response time histogram: %w", err)
	}
	fallbacks, err := opts.Meter.Int64Counter("conversation.fallbacks",
		metric.WithDescription("Replies replaced by a fixed fallback text"))
	if err != nil {
		return nil, fmt.Errorf("create fallback counter: %w", err)
	}

	return &Orchestrator{
		store:        store,
		classifier:   classifier,
		generator:    generator,
		sports:       opts.Sports,
		maxHistory:   opts.MaxHistory,
		logger:       opts.Logger,
		tracer:       opts.Tracer,
		responseTime: responseTime,
		fallbacks:    fallbacks,
		lastSeen:     make(map[string]time.Time),
	}, nil
}

// StartOrResume 获取或创建会话，同一 sessionID 始终返回同一会话
func (o *Orchestrator) StartOrResume(ctx context.Context, userID, sessionID string) (*model.Conversation, bool, error) {
	if sessionID != "" {
		conv, ok, err := o.store.Get(ctx, sessionID)
		if err != nil {
			return nil, false, fmt.Errorf("load conversation: %w", err)
		}
		if ok {
			return conv, false, nil
		}
	}

	o.createMu.Lock()
	defer o.createMu.Unlock()

	if sessionID == "" {
		sessionID = uuid.New().String()
	} else if conv, ok, err := o.store.Get(ctx, sessionID); err != nil {
		return nil, false, fmt.Errorf("load conversation: %w", err)
	} else if ok {
		return conv, false, nil
	}

	conv := model.NewConversation(sessionID, userID)
	if err := o.store.Save(ctx, conv); err != nil {
		return nil, false, fmt.Errorf("save conversation: %w", err)
	}
	o.logger.Info("conversation started", "session_id", sessionID, "user_id", userID)
	return conv, true, nil
}

// turn 一次请求的处理上下文
type turn struct {
	conv     *model.Conversation
	class    model.Classification
	strategy strategy
	calls    []string
}

// prepare 解析会话、分类并追加用户消息
func (o *Orchestrator) prepare(ctx context.Context, req model.ChatRequest) (*turn, error) {
	conv, _, err := o.StartOrResume(ctx, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}

	class, err := o.classifier.Classify(ctx, req.Message)
	if err != nil {
		o.logger.Warn("intent classification failed", "session_id", conv.ID, "error", err)
		o.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "classifier")))
		class = model.UnclearClassification()
	}

	userMsg := model.NewChatMessage(model.RoleUser, req.Message).WithIntent(class.Intent, class.Confidence)
	if req.MessageID != "" {
		userMsg.ID = req.MessageID
	}
	conv.AddMessage(userMsg)

	teams := teamsFrom(class.Entities)
	conv.UpdateContext(func(c *model.ConversationContext) {
		c.MentionedTeams = mergeTeams(c.MentionedTeams, teams)
		c.CurrentTopic = string(class.Intent)
		if req.Authenticated {
			c.IsAuthenticated = true
		}
		if c.UserID == "" && req.UserID != "" {
			c.UserID = req.UserID
		}
	})

	return &turn{conv: conv, class: class, strategy: strategyFor(class.Intent)}, nil
}

// messages 构造模型输入，按需预取数据
func (o *Orchestrator) messages(ctx context.Context, t *turn) []*schema.Message {
	uc := t.conv.Snapshot()
	hints := append([]string(nil), t.strategy.hints...)

	var data string
	if t.strategy.prefetchTeam && o.sports != nil {
		if teams := teamsFrom(t.class.Entities); len(teams) > 0 {
			fixtures, _, err := o.sports.SearchTeamMatches(ctx, teams[0])
			if err != nil {
				o.logger.Warn("schedule prefetch failed", "session_id", t.conv.ID, "team", teams[0], "error", err)
				hints = append(hints, llm.DataUnavailableHint())
			} else {
				t.calls = append(t.calls, llm.ToolSearchTeamMatches)
				raw, _ := json.MarshalIndent(map[string]any{
					"team":     teams[0],
					"fixtures": fixtures,
				}, "", "  ")
				data = retrievedPrefix + string(raw)
			}
		}
	}

	system := llm.SystemPrompt(hints, uc)
	if data != "" {
		system += "\n\n" + data
	}
	return llm.BuildMessages(system, t.conv.RecentMessages(o.maxHistory))
}

// staticReply 不需要模型的回复
func (o *Orchestrator) staticReply(t *turn) (string, bool) {
	if t.strategy.static != "" {
		return t.strategy.static, true
	}
	if t.strategy.requireAuth && !t.conv.Snapshot().IsAuthenticated {
		return signInText, true
	}
	return "", false
}

// ProcessMessage 处理一条消息并返回完整回复，永不返回空内容
func (o *Orchestrator) ProcessMessage(ctx context.Context, req model.ChatRequest) model.ChatResponse {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "conversation.process_message")
	defer span.End()

	t, err := o.prepare(ctx, req)
	if err != nil {
		return o.failure(ctx, span, req, "", start, err)
	}
	span.SetAttributes(
		attribute.String("session_id", t.conv.ID),
		attribute.String("intent", string(t.class.Intent)),
		attribute.Float64("intent_confidence", t.class.Confidence),
		attribute.String("strategy", t.strategy.name),
	)

	text, ok := o.staticReply(t)
	if !ok {
		gen, err := o.generator.Generate(ctx, o.messages(ctx, t), true)
		if err != nil {
			return o.failure(ctx, span, req, t.conv.ID, start, err)
		}
		text = gen.Text
		t.calls = append(t.calls, gen.ToolCalls...)
	}

	if strings.TrimSpace(text) == "" {
		o.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "empty")))
		text = emptyFallbackText
	}

	elapsed := time.Since(start)
	reply := o.appendAssistant(ctx, t, uuid.New().String(), text, elapsed)
	o.record(ctx, t.conv.ID, elapsed)

	return model.ChatResponse{
		Message:           text,
		SessionID:         t.conv.ID,
		MessageID:         reply.ID,
		ResponseTimeMs:    elapsed.Milliseconds(),
		DetectedIntent:    t.class.Intent,
		IntentConfidence:  t.class.Confidence,
		FunctionCallsMade: nonNil(t.calls),
		SuggestedActions:  SuggestedActions(t.class.Intent),
	}
}

// ProcessMessageStream 与 ProcessMessage 相同的步骤，回复经流水线分块推送
// 助手消息在 streaming_end 之前由 onEnd 写入会话；中途失败不保存任何内容
func (o *Orchestrator) ProcessMessageStream(ctx context.Context, req model.ChatRequest, pipeline *streaming.Pipeline) (model.ChatResponse, error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "conversation.process_message_stream")
	defer span.End()

	replyID := uuid.New().String()

	t, err := o.prepare(ctx, req)
	if err != nil {
		resp := o.failure(ctx, span, req, "", start, err)
		return resp, o.streamText(ctx, pipeline, resp.SessionID, resp.MessageID, resp.Message, resp.SuggestedActions, nil)
	}
	span.SetAttributes(
		attribute.String("session_id", t.conv.ID),
		attribute.String("intent", string(t.class.Intent)),
		attribute.String("strategy", t.strategy.name),
	)

	var (
		src       streaming.TokenSource
		estimated = defaultEstimatedTokens
	)
	if text, ok := o.staticReply(t); ok {
		src, estimated = textSource(text)
	} else if t.strategy.streamTokens {
		src, err = o.generator.Stream(ctx, o.messages(ctx, t))
	} else {
		var gen llm.Generation
		gen, err = o.generator.Generate(ctx, o.messages(ctx, t), true)
		if err == nil {
			t.calls = append(t.calls, gen.ToolCalls...)
			text := gen.Text
			if strings.TrimSpace(text) == "" {
				o.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "empty")))
				text = emptyFallbackText
			}
			src, estimated = textSource(text)
		}
	}

	if err != nil {
		resp := o.failure(ctx, span, req, t.conv.ID, start, err)
		return resp, o.streamText(ctx, pipeline, resp.SessionID, resp.MessageID, resp.Message, resp.SuggestedActions, nil)
	}

	suggested := SuggestedActions(t.class.Intent)
	var persisted *model.ChatMessage
	final, _, err := pipeline.Pipe(ctx, t.conv.ID, replyID, src, streaming.PipeOptions{
		EstimatedTokens:  estimated,
		SuggestedActions: suggested,
		Fallback:         emptyFallbackText,
		OnEnd: func(content string) {
			persisted = o.appendAssistant(ctx, t, replyID, content, time.Since(start))
		},
	})

	elapsed := time.Since(start)
	resp := model.ChatResponse{
		Message:           final,
		SessionID:         t.conv.ID,
		MessageID:         replyID,
		ResponseTimeMs:    elapsed.Milliseconds(),
		DetectedIntent:    t.class.Intent,
		IntentConfidence:  t.class.Confidence,
		FunctionCallsMade: nonNil(t.calls),
		SuggestedActions:  suggested,
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream failed")
		o.logger.Error("streaming reply failed", "session_id", t.conv.ID, "message_id", replyID, "error", err)
		return resp, err
	}
	if persisted != nil {
		resp.Message = persisted.Content
	}
	o.record(ctx, t.conv.ID, elapsed)
	return resp, nil
}

func (o *Orchestrator) streamText(ctx context.Context, pipeline *streaming.Pipeline, sessionID, messageID, text string, suggested []string, onEnd func(string)) error {
	src, estimated := textSource(text)
	_, _, err := pipeline.Pipe(ctx, sessionID, messageID, src, streaming.PipeOptions{
		EstimatedTokens:  estimated,
		SuggestedActions: suggested,
		OnEnd:            onEnd,
	})
	return err
}

func textSource(text string) (streaming.TokenSource, int) {
	return streaming.NewTextSource(text), len(strings.Fields(text))
}

// appendAssistant 写入助手消息并持久化
func (o *Orchestrator) appendAssistant(ctx context.Context, t *turn, id, text string, elapsed time.Duration) *model.ChatMessage {
	msg := model.NewChatMessage(model.RoleAssistant, text)
	msg.ID = id
	msg.ResponseTimeMs = elapsed.Milliseconds()
	msg.FunctionCalls = t.calls
	t.conv.AddMessage(msg)
	o.persist(ctx, t.conv)
	return msg
}

// persist 会话仍挂在存储中时才保存，已清除的会话不会被写回
func (o *Orchestrator) persist(ctx context.Context, conv *model.Conversation) {
	current, ok, err := o.store.Get(ctx, conv.ID)
	if err != nil || !ok || current != conv {
		return
	}
	if err := o.store.Save(ctx, conv); err != nil {
		o.logger.Warn("save conversation failed", "session_id", conv.ID, "error", err)
	}
}

// failure 业务错误的兜底回复
func (o *Orchestrator) failure(ctx context.Context, span trace.Span, req model.ChatRequest, sessionID string, start time.Time, err error) model.ChatResponse {
	span.RecordError(err)
	span.SetStatus(codes.Error, "process message failed")
	o.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "generation")))
	o.logger.Error("process message failed", "session_id", sessionID, "error", err)

	if sessionID == "" {
		sessionID = req.SessionID
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	return model.ChatResponse{
		Message:           errorText,
		SessionID:         sessionID,
		MessageID:         uuid.New().String(),
		ResponseTimeMs:    time.Since(start).Milliseconds(),
		DetectedIntent:    model.IntentUnclear,
		IntentConfidence:  0,
		FunctionCallsMade: []string{},
		SuggestedActions:  append([]string(nil), errorSuggestions...),
	}
}

func (o *Orchestrator) record(ctx context.Context, sessionID string, elapsed time.Duration) {
	o.responseTime.Record(ctx, elapsed.Milliseconds())

	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	o.responses++
	o.totalRespTime += elapsed
	o.lastSeen[sessionID] = time.Now()
}

// ========== 历史 ==========

// ClearHistory 删除会话；进行中的请求在已分离的会话上完成，不会写回
func (o *Orchestrator) ClearHistory(ctx context.Context, sessionID string) (bool, error) {
	_, ok, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := o.store.Delete(ctx, sessionID); err != nil {
		return false, fmt.Errorf("delete conversation: %w", err)
	}

	o.statsMu.Lock()
	delete(o.lastSeen, sessionID)
	o.statsMu.Unlock()

	o.logger.Info("conversation cleared", "session_id", sessionID)
	return true, nil
}

// ClearUserHistory 删除用户的全部会话，返回删除数量
func (o *Orchestrator) ClearUserHistory(ctx context.Context, userID string) (int, error) {
	convs, err := o.store.ListByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list conversations: %w", err)
	}

	n := 0
	var errs []error
	for _, conv := range convs {
		ok, err := o.ClearHistory(ctx, conv.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// History 分页获取会话副本
func (o *Orchestrator) History(ctx context.Context, sessionID string, limit, offset int) (*model.Conversation, bool) {
	conv, ok, err := o.store.Get(ctx, sessionID)
	if err != nil {
		o.logger.Warn("load conversation failed", "session_id", sessionID, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return conv.Page(limit, offset), true
}

// Stats 统计
func (o *Orchestrator) Stats() Stats {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()

	cutoff := time.Now().Add(-activeWindow)
	active := 0
	for id, seen := range o.lastSeen {
		if seen.Before(cutoff) {
			delete(o.lastSeen, id)
			continue
		}
		active++
	}

	var avg float64
	if o.responses > 0 {
		avg = float64(o.totalRespTime.Milliseconds()) / float64(o.responses)
	}
	return Stats{
		TotalConversations:    o.store.Len(),
		ActiveSessions:        active,
		TotalResponses:        o.responses,
		AverageResponseTimeMs: avg,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
