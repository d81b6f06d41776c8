// Package streaming 实现流式回复的状态机：start → chunk* → end，任意阶段可进入 error
package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashwinyue/chatbet/internal/model"
)

var (
	// ErrStreamActive 会话已有进行中的流
	ErrStreamActive = errors.New("stream already active")
	// ErrNoActiveStream 会话没有进行中的流
	ErrNoActiveStream = errors.New("no active stream")
	// ErrChunkOutOfOrder 块序号不连续
	ErrChunkOutOfOrder = errors.New("chunk out of order")
	// ErrAccumulatedMismatch 累计内容与已发送块不一致
	ErrAccumulatedMismatch = errors.New("accumulated content mismatch")
)

// State 流状态
type State int

const (
	StateIdle State = iota
	StateStarted
	StateStreaming
	StateError
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarted:
		return "started"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Sender 帧发送端，会话不存在时返回 false
type Sender interface {
	Send(sessionID string, frame any) bool
}

// TokenSource 有限 token 流，结束时返回 io.EOF
type TokenSource interface {
	Recv() (string, error)
	Close()
}

// Chunk 一个分块
type Chunk struct {
	Partial     string
	Accumulated string
	Index       int
	IsFinal     bool
}

type stream struct {
	mu          sync.Mutex
	state       State
	messageID   string
	next        int
	accumulated string
	final       bool
	onEnd       func(final string)
}

// Pipeline 流式投递
// 每个会话同一时刻至多一个流，同一流的块在流锁内按序发出
type Pipeline struct {
	mu      sync.Mutex
	streams map[string]*stream

	sender     Sender
	chunkWords int
	delay      time.Duration
	logger     *slog.Logger
}

// Config 流式配置
type Config struct {
	ChunkWords int
	Delay      time.Duration
}

// NewPipeline 创建流式投递
func NewPipeline(sender Sender, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.ChunkWords <= 0 {
		cfg.ChunkWords = DefaultChunkWords
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		streams:    make(map[string]*stream),
		sender:     sender,
		chunkWords: cfg.ChunkWords,
		delay:      cfg.Delay,
		logger:     logger,
	}
}

// Begin 开始流并发送 streaming_start
// onEnd 在 End 成功时以最终内容调用，用于持久化
func (p *Pipeline) Begin(sessionID, messageID string, estimatedTokens int, onEnd func(final string)) error {
	p.mu.Lock()
	if _, ok := p.streams[sessionID]; ok {
		p.mu.Unlock()
		return ErrStreamActive
	}
	s := &stream{state: StateStarted, messageID: messageID, onEnd: onEnd}
	s.mu.Lock()
	p.streams[sessionID] = s
	p.mu.Unlock()
	defer s.mu.Unlock()

	p.sender.Send(sessionID, model.NewStreamingStart(sessionID, messageID, estimatedTokens))
	return nil
}

// active 返回加锁的进行中流
func (p *Pipeline) active(sessionID string) (*stream, error) {
	p.mu.Lock()
	s, ok := p.streams[sessionID]
	p.mu.Unlock()
	if !ok {
		return nil, ErrNoActiveStream
	}

	s.mu.Lock()
	if s.state != StateStarted && s.state != StateStreaming {
		s.mu.Unlock()
		return nil, ErrNoActiveStream
	}
	return s, nil
}

// Chunk 校验并发送一个分块，校验失败不发送任何内容
func (p *Pipeline) Chunk(sessionID string, c Chunk) error {
	s, err := p.active(sessionID)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	return p.chunkLocked(sessionID, s, c)
}

func (p *Pipeline) chunkLocked(sessionID string, s *stream, c Chunk) error {
	if s.final {
		return fmt.Errorf("%w: stream already finalized", ErrChunkOutOfOrder)
	}
	if c.Index != s.next {
		return fmt.Errorf("%w: got %d, want %d", ErrChunkOutOfOrder, c.Index, s.next)
	}
	if c.Accumulated != s.accumulated+c.Partial {
		return fmt.Errorf("%w at chunk %d", ErrAccumulatedMismatch, c.Index)
	}

	p.sender.Send(sessionID, model.NewStreamingResponse(
		sessionID, s.messageID, c.Partial, c.Accumulated, c.Index, c.IsFinal))

	s.state = StateStreaming
	s.next++
	s.accumulated = c.Accumulated
	s.final = c.IsFinal
	return nil
}

// Emit 根据流状态计算序号与累计内容后发送
func (p *Pipeline) Emit(sessionID, partial string, isFinal bool) (Chunk, error) {
	s, err := p.active(sessionID)
	if err != nil {
		return Chunk{}, err
	}
	defer s.mu.Unlock()

	c := Chunk{
		Partial:     partial,
		Accumulated: s.accumulated + partial,
		Index:       s.next,
		IsFinal:     isFinal,
	}
	return c, p.chunkLocked(sessionID, s, c)
}

// End 结束流，发送 streaming_end 并回到 Idle
// finalContent 必须等于累计内容，totalChunks 必须等于已发送块数
func (p *Pipeline) End(sessionID, finalContent string, totalChunks int, elapsed time.Duration, suggested []string) error {
	s, err := p.active(sessionID)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	if finalContent != s.accumulated {
		return fmt.Errorf("%w: final content differs from streamed content", ErrAccumulatedMismatch)
	}
	if totalChunks != s.next {
		return fmt.Errorf("%w: total %d, emitted %d", ErrChunkOutOfOrder, totalChunks, s.next)
	}

	if s.onEnd != nil {
		s.onEnd(finalContent)
	}
	p.sender.Send(sessionID, model.NewStreamingEnd(
		sessionID, s.messageID, finalContent, totalChunks, elapsed, suggested))

	p.finishLocked(sessionID, s)
	return nil
}

// Fail 发送错误帧并回到 Idle，已发送的块不撤回
func (p *Pipeline) Fail(sessionID, code, message string) {
	p.mu.Lock()
	s, ok := p.streams[sessionID]
	p.mu.Unlock()

	if ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.state = StateError
	}

	p.logger.Warn("stream failed",
		"session_id", sessionID,
		"error_code", code,
		"error", message)
	p.sender.Send(sessionID, model.NewErrorFrame(sessionID, code, message))

	if ok {
		p.finishLocked(sessionID, s)
	}
}

// finishLocked 调用方持有 s.mu
func (p *Pipeline) finishLocked(sessionID string, s *stream) {
	s.state = StateIdle
	p.mu.Lock()
	if p.streams[sessionID] == s {
		delete(p.streams, sessionID)
	}
	p.mu.Unlock()
}

// State 会话当前流状态
func (p *Pipeline) State(sessionID string) State {
	p.mu.Lock()
	s, ok := p.streams[sessionID]
	p.mu.Unlock()
	if !ok {
		return StateIdle
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PipeOptions Pipe 参数
type PipeOptions struct {
	EstimatedTokens  int
	SuggestedActions []string
	// Fallback 流为空或只有空白时补发的内容
	Fallback string
	OnEnd    func(final string)
}

// Pipe 驱动完整生命周期：重新分块、保留最后一块以标记 is_final、块间延迟
// 源出错时以 LLM_STREAMING_ERROR 失败
func (p *Pipeline) Pipe(ctx context.Context, sessionID, messageID string, src TokenSource, opts PipeOptions) (string, int, error) {
	defer src.Close()
	start := time.Now()

	if err := p.Begin(sessionID, messageID, opts.EstimatedTokens, opts.OnEnd); err != nil {
		return "", 0, err
	}

	rc := NewRechunker(p.chunkWords)
	var (
		held     string
		hasHeld  bool
		received strings.Builder
		last     Chunk
		count    int
	)

	push := func(chunks []string) error {
		for _, c := range chunks {
			if hasHeld {
				emitted, err := p.Emit(sessionID, held, false)
				if err != nil {
					return err
				}
				last = emitted
				count++
				if err := p.wait(ctx); err != nil {
					return err
				}
			}
			held, hasHeld = c, true
		}
		return nil
	}

	fail := func(err error) (string, int, error) {
		code := model.ErrCodeLLMStreaming
		if errors.Is(err, ErrChunkOutOfOrder) || errors.Is(err, ErrAccumulatedMismatch) || errors.Is(err, ErrNoActiveStream) {
			code = model.ErrCodeStreamProtocol
		}
		p.Fail(sessionID, code, "Error generating streaming response: "+err.Error())
		return last.Accumulated, count, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		tok, err := src.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(err)
		}
		received.WriteString(tok)
		if err := push(rc.Push(tok)); err != nil {
			return fail(err)
		}
	}

	tail := rc.Flush()
	if strings.TrimSpace(received.String()) == "" && opts.Fallback != "" {
		tail = append(tail, Split(opts.Fallback, p.chunkWords)...)
	}
	if err := push(tail); err != nil {
		return fail(err)
	}
	if hasHeld {
		emitted, err := p.Emit(sessionID, held, true)
		if err != nil {
			return fail(err)
		}
		last = emitted
		count++
	}

	if err := p.End(sessionID, last.Accumulated, count, time.Since(start), opts.SuggestedActions); err != nil {
		return fail(err)
	}
	return last.Accumulated, count, nil
}

func (p *Pipeline) wait(ctx context.Context) error {
	if p.delay <= 0 {
		return nil
	}
	t := time.NewTimer(p.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ========== TokenSource 实现 ==========

// TextSource 把现成文本按顺序作为 token 输出
type TextSource struct {
	tokens []string
	pos    int
}

// NewTextSource 创建文本源
func NewTextSource(tokens ...string) *TextSource {
	return &TextSource{tokens: tokens}
}

// Recv 返回下一个 token
func (s *TextSource) Recv() (string, error) {
	if s.pos >= len(s.tokens) {
		return "", io.EOF
	}
	tok := s.tokens[s.pos]
	s.pos++
	return tok, nil
}

// Close 无操作
func (s *TextSource) Close() {}
