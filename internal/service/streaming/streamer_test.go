package streaming

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/ashwinyue/chatbet/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frameSink 按会话记录发送的帧
type frameSink struct {
	mu     sync.Mutex
	frames []any
	gone   bool
}

func (s *frameSink) Send(_ string, frame any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return false
	}
	s.frames = append(s.frames, frame)
	return true
}

func (s *frameSink) all() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.frames...)
}

func (s *frameSink) responses() []*model.StreamingResponse {
	var out []*model.StreamingResponse
	for _, f := range s.all() {
		if r, ok := f.(*model.StreamingResponse); ok {
			out = append(out, r)
		}
	}
	return out
}

func (s *frameSink) kinds() []model.FrameType {
	var out []model.FrameType
	for _, f := range s.all() {
		out = append(out, f.(model.Frame).FrameKind())
	}
	return out
}

// failingSource 输出若干 token 后报错
type failingSource struct {
	tokens []string
	err    error
	closed bool
}

func (s *failingSource) Recv() (string, error) {
	if len(s.tokens) == 0 {
		return "", s.err
	}
	tok := s.tokens[0]
	s.tokens = s.tokens[1:]
	return tok, nil
}

func (s *failingSource) Close() { s.closed = true }

func TestPipeline_TenChunks(t *testing.T) {
	sink := &frameSink{}
	p := NewPipeline(sink, Config{ChunkWords: 1}, nil)

	words := []string{"one ", "two ", "three ", "four ", "five ", "six ", "seven ", "eight ", "nine ", "ten"}
	var persisted string
	final, n, err := p.Pipe(context.Background(), "s1", "m1", NewTextSource(words...), PipeOptions{
		OnEnd: func(f string) { persisted = f },
	})
	require.NoError(t, err)

	assert.Equal(t, 10, n)
	assert.Equal(t, strings.Join(words, ""), final)
	assert.Equal(t, final, persisted)

	resp := sink.responses()
	require.Len(t, resp, 10)
	var concat strings.Builder
	for i, r := range resp {
		assert.Equal(t, i, r.ChunkIndex)
		assert.Equal(t, i == 9, r.IsFinal)
		assert.Equal(t, "m1", r.MessageID)
		concat.WriteString(r.Content)
		assert.Equal(t, concat.String(), r.FullContent)
	}
	assert.Equal(t, final, concat.String())

	kinds := sink.kinds()
	assert.Equal(t, model.FrameStreamingStart, kinds[0])
	assert.Equal(t, model.FrameStreamingEnd, kinds[len(kinds)-1])
	end := sink.all()[len(kinds)-1].(*model.StreamingEnd)
	assert.Equal(t, final, end.FinalContent)
	assert.Equal(t, 10, end.TotalChunks)
	assert.NotNil(t, end.SuggestedActions)

	assert.Equal(t, StateIdle, p.State("s1"))
}

func TestPipeline_SecondBeginRejected(t *testing.T) {
	sink := &frameSink{}
	p := NewPipeline(sink, Config{}, nil)

	require.NoError(t, p.Begin("s1", "m1", 0, nil))
	_, err := p.Emit("s1", "Hello ", false)
	require.NoError(t, err)

	assert.ErrorIs(t, p.Begin("s1", "m2", 0, nil), ErrStreamActive)
	assert.Equal(t, StateStreaming, p.State("s1"))

	// 原有流不受影响
	c, err := p.Emit("s1", "world", true)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Index)
	assert.Equal(t, "Hello world", c.Accumulated)
	require.NoError(t, p.End("s1", "Hello world", 2, 0, nil))
	assert.Equal(t, StateIdle, p.State("s1"))
}

func TestPipeline_ChunkValidation(t *testing.T) {
	sink := &frameSink{}
	p := NewPipeline(sink, Config{}, nil)
	require.NoError(t, p.Begin("s1", "m1", 10, nil))
	assert.Equal(t, StateStarted, p.State("s1"))

	err := p.Chunk("s1", Chunk{Partial: "a", Accumulated: "a", Index: 1})
	assert.ErrorIs(t, err, ErrChunkOutOfOrder)

	err = p.Chunk("s1", Chunk{Partial: "a", Accumulated: "ab", Index: 0})
	assert.ErrorIs(t, err, ErrAccumulatedMismatch)

	// 校验失败不发送任何内容
	assert.Empty(t, sink.responses())

	require.NoError(t, p.Chunk("s1", Chunk{Partial: "a", Accumulated: "a", Index: 0, IsFinal: true}))
	err = p.Chunk("s1", Chunk{Partial: "b", Accumulated: "ab", Index: 1})
	assert.ErrorIs(t, err, ErrChunkOutOfOrder)

	assert.ErrorIs(t, p.End("s1", "ab", 1, 0, nil), ErrAccumulatedMismatch)
	assert.ErrorIs(t, p.End("s1", "a", 2, 0, nil), ErrChunkOutOfOrder)
	assert.NoError(t, p.End("s1", "a", 1, 0, nil))
}

func TestPipeline_NoActiveStream(t *testing.T) {
	p := NewPipeline(&frameSink{}, Config{}, nil)

	_, err := p.Emit("s1", "x", false)
	assert.ErrorIs(t, err, ErrNoActiveStream)
	assert.ErrorIs(t, p.End("s1", "", 0, 0, nil), ErrNoActiveStream)
}

func TestPipeline_SourceErrorFails(t *testing.T) {
	sink := &frameSink{}
	p := NewPipeline(sink, Config{ChunkWords: 1}, nil)
	src := &failingSource{tokens: []string{"one ", "two ", "three "}, err: errors.New("upstream reset")}

	called := false
	_, n, err := p.Pipe(context.Background(), "s1", "m1", src, PipeOptions{
		OnEnd: func(string) { called = true },
	})

	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, src.closed)
	assert.Equal(t, StateIdle, p.State("s1"))
	assert.Equal(t, 1, n)

	var errFrame *model.ErrorFrame
	for _, f := range sink.all() {
		if e, ok := f.(*model.ErrorFrame); ok {
			errFrame = e
		}
	}
	require.NotNil(t, errFrame)
	assert.Equal(t, model.ErrCodeLLMStreaming, errFrame.ErrorCode)
	assert.NotContains(t, sink.kinds(), model.FrameStreamingEnd)

	// 失败后可以开始新流
	assert.NoError(t, p.Begin("s1", "m2", 0, nil))
}

func TestPipeline_EmptySourceUsesFallback(t *testing.T) {
	sink := &frameSink{}
	p := NewPipeline(sink, Config{}, nil)

	final, n, err := p.Pipe(context.Background(), "s1", "m1", NewTextSource("  "), PipeOptions{
		Fallback: "Sorry, try again.",
	})
	require.NoError(t, err)
	assert.Equal(t, "  Sorry, try again.", final)
	assert.Greater(t, n, 0)
	assert.NotEmpty(t, strings.TrimSpace(final))
}

func TestPipeline_GoneSessionIsNoop(t *testing.T) {
	sink := &frameSink{gone: true}
	p := NewPipeline(sink, Config{}, nil)

	final, _, err := p.Pipe(context.Background(), "s1", "m1", NewTextSource("still ", "generated"), PipeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "still generated", final)
	assert.Empty(t, sink.all())
}

func TestPipeline_CancelledContext(t *testing.T) {
	sink := &frameSink{}
	p := NewPipeline(sink, Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := p.Pipe(ctx, "s1", "m1", NewTextSource("a"), PipeOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateIdle, p.State("s1"))
}

func TestTextSource(t *testing.T) {
	src := NewTextSource("a", "b")
	tok, err := src.Recv()
	require.NoError(t, err)
	assert.Equal(t, "a", tok)
	_, _ = src.Recv()
	_, err = src.Recv()
	assert.ErrorIs(t, err, io.EOF)
}
