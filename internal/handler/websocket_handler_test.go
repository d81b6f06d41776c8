package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashwinyue/chatbet/internal/middleware"
	"github.com/ashwinyue/chatbet/internal/service/auth"
	"github.com/ashwinyue/chatbet/internal/service/connection"
	"github.com/ashwinyue/chatbet/internal/service/conversation"
	"github.com/ashwinyue/chatbet/internal/service/llm"
	"github.com/ashwinyue/chatbet/internal/service/session"
	"github.com/ashwinyue/chatbet/internal/service/sportsupdate"
	"github.com/ashwinyue/chatbet/internal/service/streaming"
	"github.com/ashwinyue/chatbet/internal/testutil"
	"github.com/cloudwego/eino/schema"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeGenerator 固定回复，可阻塞以模拟慢速生成
type fakeGenerator struct {
	reply string
	block chan struct{}
	calls atomic.Int32
	// panicNext 为 true 时下一次流在首个 token 处 panic
	panicNext atomic.Bool
}

type panicSource struct{}

func (panicSource) Recv() (string, error) { panic("token source exploded") }

func (panicSource) Close() {}

func (g *fakeGenerator) wait() {
	g.calls.Add(1)
	if g.block != nil {
		<-g.block
	}
}

func (g *fakeGenerator) Generate(context.Context, []*schema.Message, bool) (llm.Generation, error) {
	g.wait()
	return llm.Generation{Text: g.reply}, nil
}

func (g *fakeGenerator) Stream(context.Context, []*schema.Message) (streaming.TokenSource, error) {
	g.wait()
	if g.panicNext.CompareAndSwap(true, false) {
		return panicSource{}, nil
	}
	words := strings.SplitAfter(g.reply, " ")
	return streaming.NewTextSource(words...), nil
}

type harness struct {
	server    *httptest.Server
	registry  *connection.Registry
	store     *session.MemoryStore
	generator *fakeGenerator
	validator *auth.Validator
	dedup     *connection.Deduplicator
	updates   *sportsupdate.Streamer
	ws        *WebSocketHandler
}

type harnessOptions struct {
	limiter *middleware.RateLimiter
	block   bool
	// updates 开启体育数据推送，不启动轮询
	updates bool
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	logger := testutil.DiscardLogger()

	gen := &fakeGenerator{reply: "Football is played by two teams of eleven players each."}
	if opts.block {
		gen.block = make(chan struct{})
	}
	store := session.NewMemoryStore()
	orch, err := conversation.New(store, llm.NewRuleClassifier(), gen, conversation.Options{Logger: logger})
	require.NoError(t, err)

	registry := connection.NewRegistry(connection.WithLogger(logger))
	dedup := connection.NewDeduplicator()
	validator := auth.NewValidator("secret", "")
	var updates *sportsupdate.Streamer
	if opts.updates {
		updates = sportsupdate.New(nil, registry, nil, sportsupdate.Config{}, logger)
	}

	h := NewHandlers(Deps{
		WebSocket: WebSocketDeps{
			Registry:      registry,
			Dedup:         dedup,
			Pipeline:      streaming.NewPipeline(registry, streaming.Config{}, logger),
			Conversations: orch,
			Validator:     validator,
			Limiter:       opts.limiter,
			Updates:       updates,
			Config:        WebSocketConfig{PingInterval: time.Minute},
		},
		Logger: logger,
	})

	r := gin.New()
	r.GET("/ws/chat", h.WebSocket.ServeWS)
	r.GET("/ws/chat/:session_id", h.WebSocket.ServeWS)
	r.POST("/api/v1/chat", h.Chat.SendMessage)
	r.GET("/api/v1/chat/history/:session_id", h.Chat.GetHistory)

	server := httptest.NewServer(r)
	t.Cleanup(func() {
		if gen.block != nil {
			select {
			case <-gen.block:
			default:
				close(gen.block)
			}
		}
		server.Close()
	})

	return &harness{
		server:    server,
		registry:  registry,
		store:     store,
		generator: gen,
		validator: validator,
		dedup:     dedup,
		updates:   updates,
		ws:        h.WebSocket,
	}
}

func (h *harness) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame 读取下一帧
func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// readUntil 读取帧直到出现指定类型，返回途经的全部帧
func readUntil(t *testing.T, conn *websocket.Conn, typ string) []map[string]any {
	t.Helper()
	var frames []map[string]any
	for {
		f := readFrame(t, conn)
		frames = append(frames, f)
		if f["type"] == typ {
			return frames
		}
	}
}

func ofType(frames []map[string]any, typ string) []map[string]any {
	var out []map[string]any
	for _, f := range frames {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func userMessage(id, content string) map[string]any {
	return map[string]any{"type": "user_message", "message_id": id, "content": content}
}

func TestServeWS_ConnectMintsDistinctSessions(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	var ids []string
	for i := 0; i < 2; i++ {
		conn := h.dial(t, "/ws/chat?user_id=u1")
		ack := readFrame(t, conn)
		assert.Equal(t, "connection_ack", ack["type"])
		assert.ElementsMatch(t, []any{"streaming_responses", "typing_indicators", "ping_pong"}, ack["supported_features"])
		for _, key := range []string{"type", "timestamp", "session_id", "message_id"} {
			assert.Contains(t, ack, key)
		}

		created := readFrame(t, conn)
		assert.Equal(t, "session_created", created["type"])
		assert.Equal(t, ack["session_id"], created["session_id"])
		assert.Equal(t, "u1", created["user_id"])
		ids = append(ids, ack["session_id"].(string))
	}
	assert.NotEqual(t, ids[0], ids[1])
}

func TestServeWS_StreamsReply(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	conn := h.dial(t, "/ws/chat/s1")
	readUntil(t, conn, "session_created")

	send(t, conn, userMessage("m1", "Tell me something about football"))
	frames := readUntil(t, conn, "streaming_end")
	frames = append(frames, readUntil(t, conn, "typing")...)

	typing := ofType(frames, "typing")
	require.Len(t, typing, 2)
	assert.Equal(t, true, typing[0]["is_typing"])
	assert.Equal(t, false, typing[1]["is_typing"])
	require.Len(t, ofType(frames, "streaming_start"), 1)

	chunks := ofType(frames, "streaming_response")
	require.NotEmpty(t, chunks)
	var joined strings.Builder
	for i, c := range chunks {
		assert.Equal(t, float64(i), c["chunk_index"])
		assert.Equal(t, i == len(chunks)-1, c["is_final"])
		joined.WriteString(c["content"].(string))
	}
	end := ofType(frames, "streaming_end")[0]
	assert.Equal(t, joined.String(), end["final_content"])
	assert.Equal(t, h.generator.reply, end["final_content"])
	assert.Equal(t, float64(len(chunks)), end["total_chunks"])

	conv, ok, _ := h.store.Get(context.Background(), "s1")
	require.True(t, ok)
	assert.Equal(t, 2, conv.MessageCount())
}

func TestServeWS_PanicMidStreamLeavesSessionUsable(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.generator.panicNext.Store(true)
	conn := h.dial(t, "/ws/chat/s1")
	readUntil(t, conn, "session_created")

	send(t, conn, userMessage("m1", "Tell me something about football"))
	frames := readUntil(t, conn, "error")
	require.Len(t, ofType(frames, "streaming_start"), 1)
	assert.Equal(t, "MESSAGE_PROCESSING_ERROR", frames[len(frames)-1]["error_code"])
	readUntil(t, conn, "typing")

	require.Eventually(t, func() bool { return h.dedup.Len() == 0 }, time.Second, 5*time.Millisecond)

	send(t, conn, userMessage("m2", "Tell me something about football"))
	frames = readUntil(t, conn, "streaming_end")
	assert.Empty(t, ofType(frames, "error"))
	assert.Equal(t, h.generator.reply, frames[len(frames)-1]["final_content"])
}

func TestServeWS_ResumePreservesMessageCount(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	conn := h.dial(t, "/ws/chat/s1")
	readUntil(t, conn, "session_created")
	send(t, conn, userMessage("m1", "hello"))
	readUntil(t, conn, "streaming_end")
	require.NoError(t, conn.Close())

	again := h.dial(t, "/ws/chat?session_id=s1")
	readUntil(t, again, "connection_ack")
	resumed := readFrame(t, again)
	assert.Equal(t, "session_resumed", resumed["type"])
	assert.Equal(t, float64(2), resumed["message_count"])
}

func TestServeWS_ReplacedConnectionReceivesSessionEnded(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	first := h.dial(t, "/ws/chat/s1")
	readUntil(t, first, "session_created")

	second := h.dial(t, "/ws/chat/s1")
	readUntil(t, second, "session_resumed")

	ended := readUntil(t, first, "session_ended")
	assert.Equal(t, "replaced", ended[len(ended)-1]["reason"])

	// 新连接不受旧连接退出影响
	send(t, second, map[string]any{"type": "ping"})
	assert.Equal(t, "pong", readFrame(t, second)["type"])
	assert.Equal(t, 1, h.registry.Len())
}

func TestServeWS_InvalidFrames(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	conn := h.dial(t, "/ws/chat")
	readUntil(t, conn, "session_created")

	tests := []struct {
		name    string
		payload string
		code    string
	}{
		{"invalid json", `{"type":`, "INVALID_JSON"},
		{"unknown type", `{"type":"subscribe"}`, "UNKNOWN_MESSAGE_TYPE"},
		{"empty content", `{"type":"user_message","content":"   "}`, "INVALID_MESSAGE_FORMAT"},
		{"too long", `{"type":"user_message","content":"` + strings.Repeat("é", 4001) + `"}`, "INVALID_MESSAGE_FORMAT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.payload)))
			f := readFrame(t, conn)
			assert.Equal(t, "error", f["type"])
			assert.Equal(t, tt.code, f["error_code"])
		})
	}

	// 连接保持可用
	send(t, conn, map[string]any{"type": "ping", "timestamp": "2025-01-01T00:00:00Z"})
	pong := readFrame(t, conn)
	assert.Equal(t, "pong", pong["type"])
	assert.Equal(t, "2025-01-01T00:00:00Z", pong["ping_timestamp"])
}

func TestServeWS_DuplicateAndBusy(t *testing.T) {
	h := newHarness(t, harnessOptions{block: true})
	conn := h.dial(t, "/ws/chat/s1")
	readUntil(t, conn, "session_created")

	send(t, conn, userMessage("m1", "What is offside?"))
	send(t, conn, userMessage("m1", "What is offside?"))
	send(t, conn, userMessage("m2", "And a corner?"))

	frames := readUntil(t, conn, "error")
	errFrame := frames[len(frames)-1]
	assert.Equal(t, "MESSAGE_IN_PROGRESS", errFrame["error_code"])
	assert.Equal(t, float64(1), errFrame["retry_after_seconds"])

	close(h.generator.block)
	frames = readUntil(t, conn, "streaming_end")
	frames = append(frames, readUntil(t, conn, "typing")...)

	assert.Equal(t, int32(1), h.generator.calls.Load())
	assert.Empty(t, ofType(frames, "error"))

	// 释放后同一 ID 可以再次提交
	require.Eventually(t, func() bool { return h.dedup.Len() == 0 }, time.Second, time.Millisecond)
	send(t, conn, userMessage("m1", "What is offside?"))
	readUntil(t, conn, "streaming_end")
	assert.Equal(t, int32(2), h.generator.calls.Load())
}

func TestServeWS_RateLimited(t *testing.T) {
	h := newHarness(t, harnessOptions{limiter: middleware.NewRateLimiter(0.001, 1)})
	conn := h.dial(t, "/ws/chat/s1")
	readUntil(t, conn, "session_created")

	send(t, conn, userMessage("m1", "first"))
	send(t, conn, userMessage("m2", "second"))

	var limited map[string]any
	for limited == nil {
		f := readFrame(t, conn)
		if f["type"] == "error" {
			limited = f
		}
	}
	assert.Equal(t, "RATE_LIMITED", limited["error_code"])
	assert.Greater(t, limited["retry_after_seconds"], float64(0))
}

func TestServeWS_TokenIdentity(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	token, err := h.validator.Issue("user-42", time.Hour)
	require.NoError(t, err)

	conn := h.dial(t, "/ws/chat?user_id=spoofed&token="+token)
	frames := readUntil(t, conn, "session_created")
	assert.Equal(t, "user-42", frames[len(frames)-1]["user_id"])

	s, err := h.registry.Get(frames[0]["session_id"].(string))
	require.NoError(t, err)
	assert.True(t, s.Authenticated)
}

func TestServeWS_ConcurrentSessionsIsolated(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	conns := make([]*websocket.Conn, 5)
	for i := range conns {
		conns[i] = h.dial(t, "/ws/chat")
		readUntil(t, conns[i], "session_created")
	}
	for _, conn := range conns {
		send(t, conn, userMessage("m1", "Tell me about football"))
	}
	for _, conn := range conns {
		frames := readUntil(t, conn, "streaming_end")
		assert.Len(t, ofType(frames, "streaming_start"), 1)
		assert.Empty(t, ofType(frames, "error"))
	}
	require.NoError(t, h.ws.Wait(context.Background()))
	assert.Equal(t, int32(5), h.generator.calls.Load())
}

func TestChatHandler_SendMessageAndHistory(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	client := testutil.NewTestClient(h.server)

	resp, err := client.Post(h.server.URL+"/api/v1/chat", "application/json",
		strings.NewReader(`{"message":"hello","session_id":"http-1"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = client.Post(h.server.URL+"/api/v1/chat", "application/json", strings.NewReader(`{"message":""}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = client.Get(h.server.URL + "/api/v1/chat/history/http-1?limit=1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = client.Get(h.server.URL + "/api/v1/chat/history/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServeWS_SubscribeSportsUpdates(t *testing.T) {
	h := newHarness(t, harnessOptions{updates: true})
	conn := h.dial(t, "/ws/chat/s-sub?user_id=u1")
	ack := readFrame(t, conn)
	assert.Contains(t, ack["supported_features"], "sports_updates")
	readUntil(t, conn, "session_created")

	send(t, conn, map[string]any{"type": "subscribe", "scope": "user", "competitions": []string{"17"}})
	f := readFrame(t, conn)
	assert.Equal(t, "subscription_updated", f["type"])
	assert.Equal(t, true, f["subscribed"])
	assert.Equal(t, "user", f["scope"])
	assert.Equal(t, []any{"17"}, f["competitions"])
	assert.True(t, h.updates.Subscribed("s-sub"))

	send(t, conn, map[string]any{"type": "subscribe", "scope": "galaxy"})
	f = readFrame(t, conn)
	assert.Equal(t, "error", f["type"])
	assert.Equal(t, "INVALID_MESSAGE_FORMAT", f["error_code"])

	send(t, conn, map[string]any{"type": "unsubscribe"})
	f = readFrame(t, conn)
	assert.Equal(t, "subscription_updated", f["type"])
	assert.Equal(t, false, f["subscribed"])
	assert.False(t, h.updates.Subscribed("s-sub"))
}

func TestServeWS_UserScopeNeedsIdentity(t *testing.T) {
	h := newHarness(t, harnessOptions{updates: true})
	conn := h.dial(t, "/ws/chat/anon")
	readUntil(t, conn, "session_created")

	send(t, conn, map[string]any{"type": "subscribe", "scope": "user"})
	f := readFrame(t, conn)
	assert.Equal(t, "error", f["type"])
	assert.Equal(t, "INVALID_MESSAGE_FORMAT", f["error_code"])
	assert.False(t, h.updates.Subscribed("anon"))
}

func TestServeWS_SubscriptionDroppedOnDisconnect(t *testing.T) {
	h := newHarness(t, harnessOptions{updates: true})
	conn := h.dial(t, "/ws/chat/s-drop")
	readUntil(t, conn, "session_created")

	send(t, conn, map[string]any{"type": "subscribe"})
	assert.Equal(t, "session", readFrame(t, conn)["scope"])
	require.True(t, h.updates.Subscribed("s-drop"))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return !h.updates.Subscribed("s-drop") }, 2*time.Second, 10*time.Millisecond)
}

func TestServeWS_SubscribeWithoutUpdatesIsUnknown(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	conn := h.dial(t, "/ws/chat/s-off")
	readUntil(t, conn, "session_created")

	send(t, conn, map[string]any{"type": "subscribe"})
	f := readFrame(t, conn)
	assert.Equal(t, "error", f["type"])
	assert.Equal(t, "UNKNOWN_MESSAGE_TYPE", f["error_code"])
}
