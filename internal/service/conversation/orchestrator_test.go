package conversation

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashwinyue/chatbet/internal/model"
	"github.com/ashwinyue/chatbet/internal/service/llm"
	"github.com/ashwinyue/chatbet/internal/service/session"
	"github.com/ashwinyue/chatbet/internal/service/streaming"
	"github.com/ashwinyue/chatbet/internal/testutil"
	ecomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ========== fakes ==========

type classifierFunc func(ctx context.Context, text string) (model.Classification, error)

func (f classifierFunc) Classify(ctx context.Context, text string) (model.Classification, error) {
	return f(ctx, text)
}

func fixedIntent(intent model.Intent, entities map[string]any) llm.Classifier {
	return classifierFunc(func(context.Context, string) (model.Classification, error) {
		if entities == nil {
			entities = map[string]any{}
		}
		return model.Classification{Intent: intent, Confidence: 0.9, Entities: entities}, nil
	})
}

// fakeGenerator 记录输入，返回固定结果
type fakeGenerator struct {
	mu        sync.Mutex
	text      string
	toolCalls []string
	err       error
	tokens    []string
	streamErr error
	block     chan struct{}
	inputs    [][]*schema.Message
}

func (g *fakeGenerator) Generate(_ context.Context, msgs []*schema.Message, _ bool) (llm.Generation, error) {
	g.mu.Lock()
	g.inputs = append(g.inputs, msgs)
	block := g.block
	g.mu.Unlock()
	if block != nil {
		<-block
	}
	if g.err != nil {
		return llm.Generation{}, g.err
	}
	return llm.Generation{Text: g.text, ToolCalls: g.toolCalls}, nil
}

func (g *fakeGenerator) Stream(_ context.Context, msgs []*schema.Message) (streaming.TokenSource, error) {
	g.mu.Lock()
	g.inputs = append(g.inputs, msgs)
	g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return &scriptedSource{tokens: g.tokens, err: g.streamErr}, nil
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inputs)
}

func (g *fakeGenerator) lastSystem() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.inputs) == 0 {
		return ""
	}
	return g.inputs[len(g.inputs)-1][0].Content
}

type scriptedSource struct {
	tokens []string
	err    error
	pos    int
}

func (s *scriptedSource) Recv() (string, error) {
	if s.pos < len(s.tokens) {
		s.pos++
		return s.tokens[s.pos-1], nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *scriptedSource) Close() {}

type fakeSports struct {
	fixtures []model.Fixture
	err      error
	teams    []string
}

func (f *fakeSports) SearchTeamMatches(_ context.Context, team string) ([]model.Fixture, int, error) {
	f.teams = append(f.teams, team)
	return f.fixtures, len(f.fixtures), f.err
}

// frameSink 记录推送的帧
type frameSink struct {
	mu     sync.Mutex
	frames []any
}

func (s *frameSink) Send(_ string, frame any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return true
}

func (s *frameSink) ofType(t model.FrameType) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []any
	for _, f := range s.frames {
		if f.(model.Frame).FrameKind() == t {
			out = append(out, f)
		}
	}
	return out
}

func newOrchestrator(t *testing.T, c llm.Classifier, g llm.Generator, opts Options) (*Orchestrator, *session.MemoryStore) {
	t.Helper()
	store := session.NewMemoryStore()
	opts.Logger = testutil.DiscardLogger()
	o, err := New(store, c, g, opts)
	require.NoError(t, err)
	return o, store
}

// ========== StartOrResume ==========

func TestStartOrResume_Idempotent(t *testing.T) {
	o, store := newOrchestrator(t, fixedIntent(model.IntentGreeting, nil), &fakeGenerator{}, Options{})
	ctx := context.Background()

	conv, created, err := o.StartOrResume(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "u1", conv.UserID())

	again, created, err := o.StartOrResume(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, conv, again)

	minted, created, err := o.StartOrResume(ctx, "", "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, "s1", minted.ID)
	assert.Equal(t, 2, store.Len())
}

func TestStartOrResume_ConcurrentCreatesOnce(t *testing.T) {
	o, store := newOrchestrator(t, fixedIntent(model.IntentGreeting, nil), &fakeGenerator{}, Options{})

	var (
		wg      sync.WaitGroup
		created atomic.Int32
		convs   sync.Map
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, isNew, err := o.StartOrResume(context.Background(), "u1", "shared")
			assert.NoError(t, err)
			if isNew {
				created.Add(1)
			}
			convs.Store(i, conv)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, 1, store.Len())
	first, _ := convs.Load(0)
	convs.Range(func(_, v any) bool {
		assert.Same(t, first, v)
		return true
	})
}

// ========== ProcessMessage ==========

func TestProcessMessage_Odds(t *testing.T) {
	gen := &fakeGenerator{text: "Barcelona are 2.10 to win.", toolCalls: []string{llm.ToolGetOdds}}
	o, store := newOrchestrator(t, fixedIntent(model.IntentOddsInformation, map[string]any{"team_name": "Barcelona"}), gen, Options{})

	resp := o.ProcessMessage(context.Background(), model.ChatRequest{Message: "Odds for Barcelona?", SessionID: "s1", UserID: "u1"})

	assert.Equal(t, "Barcelona are 2.10 to win.", resp.Message)
	assert.Equal(t, "s1", resp.SessionID)
	assert.NotEmpty(t, resp.MessageID)
	assert.Equal(t, model.IntentOddsInformation, resp.DetectedIntent)
	assert.InDelta(t, 0.9, resp.IntentConfidence, 1e-9)
	assert.Equal(t, []string{llm.ToolGetOdds}, resp.FunctionCallsMade)
	assert.Equal(t, SuggestedActions(model.IntentOddsInformation), resp.SuggestedActions)
	assert.Contains(t, gen.lastSystem(), "implied probability")

	conv, ok, _ := store.Get(context.Background(), "s1")
	require.True(t, ok)
	msgs := conv.RecentMessages(0)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	require.NotNil(t, msgs[0].DetectedIntent)
	assert.Equal(t, model.IntentOddsInformation, *msgs[0].DetectedIntent)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, resp.MessageID, msgs[1].ID)
	assert.Equal(t, []string{"Barcelona"}, conv.Snapshot().MentionedTeams)
	assert.Equal(t, string(model.IntentOddsInformation), conv.Snapshot().CurrentTopic)
}

func TestProcessMessage_NeverEmpty(t *testing.T) {
	for _, text := range []string{"", "   \n\t"} {
		o, _ := newOrchestrator(t, fixedIntent(model.IntentGeneralSports, nil), &fakeGenerator{text: text}, Options{})
		resp := o.ProcessMessage(context.Background(), model.ChatRequest{Message: "Who won the cup?"})
		assert.Equal(t, emptyFallbackText, resp.Message)
		assert.NotEmpty(t, resp.SessionID)
	}
}

func TestProcessMessage_GenerationError(t *testing.T) {
	o, store := newOrchestrator(t, fixedIntent(model.IntentRecommendation, nil), &fakeGenerator{err: errors.New("rate limited")}, Options{})

	resp := o.ProcessMessage(context.Background(), model.ChatRequest{Message: "What should I bet on?", SessionID: "s1"})

	assert.Equal(t, errorText, resp.Message)
	assert.Equal(t, model.IntentUnclear, resp.DetectedIntent)
	assert.Zero(t, resp.IntentConfidence)
	assert.Equal(t, []string{"Try rephrasing your question", "Ask for help"}, resp.SuggestedActions)
	assert.Equal(t, "s1", resp.SessionID)

	conv, _, _ := store.Get(context.Background(), "s1")
	assert.Equal(t, 1, conv.MessageCount())
}

// chatModel 第 n 次调用开始失败
type chatModel struct {
	calls  atomic.Int32
	failAt int32
}

func (m *chatModel) Generate(_ context.Context, _ []*schema.Message, _ ...ecomodel.Option) (*schema.Message, error) {
	if m.calls.Add(1) >= m.failAt {
		return nil, errors.New("model unavailable")
	}
	return schema.AssistantMessage(`{"intent":"greeting","confidence":0.95}`, nil), nil
}

func (m *chatModel) Stream(context.Context, []*schema.Message, ...ecomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not supported")
}

func (m *chatModel) WithTools([]*schema.ToolInfo) (ecomodel.ToolCallingChatModel, error) {
	return m, nil
}

func TestProcessMessage_ModelFailsOnSecondCall(t *testing.T) {
	cm := &chatModel{failAt: 2}
	gen, err := llm.NewToolGenerator(context.Background(), cm, nil, testutil.DiscardLogger())
	require.NoError(t, err)
	o, _ := newOrchestrator(t, llm.NewLLMClassifier(cm, testutil.DiscardLogger()), gen, Options{})

	resp := o.ProcessMessage(context.Background(), model.ChatRequest{Message: "Hello!"})

	assert.Equal(t, int32(2), cm.calls.Load())
	assert.Equal(t, errorText, resp.Message)
	assert.Equal(t, model.IntentUnclear, resp.DetectedIntent)
	assert.Zero(t, resp.IntentConfidence)
}

func TestProcessMessage_ClassifierErrorFallsBack(t *testing.T) {
	gen := &fakeGenerator{text: "Happy to help."}
	c := classifierFunc(func(context.Context, string) (model.Classification, error) {
		return model.Classification{}, errors.New("bad json")
	})
	o, _ := newOrchestrator(t, c, gen, Options{})

	resp := o.ProcessMessage(context.Background(), model.ChatRequest{Message: "???"})
	assert.Equal(t, "Happy to help.", resp.Message)
	assert.Equal(t, model.IntentUnclear, resp.DetectedIntent)
	assert.Zero(t, resp.IntentConfidence)
	assert.Equal(t, defaultSuggestions, resp.SuggestedActions)
}

func TestProcessMessage_StaticReplies(t *testing.T) {
	t.Run("help", func(t *testing.T) {
		gen := &fakeGenerator{text: "unused"}
		o, _ := newOrchestrator(t, fixedIntent(model.IntentHelp, nil), gen, Options{})
		resp := o.ProcessMessage(context.Background(), model.ChatRequest{Message: "help"})
		assert.Equal(t, helpText, resp.Message)
		assert.Zero(t, gen.calls())
	})

	t.Run("balance requires sign in", func(t *testing.T) {
		gen := &fakeGenerator{text: "Your balance is $120."}
		o, _ := newOrchestrator(t, fixedIntent(model.IntentBalanceQuery, nil), gen, Options{})

		resp := o.ProcessMessage(context.Background(), model.ChatRequest{Message: "balance?", SessionID: "s1"})
		assert.Equal(t, signInText, resp.Message)
		assert.Zero(t, gen.calls())

		resp = o.ProcessMessage(context.Background(), model.ChatRequest{Message: "balance?", SessionID: "s1", Authenticated: true})
		assert.Equal(t, "Your balance is $120.", resp.Message)
		assert.Equal(t, 1, gen.calls())
		assert.Contains(t, gen.lastSystem(), "User is authenticated")
	})
}

func TestProcessMessage_SchedulePrefetch(t *testing.T) {
	fixtures := []model.Fixture{{ID: "f1", StartTime: "2025-03-01T18:00:00Z",
		HomeCompetitor: model.Competitor{Name: "Barcelona"}, AwayCompetitor: model.Competitor{Name: "Sevilla"}}}
	entities := map[string]any{"team_name": "Barcelona"}

	t.Run("data injected", func(t *testing.T) {
		sports := &fakeSports{fixtures: fixtures}
		gen := &fakeGenerator{text: "Barcelona play Sevilla on March 1st."}
		o, _ := newOrchestrator(t, fixedIntent(model.IntentMatchSchedule, entities), gen, Options{Sports: sports})

		resp := o.ProcessMessage(context.Background(), model.ChatRequest{Message: "When does Barcelona play?"})
		assert.Equal(t, []string{"Barcelona"}, sports.teams)
		assert.Contains(t, resp.FunctionCallsMade, llm.ToolSearchTeamMatches)
		assert.Contains(t, gen.lastSystem(), retrievedPrefix)
		assert.Contains(t, gen.lastSystem(), `"f1"`)
	})

	t.Run("degrades on error", func(t *testing.T) {
		sports := &fakeSports{err: errors.New("circuit open")}
		gen := &fakeGenerator{text: "Schedule data is unavailable right now."}
		o, _ := newOrchestrator(t, fixedIntent(model.IntentMatchSchedule, entities), gen, Options{Sports: sports})

		resp := o.ProcessMessage(context.Background(), model.ChatRequest{Message: "When does Barcelona play?"})
		assert.Equal(t, "Schedule data is unavailable right now.", resp.Message)
		assert.Contains(t, gen.lastSystem(), llm.DataUnavailableHint())
		assert.NotContains(t, gen.lastSystem(), retrievedPrefix)
	})
}

func TestProcessMessage_HistoryWindow(t *testing.T) {
	gen := &fakeGenerator{text: "ok"}
	o, _ := newOrchestrator(t, fixedIntent(model.IntentGeneralSports, nil), gen, Options{MaxHistory: 4})

	for i := 0; i < 5; i++ {
		o.ProcessMessage(context.Background(), model.ChatRequest{Message: "question", SessionID: "s1"})
	}

	gen.mu.Lock()
	last := gen.inputs[len(gen.inputs)-1]
	gen.mu.Unlock()
	// system + 最近 4 条
	require.Len(t, last, 5)
	assert.Equal(t, schema.User, last[len(last)-1].Role)
}

// ========== ProcessMessageStream ==========

func TestProcessMessageStream_General(t *testing.T) {
	gen := &fakeGenerator{tokens: []string{"Football ", "is ", "played ", "by ", "two ", "teams ", "of ", "eleven."}}
	o, store := newOrchestrator(t, fixedIntent(model.IntentGeneralSports, nil), gen, Options{})
	sink := &frameSink{}
	pipeline := streaming.NewPipeline(sink, streaming.Config{ChunkWords: 3}, testutil.DiscardLogger())

	resp, err := o.ProcessMessageStream(context.Background(), model.ChatRequest{Message: "What is football?", SessionID: "s1"}, pipeline)
	require.NoError(t, err)
	assert.Equal(t, "Football is played by two teams of eleven.", resp.Message)

	chunks := sink.ofType(model.FrameStreamingResponse)
	require.NotEmpty(t, chunks)
	var joined strings.Builder
	for i, c := range chunks {
		r := c.(*model.StreamingResponse)
		assert.Equal(t, i, r.ChunkIndex)
		assert.Equal(t, i == len(chunks)-1, r.IsFinal)
		assert.Equal(t, resp.MessageID, r.MessageID)
		joined.WriteString(r.Content)
	}

	ends := sink.ofType(model.FrameStreamingEnd)
	require.Len(t, ends, 1)
	end := ends[0].(*model.StreamingEnd)
	assert.Equal(t, joined.String(), end.FinalContent)
	assert.Equal(t, len(chunks), end.TotalChunks)
	assert.Equal(t, SuggestedActions(model.IntentGeneralSports), end.SuggestedActions)

	conv, _, _ := store.Get(context.Background(), "s1")
	msgs := conv.RecentMessages(0)
	require.Len(t, msgs, 2)
	assert.Equal(t, end.FinalContent, msgs[1].Content)
	assert.Equal(t, resp.MessageID, msgs[1].ID)
}

func TestProcessMessageStream_ToolStrategyChunksText(t *testing.T) {
	gen := &fakeGenerator{text: "Barcelona are 2.10, Sevilla 3.40 and the draw 3.20."}
	o, _ := newOrchestrator(t, fixedIntent(model.IntentOddsInformation, nil), gen, Options{})
	sink := &frameSink{}
	pipeline := streaming.NewPipeline(sink, streaming.Config{}, testutil.DiscardLogger())

	resp, err := o.ProcessMessageStream(context.Background(), model.ChatRequest{Message: "odds?", SessionID: "s1"}, pipeline)
	require.NoError(t, err)
	assert.Equal(t, gen.text, resp.Message)
	assert.Greater(t, len(sink.ofType(model.FrameStreamingResponse)), 1)
}

func TestProcessMessageStream_MidStreamFailure(t *testing.T) {
	gen := &fakeGenerator{tokens: []string{"Partial ", "answer ", "that ", "breaks "}, streamErr: errors.New("connection reset")}
	o, store := newOrchestrator(t, fixedIntent(model.IntentGeneralSports, nil), gen, Options{})
	sink := &frameSink{}
	pipeline := streaming.NewPipeline(sink, streaming.Config{ChunkWords: 1}, testutil.DiscardLogger())

	_, err := o.ProcessMessageStream(context.Background(), model.ChatRequest{Message: "tell me", SessionID: "s1"}, pipeline)
	require.Error(t, err)

	errs := sink.ofType(model.FrameError)
	require.Len(t, errs, 1)
	assert.Equal(t, model.ErrCodeLLMStreaming, errs[0].(*model.ErrorFrame).ErrorCode)
	assert.Empty(t, sink.ofType(model.FrameStreamingEnd))

	conv, _, _ := store.Get(context.Background(), "s1")
	assert.Equal(t, 1, conv.MessageCount())
	assert.Equal(t, streaming.StateIdle, pipeline.State("s1"))
}

func TestProcessMessageStream_FailureBeforeBeginStreamsApology(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("quota exceeded")}
	o, _ := newOrchestrator(t, fixedIntent(model.IntentRecommendation, nil), gen, Options{})
	sink := &frameSink{}
	pipeline := streaming.NewPipeline(sink, streaming.Config{}, testutil.DiscardLogger())

	resp, err := o.ProcessMessageStream(context.Background(), model.ChatRequest{Message: "tip?", SessionID: "s1"}, pipeline)
	require.NoError(t, err)
	assert.Equal(t, errorText, resp.Message)
	assert.Equal(t, model.IntentUnclear, resp.DetectedIntent)

	ends := sink.ofType(model.FrameStreamingEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, errorText, ends[0].(*model.StreamingEnd).FinalContent)
}

func TestProcessMessageStream_EmptyStreamUsesFallback(t *testing.T) {
	gen := &fakeGenerator{tokens: []string{" ", "\n"}}
	o, _ := newOrchestrator(t, fixedIntent(model.IntentGeneralSports, nil), gen, Options{})
	sink := &frameSink{}
	pipeline := streaming.NewPipeline(sink, streaming.Config{}, testutil.DiscardLogger())

	resp, err := o.ProcessMessageStream(context.Background(), model.ChatRequest{Message: "?", SessionID: "s1"}, pipeline)
	require.NoError(t, err)
	assert.Contains(t, resp.Message, emptyFallbackText)
}

// ========== 历史 ==========

func TestClearHistory_InFlightDoesNotResurrect(t *testing.T) {
	gen := &fakeGenerator{text: "late answer", block: make(chan struct{})}
	o, store := newOrchestrator(t, fixedIntent(model.IntentGeneralSports, nil), gen, Options{})

	done := make(chan model.ChatResponse)
	go func() {
		done <- o.ProcessMessage(context.Background(), model.ChatRequest{Message: "slow question", SessionID: "s1"})
	}()
	require.Eventually(t, func() bool { return gen.calls() == 1 }, time.Second, time.Millisecond)

	cleared, err := o.ClearHistory(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, cleared)

	close(gen.block)
	resp := <-done
	assert.Equal(t, "late answer", resp.Message)

	_, ok, _ := store.Get(context.Background(), "s1")
	assert.False(t, ok)

	cleared, err = o.ClearHistory(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, cleared)
}

func TestHistoryAndUserClear(t *testing.T) {
	o, store := newOrchestrator(t, fixedIntent(model.IntentGeneralSports, nil), &fakeGenerator{text: "ok"}, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		o.ProcessMessage(ctx, model.ChatRequest{Message: "q", SessionID: "a", UserID: "u1"})
	}
	o.ProcessMessage(ctx, model.ChatRequest{Message: "q", SessionID: "b", UserID: "u1"})
	o.ProcessMessage(ctx, model.ChatRequest{Message: "q", SessionID: "c", UserID: "u2"})

	page, ok := o.History(ctx, "a", 2, 1)
	require.True(t, ok)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, model.RoleAssistant, page.Messages[0].Role)

	_, ok = o.History(ctx, "missing", 10, 0)
	assert.False(t, ok)

	stats := o.Stats()
	assert.Equal(t, 3, stats.TotalConversations)
	assert.Equal(t, 3, stats.ActiveSessions)
	assert.Equal(t, int64(5), stats.TotalResponses)

	n, err := o.ClearUserHistory(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, 1, o.Stats().ActiveSessions)
}

func TestSuggestedActions(t *testing.T) {
	assert.Equal(t, defaultSuggestions, SuggestedActions(model.IntentUnclear))
	assert.Equal(t, defaultSuggestions, SuggestedActions(model.IntentBetSimulation))

	s := SuggestedActions(model.IntentGreeting)
	require.Len(t, s, 3)
	s[0] = "mutated"
	assert.Equal(t, "Ask about today's matches", SuggestedActions(model.IntentGreeting)[0])
}

func TestTeamsFrom(t *testing.T) {
	assert.Equal(t, []string{"Barcelona"}, teamsFrom(map[string]any{"team_name": "Barcelona"}))
	assert.Equal(t, []string{"A", "B"}, teamsFrom(map[string]any{"teams": []any{"A", " ", "B"}}))
	assert.Empty(t, teamsFrom(map[string]any{"amount": 50}))
	assert.Equal(t, []string{"Real", "Barcelona"}, mergeTeams([]string{"Real"}, []string{"real", "Barcelona"}))
}
