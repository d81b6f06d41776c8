package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashwinyue/chatbet/internal/model"
	"github.com/ashwinyue/chatbet/internal/service/streaming"
	ecomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

// 单次回答最多的工具调用轮数
const maxToolRounds = 3

// Generation 生成结果
type Generation struct {
	Text      string
	ToolCalls []string
}

// Generator 回答生成
type Generator interface {
	Generate(ctx context.Context, messages []*schema.Message, useTools bool) (Generation, error)
	Stream(ctx context.Context, messages []*schema.Message) (streaming.TokenSource, error)
}

// ToolGenerator 基于 eino ChatModel 的生成器，支持多轮工具调用
type ToolGenerator struct {
	chat      ecomodel.ToolCallingChatModel
	withTools ecomodel.ToolCallingChatModel
	tools     *compose.ToolsNode
	logger    *slog.Logger
}

// NewToolGenerator 创建生成器，tools 为空时只做纯文本生成
func NewToolGenerator(ctx context.Context, chat ecomodel.ToolCallingChatModel, tools []tool.BaseTool, logger *slog.Logger) (*ToolGenerator, error) {
	if chat == nil {
		return nil, ErrModelUnavailable
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &ToolGenerator{chat: chat, logger: logger}
	if len(tools) == 0 {
		return g, nil
	}

	infos := make([]*schema.ToolInfo, 0, len(tools))
	for _, t := range tools {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool info: %w", err)
		}
		infos = append(infos, info)
	}

	withTools, err := chat.WithTools(infos)
	if err != nil {
		return nil, fmt.Errorf("bind tools: %w", err)
	}

	node, err := compose.NewToolNode(ctx, &compose.ToolsNodeConfig{
		Tools: tools,
		UnknownToolsHandler: func(ctx context.Context, name, input string) (string, error) {
			return statusJSON("error", "Unknown tool: "+name, "Use one of the listed tools"), nil
		},
		ToolCallMiddlewares: []compose.ToolMiddleware{
			jsonFixMiddleware(),
			toolErrorMiddleware(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create tools node: %w", err)
	}

	g.withTools = withTools
	g.tools = node
	return g, nil
}

// Generate 生成完整回答；useTools 时模型可调用工具，最多 maxToolRounds 轮
func (g *ToolGenerator) Generate(ctx context.Context, messages []*schema.Message, useTools bool) (Generation, error) {
	msgs := append([]*schema.Message(nil), messages...)

	if !useTools || g.withTools == nil {
		resp, err := g.chat.Generate(ctx, msgs)
		if err != nil {
			return Generation{}, fmt.Errorf("generate: %w", err)
		}
		return Generation{Text: resp.Content}, nil
	}

	var calls []string
	for round := 0; round < maxToolRounds; round++ {
		resp, err := g.withTools.Generate(ctx, msgs)
		if err != nil {
			return Generation{}, fmt.Errorf("generate round %d: %w", round, err)
		}
		if len(resp.ToolCalls) == 0 {
			return Generation{Text: resp.Content, ToolCalls: calls}, nil
		}

		for _, tc := range resp.ToolCalls {
			calls = append(calls, tc.Function.Name)
		}
		g.logger.Debug("model requested tools", "round", round, "tools", len(resp.ToolCalls))

		results, err := g.tools.Invoke(ctx, resp)
		if err != nil {
			return Generation{}, fmt.Errorf("invoke tools: %w", err)
		}
		msgs = append(msgs, resp)
		msgs = append(msgs, results...)
	}

	// 工具轮数用尽，不再提供工具，要求模型直接回答
	resp, err := g.chat.Generate(ctx, msgs)
	if err != nil {
		return Generation{}, fmt.Errorf("generate final: %w", err)
	}
	return Generation{Text: resp.Content, ToolCalls: calls}, nil
}

// Stream 流式生成，不使用工具
func (g *ToolGenerator) Stream(ctx context.Context, messages []*schema.Message) (streaming.TokenSource, error) {
	sr, err := g.chat.Stream(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("stream: %w", err)
	}
	return &messageSource{sr: sr}, nil
}

// messageSource 把 eino 消息流适配为 token 流
type messageSource struct {
	sr *schema.StreamReader[*schema.Message]
}

func (s *messageSource) Recv() (string, error) {
	for {
		msg, err := s.sr.Recv()
		if err != nil {
			return "", err
		}
		if msg != nil && msg.Content != "" {
			return msg.Content, nil
		}
	}
}

func (s *messageSource) Close() {
	s.sr.Close()
}

// BuildMessages 系统提示词加最近的历史，history 的最后一条应为当前用户消息
func BuildMessages(system string, history []*model.ChatMessage) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(history)+1)
	msgs = append(msgs, schema.SystemMessage(system))
	for _, m := range history {
		switch m.Role {
		case model.RoleUser:
			msgs = append(msgs, schema.UserMessage(m.Content))
		case model.RoleAssistant:
			msgs = append(msgs, schema.AssistantMessage(m.Content, nil))
		}
	}
	return msgs
}

// OfflineText 未配置模型时的固定回复
const OfflineText = "The AI assistant is not configured right now, so I can only answer help and account questions. Please try again later."

// OfflineGenerator 未配置模型时使用
type OfflineGenerator struct{}

// Generate 返回固定回复
func (OfflineGenerator) Generate(context.Context, []*schema.Message, bool) (Generation, error) {
	return Generation{Text: OfflineText}, nil
}

// Stream 以固定回复作为 token 流
func (OfflineGenerator) Stream(context.Context, []*schema.Message) (streaming.TokenSource, error) {
	return streaming.NewTextSource(OfflineText), nil
}
