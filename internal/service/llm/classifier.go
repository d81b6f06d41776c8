package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ashwinyue/chatbet/internal/model"
	ecomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/kaptinlin/jsonrepair"
)

// Classifier 意图分类
type Classifier interface {
	Classify(ctx context.Context, text string) (model.Classification, error)
}

// ========== LLMClassifier ==========

// LLMClassifier 使用 ChatModel 输出 JSON 分类结果
type LLMClassifier struct {
	chat   ecomodel.BaseChatModel
	logger *slog.Logger
}

// NewLLMClassifier 创建模型分类器
func NewLLMClassifier(chat ecomodel.BaseChatModel, logger *slog.Logger) *LLMClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMClassifier{chat: chat, logger: logger}
}

// Classify 分类，模型或解析失败返回错误，由调用方兜底
func (c *LLMClassifier) Classify(ctx context.Context, text string) (model.Classification, error) {
	resp, err := c.chat.Generate(ctx, []*schema.Message{
		schema.SystemMessage(IntentPrompt),
		schema.UserMessage(fmt.Sprintf("Classify this message: '%s'", text)),
	})
	if err != nil {
		return model.Classification{}, fmt.Errorf("classify intent: %w", err)
	}

	result, err := parseClassification(resp.Content)
	if err != nil {
		c.logger.Warn("intent output not parseable", "output", truncate(resp.Content, 200), "error", err)
		return model.Classification{}, err
	}
	return result, nil
}

type classificationOutput struct {
	Intent     string         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Entities   map[string]any `json:"entities"`
	Reasoning  string         `json:"reasoning"`
}

// parseClassification 解析模型输出，容忍代码块与轻微格式错误
func parseClassification(raw string) (model.Classification, error) {
	s := stripFence(raw)
	if i, j := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}'); i >= 0 && j > i {
		s = s[i : j+1]
	}
	if !json.Valid([]byte(s)) {
		repaired, err := jsonrepair.JSONRepair(s)
		if err != nil {
			return model.Classification{}, fmt.Errorf("repair classification json: %w", err)
		}
		s = repaired
	}

	var out classificationOutput
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return model.Classification{}, fmt.Errorf("decode classification: %w", err)
	}

	conf := out.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	if out.Entities == nil {
		out.Entities = map[string]any{}
	}
	return model.Classification{
		Intent:     model.ParseIntent(out.Intent),
		Confidence: conf,
		Entities:   out.Entities,
		Reasoning:  out.Reasoning,
	}, nil
}

// ========== RuleClassifier ==========

type rule struct {
	intent   model.Intent
	keywords []string
}

// 按顺序匹配，靠前的规则优先
var rules = []rule{
	{model.IntentGreeting, []string{"hello", "hi ", "hey", "good morning", "good evening", "hola"}},
	{model.IntentHelp, []string{"help", "what can you do", "how does this work"}},
	{model.IntentBalanceQuery, []string{"balance", "my money", "my account", "afford"}},
	{model.IntentBetSimulation, []string{"place a bet", "i want to bet", "simulate", "if i bet", "bet $"}},
	{model.IntentRecommendation, []string{"should i bet", "recommend", "best bet", " tip", "advice", "who will win"}},
	{model.IntentOddsInformation, []string{"odds", "price", "pays", "payout"}},
	{model.IntentTeamComparison, []string{" vs ", " versus ", "compare", "better"}},
	{model.IntentMatchSchedule, []string{"when", "schedule", "fixture", "play next", "playing", "matches", "today", "tomorrow"}},
	{model.IntentGeneralSports, []string{"football", "soccer", "league", "cup", "team", "player", "goal"}},
}

var versusPattern = regexp.MustCompile(`(?i)^\s*(.+?)\s+(?:vs\.?|versus)\s+(.+?)[?.!]*\s*$`)

// RuleClassifier 关键字分类，未配置模型时使用
type RuleClassifier struct {
	teams []string
}

// NewRuleClassifier 创建规则分类器，teams 用于提取球队实体
func NewRuleClassifier(teams ...string) *RuleClassifier {
	if len(teams) == 0 {
		teams = defaultTeams
	}
	return &RuleClassifier{teams: teams}
}

var defaultTeams = []string{
	"Barcelona", "Real Madrid", "Atletico Madrid", "Sevilla",
	"Manchester United", "Manchester City", "Liverpool", "Chelsea", "Arsenal",
	"Bayern", "Juventus", "Inter Milan", "AC Milan", "PSG",
}

// Classify 关键字匹配，永不返回错误
func (c *RuleClassifier) Classify(_ context.Context, text string) (model.Classification, error) {
	lower := " " + strings.ToLower(strings.TrimSpace(text)) + " "
	entities := c.entities(text)

	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return model.Classification{
					Intent:     r.intent,
					Confidence: 0.6,
					Entities:   entities,
					Reasoning:  "keyword: " + strings.TrimSpace(kw),
				}, nil
			}
		}
	}
	if len(entities) > 0 {
		return model.Classification{Intent: model.IntentGeneralSports, Confidence: 0.4, Entities: entities}, nil
	}
	return model.UnclearClassification(), nil
}

func (c *RuleClassifier) entities(text string) map[string]any {
	lower := strings.ToLower(text)
	var found []string
	for _, team := range c.teams {
		if strings.Contains(lower, strings.ToLower(team)) {
			found = append(found, team)
		}
	}

	entities := map[string]any{}
	switch {
	case len(found) == 1:
		entities["team_name"] = found[0]
	case len(found) > 1:
		entities["teams"] = found
	}
	if len(found) == 0 {
		if m := versusPattern.FindStringSubmatch(text); m != nil {
			entities["teams"] = []string{strings.TrimSpace(m[1]), strings.TrimSpace(m[2])}
		}
	}
	return entities
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
