package conversation

import (
	"strings"

	"github.com/ashwinyue/chatbet/internal/model"
)

// 固定文案
const (
	emptyFallbackText = "I apologize, but I'm having trouble generating a response right now. Please try asking your question again."
	errorText         = "I apologize, but I encountered an error processing your request. Please try again."
	signInText        = "To check your balance, you'll need to sign in first. Would you like me to help you with that?"
	retrievedPrefix   = "Based on the data I retrieved:\n"
)

const helpText = `I'm ChatBet Assistant, your sports betting companion! Here's what I can help you with:

🏆 **Match Information**
- "When does Barcelona play?"
- "What matches are on this weekend?"
- "Show me Premier League fixtures"

💰 **Betting Odds & Analysis**
- "What are the odds for Real Madrid vs Barcelona?"
- "Which team has better odds today?"
- "Explain these betting odds to me"

🎯 **Betting Recommendations**
- "What's a good bet for tonight?"
- "Should I bet on the over or under?"
- "Give me a safe betting tip"

⚖️ **Team Comparisons**
- "Compare Barcelona vs Real Madrid"
- "Who's the favorite in this match?"
- "Which team has better form?"

📊 **Account & Betting**
- "What's my balance?" (requires sign-in)
- "Help me place a bet"
- "Calculate my potential winnings"

Just ask me anything about sports betting, and I'll help you make informed decisions! Remember, I always promote responsible gambling.`

var errorSuggestions = []string{"Try rephrasing your question", "Ask for help"}

// strategy 单个意图的回答方式
type strategy struct {
	name  string
	hints []string
	// 有球队实体时预取该队赛程
	prefetchTeam bool
	requireAuth  bool
	// 不调用模型，直接返回
	static string
	// 通用策略直接流式输出模型 token
	streamTokens bool
}

var generalStrategy = strategy{name: "general", streamTokens: true}

// strategies 意图分派表，未列出的意图走通用策略
var strategies = map[model.Intent]strategy{
	model.IntentMatchSchedule: {
		name:         "schedule",
		hints:        []string{"Focus on match dates, kick-off times and tournaments"},
		prefetchTeam: true,
	},
	model.IntentOddsInformation: {
		name:  "odds",
		hints: []string{"Explain what the odds mean, including the implied probability and potential payout"},
	},
	model.IntentRecommendation: {
		name: "recommendation",
		hints: []string{
			"Include a clear responsible-gambling risk warning",
			"Explain the reasoning behind each recommendation",
		},
	},
	model.IntentTeamComparison: {
		name:  "comparison",
		hints: []string{"Include relevant statistics, recent form and head-to-head context"},
	},
	model.IntentBalanceQuery: {
		name:        "balance",
		hints:       []string{"The user is asking about their account balance"},
		requireAuth: true,
	},
	model.IntentBetSimulation: {
		name: "bet_simulation",
		hints: []string{
			"Show the potential payout calculation step by step",
			"Include a clear responsible-gambling risk warning",
		},
	},
	model.IntentGreeting: {
		name:  "greeting",
		hints: []string{"Greet the user briefly and describe what you can help with"},
	},
	model.IntentHelp: {
		name:   "help",
		static: helpText,
	},
}

func strategyFor(intent model.Intent) strategy {
	if s, ok := strategies[intent]; ok {
		return s
	}
	return generalStrategy
}

// ========== 推荐操作 ==========

var defaultSuggestions = []string{
	"Ask about match schedules",
	"Get betting recommendations",
	"Check odds for popular teams",
}

var suggestionTable = map[model.Intent][]string{
	model.IntentMatchSchedule: {
		"Ask about specific teams",
		"Check betting odds for these matches",
		"Get tournament information",
	},
	model.IntentOddsInformation: {
		"Get betting recommendations",
		"Compare odds across matches",
		"Simulate a bet",
	},
	model.IntentRecommendation: {
		"Check your balance",
		"Simulate the recommended bet",
		"Ask for safer alternatives",
	},
	model.IntentTeamComparison: {
		"Check their upcoming matches",
		"See current betting odds",
		"Get head-to-head statistics",
	},
	model.IntentGreeting: {
		"Ask about today's matches",
		"Get betting recommendations",
		"Check your balance",
	},
	model.IntentHelp: {
		"Ask about specific teams",
		"Get today's best bets",
		"Learn about betting types",
	},
}

// SuggestedActions 意图对应的后续操作建议，返回副本
func SuggestedActions(intent model.Intent) []string {
	s, ok := suggestionTable[intent]
	if !ok {
		s = defaultSuggestions
	}
	return append([]string(nil), s...)
}

// ========== 实体 ==========

// teamsFrom 从 team_name / teams 实体中取出球队名
func teamsFrom(entities map[string]any) []string {
	var out []string
	add := func(v any) {
		if s, ok := v.(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}

	add(entities["team_name"])
	switch v := entities["teams"].(type) {
	case []string:
		for _, s := range v {
			add(s)
		}
	case []any:
		for _, s := range v {
			add(s)
		}
	case string:
		add(v)
	}
	return out
}

// mergeTeams 追加未出现过的球队，大小写不敏感
func mergeTeams(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, t := range existing {
		seen[strings.ToLower(t)] = true
	}
	for _, t := range add {
		key := strings.ToLower(t)
		if !seen[key] {
			seen[key] = true
			existing = append(existing, t)
		}
	}
	return existing
}
