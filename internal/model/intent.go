package model

import "strings"

// Intent 用户意图（封闭集合）
type Intent string

const (
	IntentMatchSchedule   Intent = "match_schedule_query"
	IntentOddsInformation Intent = "odds_information_query"
	IntentRecommendation  Intent = "betting_recommendation"
	IntentTeamComparison  Intent = "team_comparison"
	IntentBalanceQuery    Intent = "user_balance_query"
	IntentBetSimulation   Intent = "bet_simulation"
	IntentGeneralSports   Intent = "general_sports_query"
	IntentGreeting        Intent = "greeting"
	IntentHelp            Intent = "help_request"
	IntentUnclear         Intent = "unclear"
)

// AllIntents 所有合法意图
var AllIntents = []Intent{
	IntentMatchSchedule,
	IntentOddsInformation,
	IntentRecommendation,
	IntentTeamComparison,
	IntentBalanceQuery,
	IntentBetSimulation,
	IntentGeneralSports,
	IntentGreeting,
	IntentHelp,
	IntentUnclear,
}

// intentAliases 分类器可能返回的别名
var intentAliases = map[string]Intent{
	"match_inquiry":         IntentMatchSchedule,
	"team_schedule_query":   IntentMatchSchedule,
	"tournament_info_query": IntentMatchSchedule,
	"tournament_info":       IntentMatchSchedule,
	"odds_comparison":       IntentOddsInformation,
	"match_prediction":      IntentRecommendation,
	"general_betting_info":  IntentGeneralSports,
	"bet_history_query":     IntentBalanceQuery,
}

// ParseIntent 解析意图字符串，大小写不敏感，未知值归为 IntentUnclear
func ParseIntent(s string) Intent {
	key := strings.ToLower(strings.TrimSpace(s))
	for _, in := range AllIntents {
		if string(in) == key {
			return in
		}
	}
	if in, ok := intentAliases[key]; ok {
		return in
	}
	return IntentUnclear
}

// Valid 是否为合法意图
func (i Intent) Valid() bool {
	for _, in := range AllIntents {
		if in == i {
			return true
		}
	}
	return false
}
