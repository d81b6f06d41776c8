package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashwinyue/chatbet/internal/model"
	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
)

// 工具名称
const (
	ToolGetTournaments    = "get_tournaments"
	ToolGetFixtures       = "get_fixtures"
	ToolGetLiveMatches    = "get_live_matches"
	ToolGetOdds           = "get_odds"
	ToolSearchTeamMatches = "search_team_matches"
	ToolWebSearch         = "web_search"
)

// 单次返回给模型的条数上限
const (
	maxToolTournaments = 10
	maxToolFixtures    = 15
	maxToolLive        = 10
	maxToolMarkets     = 3
)

// SportsData 工具依赖的体育数据接口
type SportsData interface {
	GetTournaments(ctx context.Context) ([]model.SportWithTournaments, error)
	GetFixtures(ctx context.Context, q model.FixtureQuery) (*model.FixturesResponse, error)
	GetOdds(ctx context.Context, q model.OddsQuery) (*model.MatchOdds, error)
	SearchTeamMatches(ctx context.Context, team string) ([]model.Fixture, int, error)
	ResolveTournamentID(ctx context.Context, input string) (string, bool, error)
}

type tournamentsInput struct{}

type fixturesInput struct {
	TournamentID string `json:"tournament_id,omitempty" jsonschema_description:"Optional tournament name (e.g. La Liga) or numeric ID (e.g. 545)"`
}

type oddsInput struct {
	SportID      string  `json:"sport_id,omitempty" jsonschema_description:"Sport ID, 1 for soccer"`
	TournamentID string  `json:"tournament_id" jsonschema_description:"Tournament ID of the match"`
	FixtureID    string  `json:"fixture_id" jsonschema_description:"Fixture ID of the match"`
	Amount       float64 `json:"amount,omitempty" jsonschema_description:"Stake used to calculate payouts, default 100"`
}

type teamInput struct {
	TeamName string `json:"team_name" jsonschema_description:"Name of the team to search for"`
}

// sportsTools 体育数据工具集
type sportsTools struct {
	data   SportsData
	logger *slog.Logger
}

// NewSportsTools 创建体育数据工具
func NewSportsTools(data SportsData, logger *slog.Logger) ([]tool.BaseTool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	st := &sportsTools{data: data, logger: logger}

	var tools []tool.BaseTool
	add := func(t tool.InvokableTool, err error) error {
		if err != nil {
			return err
		}
		tools = append(tools, t)
		return nil
	}

	if err := add(utils.InferTool(ToolGetTournaments,
		"Get the list of available sports tournaments and competitions with active fixtures.",
		st.getTournaments)); err != nil {
		return nil, fmt.Errorf("create %s tool: %w", ToolGetTournaments, err)
	}
	if err := add(utils.InferTool(ToolGetFixtures,
		"Get upcoming match fixtures, optionally filtered by tournament.",
		st.getFixtures)); err != nil {
		return nil, fmt.Errorf("create %s tool: %w", ToolGetFixtures, err)
	}
	if err := add(utils.InferTool(ToolGetLiveMatches,
		"Get currently live matches, optionally filtered by tournament.",
		st.getLiveMatches)); err != nil {
		return nil, fmt.Errorf("create %s tool: %w", ToolGetLiveMatches, err)
	}
	if err := add(utils.InferTool(ToolGetOdds,
		"Get betting odds for a specific match. Requires fixture_id and tournament_id from the fixtures list.",
		st.getOdds)); err != nil {
		return nil, fmt.Errorf("create %s tool: %w", ToolGetOdds, err)
	}
	if err := add(utils.InferTool(ToolSearchTeamMatches,
		"Search upcoming matches for a specific team.",
		st.searchTeamMatches)); err != nil {
		return nil, fmt.Errorf("create %s tool: %w", ToolSearchTeamMatches, err)
	}
	return tools, nil
}

func (st *sportsTools) getTournaments(ctx context.Context, _ *tournamentsInput) (any, error) {
	sports, err := st.data.GetTournaments(ctx)
	if err != nil {
		st.logger.Error("get tournaments failed", "error", err)
		return status("error", "Unable to retrieve tournaments: "+err.Error(), "Please try again later"), nil
	}
	if len(sports) == 0 {
		return status("no_tournaments", "No tournaments currently available", "Please try again later"), nil
	}
	if len(sports) > maxToolTournaments {
		sports = sports[:maxToolTournaments]
	}
	return sports, nil
}

func (st *sportsTools) getFixtures(ctx context.Context, in *fixturesInput) (any, error) {
	return st.fixtures(ctx, in.TournamentID, model.FixturePreMatch)
}

func (st *sportsTools) getLiveMatches(ctx context.Context, in *fixturesInput) (any, error) {
	return st.fixtures(ctx, in.TournamentID, model.FixtureLive)
}

func (st *sportsTools) fixtures(ctx context.Context, tournament string, typ model.FixtureType) (any, error) {
	var resolved string
	if tournament != "" {
		id, ok, err := st.data.ResolveTournamentID(ctx, tournament)
		if err != nil {
			return status("error", "Unable to resolve tournament: "+err.Error(), "Please try again later"), nil
		}
		if !ok {
			return status("invalid_tournament",
				fmt.Sprintf("Tournament '%s' not found or not available", tournament),
				"Try using a different tournament name or check available tournaments first"), nil
		}
		resolved = id
	}

	resp, err := st.data.GetFixtures(ctx, model.FixtureQuery{TournamentID: resolved, Type: typ})
	if err != nil {
		st.logger.Error("get fixtures failed", "type", typ, "error", err)
		return status("error", "Unable to retrieve fixtures: "+err.Error(), "Please try again later"), nil
	}

	limit := maxToolFixtures
	if typ == model.FixtureLive {
		limit = maxToolLive
	}
	if len(resp.Fixtures) == 0 {
		if typ == model.FixtureLive {
			scope := tournament
			if scope == "" {
				scope = "all tournaments"
			}
			return map[string]any{
				"status":        "no_live_matches",
				"message":       "No live matches currently ongoing for tournament " + scope,
				"suggestion":    "Check back later or try looking for upcoming fixtures",
				"total_results": resp.TotalResults,
			}, nil
		}
		msg := "No upcoming fixtures found"
		if tournament != "" {
			msg += " for tournament " + tournament
		}
		return status("no_fixtures", msg, "Try checking other tournaments or live matches"), nil
	}

	fixtures := resp.Fixtures
	if len(fixtures) > limit {
		fixtures = fixtures[:limit]
	}
	return fixtures, nil
}

// 市场展示名
var marketNames = []struct {
	key  string
	name string
}{
	{"result", "Match Result (1X2)"},
	{"over_under", "Over/Under"},
	{"both_teams_to_score", "Both Teams to Score"},
	{"double_chance", "Double Chance"},
	{"handicap", "Handicap"},
}

func (st *sportsTools) getOdds(ctx context.Context, in *oddsInput) (any, error) {
	if in.FixtureID == "" || in.TournamentID == "" {
		return status("missing_info",
			"To get betting odds, I need a specific match/fixture ID and tournament ID",
			"Please ask about odds for a specific match from the fixtures list"), nil
	}

	odds, err := st.data.GetOdds(ctx, model.OddsQuery{
		SportID:      in.SportID,
		TournamentID: in.TournamentID,
		FixtureID:    in.FixtureID,
		Amount:       in.Amount,
	})
	if err != nil {
		st.logger.Error("get odds failed", "fixture_id", in.FixtureID, "error", err)
		return status("error", "Unable to retrieve odds: "+err.Error(), "Please try again later"), nil
	}
	if odds == nil {
		return status("no_odds",
			"No betting odds available for fixture "+in.FixtureID,
			"This match might not have odds available yet, or betting might be suspended"), nil
	}

	var markets []map[string]any
	for _, m := range marketNames {
		if data, ok := odds.Markets[m.key]; ok {
			markets = append(markets, map[string]any{"market_name": m.name, "data": data})
		}
	}
	if len(markets) == 0 {
		return status("no_markets",
			"No betting markets available for fixture "+in.FixtureID,
			"This match might not have betting markets open yet"), nil
	}
	if len(markets) > maxToolMarkets {
		markets = markets[:maxToolMarkets]
	}
	return map[string]any{
		"fixture_id":  in.FixtureID,
		"status":      odds.Status,
		"main_market": odds.MainMarket,
		"markets":     markets,
	}, nil
}

func (st *sportsTools) searchTeamMatches(ctx context.Context, in *teamInput) (any, error) {
	matches, total, err := st.data.SearchTeamMatches(ctx, in.TeamName)
	if err != nil {
		st.logger.Error("search team matches failed", "team", in.TeamName, "error", err)
		return status("error",
			fmt.Sprintf("Unable to search for '%s' matches: %s", in.TeamName, err.Error()),
			"Please try again later or check the team name"), nil
	}
	if len(matches) == 0 {
		return map[string]any{
			"status":         "no_matches",
			"message":        fmt.Sprintf("No upcoming matches found for '%s'", in.TeamName),
			"suggestion":     fmt.Sprintf("The team '%s' might not have upcoming fixtures, or try checking the team name spelling", in.TeamName),
			"total_searched": total,
		}, nil
	}
	return matches, nil
}

func status(s, message, suggestion string) map[string]any {
	return map[string]any{"status": s, "message": message, "suggestion": suggestion}
}

// NewWebSearchTool DuckDuckGo 搜索，用于一般体育问题
func NewWebSearchTool(ctx context.Context) (tool.InvokableTool, error) {
	t, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   ToolWebSearch,
		ToolDesc:   "Search the web for current sports news and general information. Do not use it for odds or fixtures.",
		MaxResults: 5,
	})
	if err != nil {
		return nil, fmt.Errorf("create web search tool: %w", err)
	}
	return t, nil
}
