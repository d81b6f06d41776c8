package model

import (
	"encoding/json"
	"strings"
)

// SimpleTournament 赛事
type SimpleTournament struct {
	TournamentID string `json:"tournamentId"`
	Name         string `json:"name"`
	Order        int    `json:"order"`
}

// SportWithTournaments 运动及其赛事
type SportWithTournaments struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Tournaments []SimpleTournament `json:"tournaments"`
}

// Competitor 参赛队伍
type Competitor struct {
	Name       string `json:"name"`
	ID         string `json:"id"`
	JerseyIcon string `json:"jerseyIcon,omitempty"`
}

// TournamentRef 比赛所属赛事
type TournamentRef struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// Fixture 比赛
type Fixture struct {
	Source         int           `json:"source"`
	ID             string        `json:"id"`
	StartTime      string        `json:"startTime"`
	Tournament     TournamentRef `json:"tournament"`
	SportID        string        `json:"sportId"`
	HomeCompetitor Competitor    `json:"homeCompetitor"`
	AwayCompetitor Competitor    `json:"awayCompetitor"`
}

// Involves 队名是否出现在主客队中（大小写不敏感的子串匹配）
func (f Fixture) Involves(team string) bool {
	team = strings.ToLower(strings.TrimSpace(team))
	if team == "" {
		return false
	}
	return strings.Contains(strings.ToLower(f.HomeCompetitor.Name), team) ||
		strings.Contains(strings.ToLower(f.AwayCompetitor.Name), team)
}

// FixturesResponse 比赛列表
type FixturesResponse struct {
	TotalResults int       `json:"totalResults"`
	Fixtures     []Fixture `json:"fixtures"`
}

// FixtureType 比赛类型
type FixtureType string

const (
	FixturePreMatch FixtureType = "pre_match"
	FixtureLive     FixtureType = "live"
)

// FixtureQuery 比赛查询参数
type FixtureQuery struct {
	TournamentID string
	Type         FixtureType
	Language     string
	Timezone     string
}

// OddsQuery 赔率查询参数
type OddsQuery struct {
	SportID      string
	TournamentID string
	FixtureID    string
	Amount       float64
}

// MatchOdds 赔率，市场结构随上游变化，按原样透传
type MatchOdds struct {
	Status     string                     `json:"status"`
	MainMarket string                     `json:"main_market"`
	Markets    map[string]json.RawMessage `json:"-"`
}

// UnmarshalJSON 保留全部市场字段
func (o *MatchOdds) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	o.Markets = make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		switch k {
		case "status":
			if err := json.Unmarshal(v, &o.Status); err != nil {
				return err
			}
		case "main_market":
			if err := json.Unmarshal(v, &o.MainMarket); err != nil {
				return err
			}
		default:
			if string(v) != "null" {
				o.Markets[k] = v
			}
		}
	}
	return nil
}

// MarshalJSON 输出扁平结构
func (o MatchOdds) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(o.Markets)+2)
	for k, v := range o.Markets {
		out[k] = v
	}
	status, err := json.Marshal(o.Status)
	if err != nil {
		return nil, err
	}
	market, err := json.Marshal(o.MainMarket)
	if err != nil {
		return nil, err
	}
	out["status"] = status
	out["main_market"] = market
	return json.Marshal(out)
}
