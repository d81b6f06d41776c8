package model

// SportsUpdateType sports_update 的变化类型
type SportsUpdateType string

const (
	UpdateFixtureAdded     SportsUpdateType = "fixture_added"
	UpdateFixtureCancelled SportsUpdateType = "fixture_cancelled"
	UpdateMatchStart       SportsUpdateType = "match_start"
	UpdateMatchEnd         SportsUpdateType = "match_end"
)

// 推送优先级
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// 赔率变动方向
const (
	MovementUp     = "up"
	MovementDown   = "down"
	MovementStable = "stable"
)

// 订阅范围
const (
	ScopeSession = "session"
	ScopeUser    = "user"
)

// SubscriptionUpdated 订阅变更确认
type SubscriptionUpdated struct {
	Envelope
	Subscribed   bool     `json:"subscribed"`
	Scope        string   `json:"scope,omitempty"`
	Competitions []string `json:"competitions"`
}

// NewSubscriptionUpdated 创建订阅确认帧，competitions 为空表示全部赛事
func NewSubscriptionUpdated(sessionID string, subscribed bool, scope string, competitions []string) *SubscriptionUpdated {
	return &SubscriptionUpdated{
		Envelope:     newEnvelope(FrameSubscriptionUpdated, sessionID),
		Subscribed:   subscribed,
		Scope:        scope,
		Competitions: nonNil(competitions),
	}
}

// SportsUpdate 赛程或比赛状态变化，广播帧不带 session_id
type SportsUpdate struct {
	Envelope
	UpdateType   SportsUpdateType `json:"update_type"`
	MatchID      string           `json:"match_id,omitempty"`
	TournamentID string           `json:"tournament_id,omitempty"`
	Data         map[string]any   `json:"data"`
	Priority     string           `json:"priority"`
}

// NewSportsUpdate 创建赛事变化帧
func NewSportsUpdate(kind SportsUpdateType, f Fixture, priority string) *SportsUpdate {
	return &SportsUpdate{
		Envelope:     newEnvelope(FrameSportsUpdate, ""),
		UpdateType:   kind,
		MatchID:      f.ID,
		TournamentID: f.Tournament.ID,
		Data: map[string]any{
			"fixture":     f,
			"description": f.HomeCompetitor.Name + " vs " + f.AwayCompetitor.Name,
		},
		Priority: priority,
	}
}

// OddsUpdate 赔率变化
type OddsUpdate struct {
	Envelope
	MatchID           string             `json:"match_id"`
	TournamentID      string             `json:"tournament_id,omitempty"`
	MarketType        string             `json:"market_type"`
	OldOdds           map[string]float64 `json:"old_odds,omitempty"`
	NewOdds           map[string]float64 `json:"new_odds"`
	ChangePercentage  float64            `json:"change_percentage"`
	MovementDirection string             `json:"movement_direction"`
}

// NewOddsUpdate 创建赔率变化帧
func NewOddsUpdate(f Fixture, market string, prev, next map[string]float64, change float64, direction string) *OddsUpdate {
	return &OddsUpdate{
		Envelope:          newEnvelope(FrameOddsUpdate, ""),
		MatchID:           f.ID,
		TournamentID:      f.Tournament.ID,
		MarketType:        market,
		OldOdds:           prev,
		NewOdds:           next,
		ChangePercentage:  change,
		MovementDirection: direction,
	}
}
