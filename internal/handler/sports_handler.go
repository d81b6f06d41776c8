package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashwinyue/chatbet/internal/model"
	"github.com/ashwinyue/chatbet/internal/service/sportsapi"
	"github.com/gin-gonic/gin"
)

// SportsData 体育数据查询
type SportsData interface {
	GetTournaments(ctx context.Context) ([]model.SportWithTournaments, error)
	GetFixtures(ctx context.Context, q model.FixtureQuery) (*model.FixturesResponse, error)
	GetOdds(ctx context.Context, q model.OddsQuery) (*model.MatchOdds, error)
	ResolveTournamentID(ctx context.Context, input string) (string, bool, error)
}

// SportsHandler 体育数据透传
type SportsHandler struct {
	sports SportsData
	logger *slog.Logger
}

// NewSportsHandler 创建体育数据处理器
func NewSportsHandler(sports SportsData, logger *slog.Logger) *SportsHandler {
	return &SportsHandler{sports: sports, logger: logger}
}

// upstreamError 上游错误映射为 HTTP 状态
func (h *SportsHandler) upstreamError(c *gin.Context, err error) {
	h.logger.Warn("sports api request failed", "path", c.Request.URL.Path, "error", err)

	var apiErr *sportsapi.APIError
	switch {
	case errors.Is(err, sportsapi.ErrCircuitOpen):
		fail(c, http.StatusServiceUnavailable, "sports data temporarily unavailable")
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound:
		notFound(c, "not found")
	default:
		fail(c, http.StatusBadGateway, "sports data request failed")
	}
}

// GetTournaments 赛事列表
// GET /api/v1/sports/tournaments
func (h *SportsHandler) GetTournaments(c *gin.Context) {
	tournaments, err := h.sports.GetTournaments(c.Request.Context())
	if err != nil {
		h.upstreamError(c, err)
		return
	}
	success(c, tournaments)
}

// resolveTournament 支持赛事 ID 或名称
func (h *SportsHandler) resolveTournament(c *gin.Context) (string, bool) {
	input := c.Query("tournament_id")
	if input == "" {
		input = c.Query("tournament")
	}
	if input == "" {
		badRequest(c, "tournament_id is required")
		return "", false
	}

	id, ok, err := h.sports.ResolveTournamentID(c.Request.Context(), input)
	if err != nil {
		h.upstreamError(c, err)
		return "", false
	}
	if !ok {
		notFound(c, "unknown tournament: "+input)
		return "", false
	}
	return id, true
}

// GetFixtures 赛事下的比赛
// GET /api/v1/sports/fixtures?tournament_id=&type=pre_match|live
func (h *SportsHandler) GetFixtures(c *gin.Context) {
	id, ok := h.resolveTournament(c)
	if !ok {
		return
	}

	q := model.FixtureQuery{
		TournamentID: id,
		Type:         model.FixtureType(c.DefaultQuery("type", string(model.FixturePreMatch))),
		Language:     c.DefaultQuery("language", "en"),
		Timezone:     c.DefaultQuery("timezone", "UTC"),
	}
	if q.Type != model.FixturePreMatch && q.Type != model.FixtureLive {
		badRequest(c, "type must be pre_match or live")
		return
	}

	fixtures, err := h.sports.GetFixtures(c.Request.Context(), q)
	if err != nil {
		h.upstreamError(c, err)
		return
	}
	success(c, fixtures)
}

// GetOdds 比赛赔率
// GET /api/v1/sports/odds?fixture_id=&tournament_id=&sport_id=&amount=
func (h *SportsHandler) GetOdds(c *gin.Context) {
	fixtureID := c.Query("fixture_id")
	if fixtureID == "" {
		badRequest(c, "fixture_id is required")
		return
	}
	id, ok := h.resolveTournament(c)
	if !ok {
		return
	}

	amount := 1.0
	if raw := c.Query("amount"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			badRequest(c, "amount must be a positive number")
			return
		}
		amount = v
	}

	odds, err := h.sports.GetOdds(c.Request.Context(), model.OddsQuery{
		SportID:      c.DefaultQuery("sport_id", "1"),
		TournamentID: id,
		FixtureID:    fixtureID,
		Amount:       amount,
	})
	if err != nil {
		h.upstreamError(c, err)
		return
	}
	success(c, odds)
}
