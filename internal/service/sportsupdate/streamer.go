// Package sportsupdate 轮询上游体育数据，把赔率与赛程变化推送给订阅的会话
package sportsupdate

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashwinyue/chatbet/internal/model"
	"github.com/ashwinyue/chatbet/internal/service/connection"
	"github.com/jonboulle/clockwork"
)

// ErrUserScopeRequiresIdentity 匿名会话不能按用户订阅
var ErrUserScopeRequiresIdentity = errors.New("user scope requires an identified user")

// Source 上游体育数据
type Source interface {
	GetFixtures(ctx context.Context, q model.FixtureQuery) (*model.FixturesResponse, error)
	GetOdds(ctx context.Context, q model.OddsQuery) (*model.MatchOdds, error)
}

// Fanout 帧投递，由连接注册表实现
type Fanout interface {
	Send(sessionID string, frame any) bool
	BroadcastToUser(userID string, frame any) int
	BroadcastToAll(frame any) int
	Get(sessionID string) (connection.Session, error)
}

// Config 推送参数
type Config struct {
	OddsInterval    time.Duration
	FixtureInterval time.Duration
	CleanupInterval time.Duration
	// ChangeThreshold 赔率相对变化超过该比例才推送
	ChangeThreshold float64
	// MaxTracked 每轮最多轮询赔率的比赛数
	MaxTracked int
	// BroadcastAll 推送给所有连接，忽略订阅
	BroadcastAll bool
}

// Stats 推送统计
type Stats struct {
	Subscriptions  int        `json:"subscribed_sessions"`
	Competitions   int        `json:"total_competitions"`
	TrackedMatches int        `json:"tracked_matches"`
	UpdatesSent    int64      `json:"total_updates_sent"`
	LastUpdate     *time.Time `json:"last_update_time,omitempty"`
}

type subscription struct {
	userID       string
	userScope    bool
	competitions map[string]struct{} // 为空表示全部赛事
}

func (s *subscription) wants(tournamentID string) bool {
	if len(s.competitions) == 0 {
		return true
	}
	_, ok := s.competitions[tournamentID]
	return ok
}

type trackedFixture struct {
	fixture model.Fixture
	live    bool
}

// Streamer 体育数据推送
// subs 与比较基线分别由 mu 与 pollMu 保护
type Streamer struct {
	source Source
	fanout Fanout
	clock  clockwork.Clock
	cfg    Config
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]*subscription

	pollMu   sync.Mutex
	fixtures map[string]trackedFixture
	seeded   bool
	odds     map[string]map[string]float64

	sent       atomic.Int64
	lastUpdate atomic.Pointer[time.Time]
}

// New 创建推送服务
func New(source Source, fanout Fanout, c clockwork.Clock, cfg Config, logger *slog.Logger) *Streamer {
	if cfg.OddsInterval <= 0 {
		cfg.OddsInterval = 30 * time.Second
	}
	if cfg.FixtureInterval <= 0 {
		cfg.FixtureInterval = 5 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.ChangeThreshold <= 0 {
		cfg.ChangeThreshold = 0.05
	}
	if cfg.MaxTracked <= 0 {
		cfg.MaxTracked = 20
	}
	if c == nil {
		c = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{
		source:   source,
		fanout:   fanout,
		clock:    c,
		cfg:      cfg,
		logger:   logger,
		subs:     make(map[string]*subscription),
		fixtures: make(map[string]trackedFixture),
		odds:     make(map[string]map[string]float64),
	}
}

// Subscribe 订阅推送，重复订阅覆盖之前的赛事过滤
// scope 为 user 时推送发往该用户的所有会话
func (s *Streamer) Subscribe(sessionID, userID, scope string, competitions []string) error {
	userScope := scope == model.ScopeUser
	if userScope && userID == "" {
		return ErrUserScopeRequiresIdentity
	}

	sub := &subscription{
		userID:       userID,
		userScope:    userScope,
		competitions: make(map[string]struct{}, len(competitions)),
	}
	for _, c := range competitions {
		if c != "" {
			sub.competitions[c] = struct{}{}
		}
	}

	s.mu.Lock()
	s.subs[sessionID] = sub
	s.mu.Unlock()

	s.logger.Info("sports updates subscribed",
		"session_id", sessionID,
		"user_id", userID,
		"scope", scope,
		"competitions", len(sub.competitions))
	return nil
}

// Unsubscribe 取消订阅，返回之前是否已订阅
func (s *Streamer) Unsubscribe(sessionID string) bool {
	s.mu.Lock()
	_, ok := s.subs[sessionID]
	delete(s.subs, sessionID)
	s.mu.Unlock()

	if ok {
		s.logger.Info("sports updates unsubscribed", "session_id", sessionID)
	}
	return ok
}

// Subscribed 会话是否已订阅
func (s *Streamer) Subscribed(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subs[sessionID]
	return ok
}

// Run 按各自间隔轮询赛程、赔率并清理失效订阅，直到 ctx 结束
func (s *Streamer) Run(ctx context.Context) error {
	fixtures := s.clock.NewTicker(s.cfg.FixtureInterval)
	defer fixtures.Stop()
	odds := s.clock.NewTicker(s.cfg.OddsInterval)
	defer odds.Stop()
	cleanup := s.clock.NewTicker(s.cfg.CleanupInterval)
	defer cleanup.Stop()

	s.logger.Info("sports updates started",
		"odds_interval", s.cfg.OddsInterval,
		"fixture_interval", s.cfg.FixtureInterval,
		"broadcast_all", s.cfg.BroadcastAll)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sports updates stopped")
			return nil
		case <-fixtures.Chan():
			s.PollFixtures(ctx)
		case <-odds.Chan():
			s.PollOdds(ctx)
		case <-cleanup.Chan():
			s.Cleanup()
		}
	}
}

func (s *Streamer) active() bool {
	if s.cfg.BroadcastAll {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs) > 0
}

// PollFixtures 比较赛前与进行中的比赛列表，返回推送的变化数
// 首轮只建立基线
func (s *Streamer) PollFixtures(ctx context.Context) int {
	if !s.active() {
		return 0
	}

	pre, err := s.source.GetFixtures(ctx, model.FixtureQuery{Type: model.FixturePreMatch})
	if err != nil {
		s.logger.Warn("poll fixtures failed", "error", err)
		return 0
	}
	current := make(map[string]trackedFixture, len(pre.Fixtures))
	for _, f := range pre.Fixtures {
		current[f.ID] = trackedFixture{fixture: f}
	}
	live, liveErr := s.source.GetFixtures(ctx, model.FixtureQuery{Type: model.FixtureLive})
	if liveErr != nil {
		s.logger.Debug("poll live fixtures failed", "error", liveErr)
	} else {
		for _, f := range live.Fixtures {
			current[f.ID] = trackedFixture{fixture: f, live: true}
		}
	}

	s.pollMu.Lock()
	prev, seeded := s.fixtures, s.seeded
	if liveErr != nil {
		// 直播列表取不到时沿用上一轮的进行中比赛
		for id, f := range prev {
			if f.live {
				current[id] = f
			}
		}
	}
	s.fixtures, s.seeded = current, true
	for id := range s.odds {
		if _, ok := current[id]; !ok {
			delete(s.odds, id)
		}
	}
	s.pollMu.Unlock()

	if !seeded {
		s.logger.Info("fixture baseline ready", "fixtures", len(current))
		return 0
	}

	now := s.clock.Now()
	var updates []*model.SportsUpdate
	for id, cur := range current {
		old, known := prev[id]
		switch {
		case !known && cur.live:
			updates = append(updates, model.NewSportsUpdate(model.UpdateMatchStart, cur.fixture, model.PriorityHigh))
		case !known:
			updates = append(updates, model.NewSportsUpdate(model.UpdateFixtureAdded, cur.fixture, model.PriorityMedium))
		case !old.live && cur.live:
			updates = append(updates, model.NewSportsUpdate(model.UpdateMatchStart, cur.fixture, model.PriorityHigh))
		}
	}
	for id, old := range prev {
		if _, ok := current[id]; ok {
			continue
		}
		if old.live {
			updates = append(updates, model.NewSportsUpdate(model.UpdateMatchEnd, old.fixture, model.PriorityMedium))
			continue
		}
		// 开赛前消失视为取消，开赛时间已过的只是没进入直播列表
		if start, err := time.Parse(time.RFC3339, old.fixture.StartTime); err == nil && start.After(now) {
			updates = append(updates, model.NewSportsUpdate(model.UpdateFixtureCancelled, old.fixture, model.PriorityHigh))
		}
	}

	sort.Slice(updates, func(i, j int) bool { return updates[i].MatchID < updates[j].MatchID })
	for _, u := range updates {
		s.publish(u.TournamentID, u)
	}
	return len(updates)
}

// PollOdds 轮询被关注赛事的赔率，变化超过阈值时推送 odds_update，返回推送数
func (s *Streamer) PollOdds(ctx context.Context) int {
	if !s.active() {
		return 0
	}

	tracked := s.trackedFixtures()
	pushed := 0
	for _, f := range tracked {
		if ctx.Err() != nil {
			break
		}
		odds, err := s.source.GetOdds(ctx, model.OddsQuery{
			SportID:      f.SportID,
			TournamentID: f.Tournament.ID,
			FixtureID:    f.ID,
		})
		if err != nil {
			s.logger.Debug("poll odds failed", "fixture_id", f.ID, "error", err)
			continue
		}
		market := marketKey(odds)
		next := Prices(odds, market)
		if len(next) == 0 {
			continue
		}

		s.pollMu.Lock()
		prev, seen := s.odds[f.ID]
		s.odds[f.ID] = next
		s.pollMu.Unlock()
		if !seen {
			continue
		}

		change, direction, changed := Compare(prev, next, s.cfg.ChangeThreshold)
		if !changed {
			continue
		}
		s.publish(f.Tournament.ID, model.NewOddsUpdate(f, market, prev, next, change, direction))
		pushed++
	}
	return pushed
}

// trackedFixtures 有订阅者关注的比赛，进行中优先，其次按开赛时间，最多 MaxTracked 场
func (s *Streamer) trackedFixtures() []model.Fixture {
	s.pollMu.Lock()
	all := make([]trackedFixture, 0, len(s.fixtures))
	for _, f := range s.fixtures {
		all = append(all, f)
	}
	s.pollMu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].live != all[j].live {
			return all[i].live
		}
		if all[i].fixture.StartTime != all[j].fixture.StartTime {
			return all[i].fixture.StartTime < all[j].fixture.StartTime
		}
		return all[i].fixture.ID < all[j].fixture.ID
	})

	out := make([]model.Fixture, 0, s.cfg.MaxTracked)
	for _, f := range all {
		if len(out) == s.cfg.MaxTracked {
			break
		}
		if s.cfg.BroadcastAll || s.interested(f.fixture.Tournament.ID) {
			out = append(out, f.fixture)
		}
	}
	return out
}

func (s *Streamer) interested(tournamentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.wants(tournamentID) {
			return true
		}
	}
	return false
}

// publish 按订阅投递，按用户订阅的走 BroadcastToUser，同一用户的会话只收一次
func (s *Streamer) publish(tournamentID string, frame any) int {
	var sent int
	if s.cfg.BroadcastAll {
		sent = s.fanout.BroadcastToAll(frame)
	} else {
		users := make(map[string]struct{})
		var sessions []string

		s.mu.RLock()
		for id, sub := range s.subs {
			if !sub.wants(tournamentID) {
				continue
			}
			if sub.userScope {
				users[sub.userID] = struct{}{}
			} else {
				sessions = append(sessions, id)
			}
		}
		owners := make(map[string]string, len(sessions))
		for _, id := range sessions {
			owners[id] = s.subs[id].userID
		}
		s.mu.RUnlock()

		for u := range users {
			sent += s.fanout.BroadcastToUser(u, frame)
		}
		for _, id := range sessions {
			if _, covered := users[owners[id]]; covered {
				continue
			}
			if s.fanout.Send(id, frame) {
				sent++
			}
		}
	}

	if sent > 0 {
		s.sent.Add(int64(sent))
		now := s.clock.Now()
		s.lastUpdate.Store(&now)
		s.logger.Debug("sports update delivered", "tournament_id", tournamentID, "sessions", sent)
	}
	return sent
}

// Cleanup 移除已断开会话的订阅，返回移除数
func (s *Streamer) Cleanup() int {
	s.mu.RLock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	removed := 0
	for _, id := range ids {
		if _, err := s.fanout.Get(id); err == nil {
			continue
		}
		if s.Unsubscribe(id) {
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("cleaned up inactive sports subscriptions", "count", removed)
	}
	return removed
}

// Stats 推送统计
func (s *Streamer) Stats() Stats {
	s.mu.RLock()
	st := Stats{Subscriptions: len(s.subs)}
	competitions := make(map[string]struct{})
	for _, sub := range s.subs {
		for c := range sub.competitions {
			competitions[c] = struct{}{}
		}
	}
	s.mu.RUnlock()
	st.Competitions = len(competitions)

	s.pollMu.Lock()
	st.TrackedMatches = len(s.odds)
	s.pollMu.Unlock()

	st.UpdatesSent = s.sent.Load()
	st.LastUpdate = s.lastUpdate.Load()
	return st
}
