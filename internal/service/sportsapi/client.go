// Package sportsapi 封装上游体育赛事与赔率接口
// 带熔断、重试、限流、请求合并与分级缓存
package sportsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ashwinyue/chatbet/internal/config"
	"github.com/ashwinyue/chatbet/internal/model"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	pathTournaments = "/sports/tournaments"
	pathFixtures    = "/sports/fixtures"
	pathOdds        = "/sports/odds"

	// 单次搜索返回的比赛上限
	maxTeamMatches = 10
)

// 常用别名，key 为赛事名称中的关键字
var tournamentAliases = map[string][]string{
	"la liga":        {"la liga", "spanish league"},
	"premier league": {"premier league", "english league"},
	"bundesliga":     {"bundesliga", "german league"},
	"serie a":        {"serie a", "italian league"},
	"ligue 1":        {"ligue 1", "french league"},
}

// TTL 各类数据的缓存时长
type TTL struct {
	Tournaments time.Duration
	Fixtures    time.Duration
	Odds        time.Duration
}

// Options 客户端参数
type Options struct {
	BaseURL           string
	MaxRetries        int
	Backoff           time.Duration // 首次重试等待，之后指数增长
	BreakerThreshold  int
	BreakerTimeout    time.Duration
	RequestsPerSecond float64
	Burst             int
	TTL               TTL
}

// OptionsFromConfig 从配置构造参数
func OptionsFromConfig(cfg config.SportsAPIConfig) Options {
	return Options{
		BaseURL:           cfg.BaseURL,
		MaxRetries:        cfg.MaxRetries,
		Backoff:           500 * time.Millisecond,
		BreakerThreshold:  cfg.BreakerThreshold,
		BreakerTimeout:    time.Duration(cfg.BreakerTimeout) * time.Second,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		TTL: TTL{
			Tournaments: time.Duration(cfg.Cache.TournamentsTTL) * time.Second,
			Fixtures:    time.Duration(cfg.Cache.FixturesTTL) * time.Second,
			Odds:        time.Duration(cfg.Cache.OddsTTL) * time.Second,
		},
	}
}

// Client 体育数据客户端
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      Cache
	breaker    *Breaker
	limiter    *rate.Limiter
	group      singleflight.Group
	opts       Options
	logger     *slog.Logger
}

// New 创建客户端
// httpClient 为 nil 时使用 30 秒超时的默认客户端，cache 为 nil 时使用内存缓存
func New(opts Options, httpClient *http.Client, cache Cache, c clockwork.Clock, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c == nil {
		c = clockwork.NewRealClock()
	}
	if cache == nil {
		cache = NewMemoryCache(c)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: httpClient,
		cache:      cache,
		breaker:    NewBreaker(opts.BreakerThreshold, opts.BreakerTimeout, c),
		limiter:    rate.NewLimiter(limit, burst),
		opts:       opts,
		logger:     logger,
	}
}

// BreakerState 熔断器状态
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// ClearCache 清空缓存
func (c *Client) ClearCache(ctx context.Context) error {
	return c.cache.Clear(ctx)
}

// GetTournaments 获取有比赛的运动及赛事
func (c *Client) GetTournaments(ctx context.Context) ([]model.SportWithTournaments, error) {
	params := url.Values{}
	params.Set("with_active_fixtures", "true")

	var out []model.SportWithTournaments
	if err := c.getJSON(ctx, pathTournaments, params, c.opts.TTL.Tournaments, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetFixtures 获取比赛列表
func (c *Client) GetFixtures(ctx context.Context, q model.FixtureQuery) (*model.FixturesResponse, error) {
	if q.Type == "" {
		q.Type = model.FixturePreMatch
	}
	if q.Language == "" {
		q.Language = "en"
	}
	if q.Timezone == "" {
		q.Timezone = "UTC"
	}

	params := url.Values{}
	if q.TournamentID != "" {
		params.Set("tournament_id", q.TournamentID)
	}
	params.Set("type", string(q.Type))
	params.Set("language", q.Language)
	params.Set("time_zone", q.Timezone)

	var out model.FixturesResponse
	if err := c.getJSON(ctx, pathFixtures, params, c.opts.TTL.Fixtures, &out); err != nil {
		return nil, err
	}
	if out.Fixtures == nil {
		out.Fixtures = []model.Fixture{}
	}
	return &out, nil
}

// GetOdds 获取单场比赛赔率
func (c *Client) GetOdds(ctx context.Context, q model.OddsQuery) (*model.MatchOdds, error) {
	if q.FixtureID == "" || q.TournamentID == "" {
		return nil, fmt.Errorf("fixture id and tournament id are required")
	}
	if q.SportID == "" {
		q.SportID = "1"
	}
	if q.Amount <= 0 {
		q.Amount = 100
	}

	params := url.Values{}
	params.Set("sport_id", q.SportID)
	params.Set("tournament_id", q.TournamentID)
	params.Set("fixture_id", q.FixtureID)
	params.Set("amount", strconv.FormatFloat(q.Amount, 'f', -1, 64))

	var out model.MatchOdds
	if err := c.getJSON(ctx, pathOdds, params, c.opts.TTL.Odds, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SearchTeamMatches 查找某支球队即将进行的比赛，按开赛时间排序
func (c *Client) SearchTeamMatches(ctx context.Context, team string) ([]model.Fixture, int, error) {
	resp, err := c.GetFixtures(ctx, model.FixtureQuery{Type: model.FixturePreMatch})
	if err != nil {
		return nil, 0, err
	}

	var matches []model.Fixture
	for _, f := range resp.Fixtures {
		if f.Involves(team) {
			matches = append(matches, f)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].StartTime < matches[j].StartTime
	})
	if len(matches) > maxTeamMatches {
		matches = matches[:maxTeamMatches]
	}
	return matches, len(resp.Fixtures), nil
}

// ResolveTournamentID 把赛事名称或别名解析为 ID，纯数字原样返回
func (c *Client) ResolveTournamentID(ctx context.Context, input string) (string, bool, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", false, nil
	}
	if isDigits(input) {
		return input, true, nil
	}

	sports, err := c.GetTournaments(ctx)
	if err != nil {
		return "", false, err
	}
	id, ok := tournamentMapping(sports)[strings.ToLower(input)]
	return id, ok, nil
}

func tournamentMapping(sports []model.SportWithTournaments) map[string]string {
	mapping := make(map[string]string)
	for _, sport := range sports {
		for _, t := range sport.Tournaments {
			name := strings.ToLower(t.Name)
			mapping[name] = t.TournamentID
			for keyword, aliases := range tournamentAliases {
				if strings.Contains(name, keyword) {
					for _, alias := range aliases {
						mapping[alias] = t.TournamentID
					}
				}
			}
		}
	}
	return mapping
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// ========== 请求 ==========

func cacheKey(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	// Encode 按 key 排序
	return path + "?" + params.Encode()
}

// getJSON 缓存 → 合并 → 重试，结果写入 out
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, ttl time.Duration, out any) error {
	key := cacheKey(path, params)

	if data, ok := c.cache.Get(ctx, key); ok {
		c.logger.Debug("sports api cache hit", "key", key)
		return decode(data, out)
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		data, err := c.fetchWithRetry(ctx, path, params)
		if err != nil {
			return nil, err
		}
		if ttl > 0 {
			if err := c.cache.Set(ctx, key, data, ttl); err != nil {
				c.logger.Warn("sports api cache write failed", "key", key, "error", err)
			}
		}
		return data, nil
	})
	if err != nil {
		return err
	}
	if shared {
		c.logger.Debug("sports api request coalesced", "key", key)
	}
	return decode(v.([]byte), out)
}

func (c *Client) fetchWithRetry(ctx context.Context, path string, params url.Values) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := c.opts.Backoff << (attempt - 1)
			c.logger.Warn("sports api request failed, retrying",
				"path", path,
				"attempt", attempt,
				"wait", wait,
				"error", lastErr)
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
		}

		if !c.breaker.Allow() {
			return nil, ErrCircuitOpen
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		data, err := c.do(ctx, path, params)
		if err == nil {
			c.breaker.Success()
			return data, nil
		}

		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
		if c.breaker.Failure() {
			c.logger.Warn("sports api circuit breaker opened", "path", path)
		}
	}
	return nil, fmt.Errorf("sports api %s failed after %d attempts: %w", path, c.opts.MaxRetries+1, lastErr)
}

func (c *Client) do(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	c.logger.Debug("sports api request",
		"path", path,
		"status", resp.StatusCode,
		"latency", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newAPIError(path, resp.StatusCode, truncate(string(body), 256))
	}
	return body, nil
}

// decode 兼容 {"data": ...} 包装和裸数据
func decode(data []byte, out any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &wrapped); err == nil {
			if inner, ok := wrapped["data"]; ok && len(wrapped) == 1 {
				trimmed = inner
			}
		}
	}

	// 比赛列表可能直接返回数组
	if fr, ok := out.(*model.FixturesResponse); ok && len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &fr.Fixtures); err != nil {
			return fmt.Errorf("decode fixtures: %w", err)
		}
		fr.TotalResults = len(fr.Fixtures)
		return nil
	}

	if err := json.Unmarshal(trimmed, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// IsNotFound 上游返回 404
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
