package connection

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashwinyue/chatbet/internal/model"
	"github.com/jonboulle/clockwork"
)

// Sweeper 清理过期会话数据
type Sweeper interface {
	Sweep(ctx context.Context, olderThan time.Time) (int, error)
}

// ReaperConfig 回收配置
type ReaperConfig struct {
	Interval  time.Duration // 扫描间隔
	Timeout   time.Duration // 空闲超时
	Retention time.Duration // 会话历史保留时长，0 表示不清理
}

// Reaper 空闲连接回收
type Reaper struct {
	registry *Registry
	store    Sweeper
	clock    clockwork.Clock
	cfg      ReaperConfig
	logger   *slog.Logger
}

// NewReaper 创建回收器，store 可为 nil
func NewReaper(registry *Registry, store Sweeper, c clockwork.Clock, cfg ReaperConfig, logger *slog.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if c == nil {
		c = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		registry: registry,
		store:    store,
		clock:    c,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run 按间隔扫描直到 ctx 结束
func (r *Reaper) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("idle reaper started",
		"interval", r.cfg.Interval,
		"timeout", r.cfg.Timeout)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("idle reaper stopped")
			return nil
		case now := <-ticker.Chan():
			r.Sweep(ctx, now)
		}
	}
}

// Sweep 执行一次回收，返回断开的连接数
// 快照之后又有活动的会话不会被断开
func (r *Reaper) Sweep(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-r.cfg.Timeout)
	released := 0
	for _, s := range r.registry.IdleSince(cutoff) {
		if !r.registry.ReleaseIfIdle(s.ID, s.ConnID, cutoff, model.ReasonIdleTimeout) {
			continue
		}
		r.logger.Info("disconnected idle session",
			"session_id", s.ID,
			"last_activity", s.LastActivity)
		released++
	}
	if released > 0 {
		r.logger.Info("cleaned up idle connections", "count", released)
	}

	if r.store != nil && r.cfg.Retention > 0 {
		n, err := r.store.Sweep(ctx, now.Add(-r.cfg.Retention))
		if err != nil {
			r.logger.Warn("conversation sweep failed", "error", err)
		} else if n > 0 {
			r.logger.Info("expired conversations removed", "count", n)
		}
	}

	return released
}
