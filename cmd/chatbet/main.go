package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashwinyue/chatbet/internal/config"
	"github.com/ashwinyue/chatbet/internal/database"
	"github.com/ashwinyue/chatbet/internal/handler"
	"github.com/ashwinyue/chatbet/internal/middleware"
	"github.com/ashwinyue/chatbet/internal/router"
	"github.com/ashwinyue/chatbet/internal/service/auth"
	"github.com/ashwinyue/chatbet/internal/service/callback"
	"github.com/ashwinyue/chatbet/internal/service/connection"
	"github.com/ashwinyue/chatbet/internal/service/conversation"
	"github.com/ashwinyue/chatbet/internal/service/event"
	"github.com/ashwinyue/chatbet/internal/service/llm"
	"github.com/ashwinyue/chatbet/internal/service/session"
	"github.com/ashwinyue/chatbet/internal/service/sportsapi"
	"github.com/ashwinyue/chatbet/internal/service/sportsupdate"
	"github.com/ashwinyue/chatbet/internal/service/streaming"
	"github.com/ashwinyue/chatbet/internal/telemetry"
	"github.com/cloudwego/eino/components/tool"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(start(os.Getenv("CONFIG_PATH")))
}

// start 运行服务并返回退出码，返回前关闭日志文件
func start(configPath string) int {
	// 加载配置
	if configPath == "" {
		configPath = "./configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger, closer, err := telemetry.InitLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		return 1
	}
	defer closer.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		return 1
	}
	logger.Info("server exited")
	return 0
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 设置 Gin 模式
	gin.SetMode(cfg.Server.Mode)

	tp, err := telemetry.InitTelemetry(ctx, cfg.App, cfg.Log)
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
		tp = telemetry.Noop()
	}
	callback.SetupGlobalCallbacks(logger)

	// 初始化 Redis
	var redisClient *redis.Client
	if cfg.NeedsRedis() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.GetAddr(), err)
		}
		logger.Info("redis connected", "addr", cfg.Redis.GetAddr())
	}

	// 会话存储
	var store session.Store
	switch cfg.Storage.Driver {
	case "redis":
		store = session.NewRedisStore(redisClient, cfg.Conversation.RetentionDuration(), logger)
	case "postgres":
		db, err := database.New(ctx, cfg.Database, cfg.App.Debug, session.Models()...)
		if err != nil {
			return err
		}
		defer db.Close()
		logger.Info("database connected", "host", cfg.Database.Host, "dbname", cfg.Database.DBName)
		store = session.NewPostgresStore(db.DB, logger)
	case "memory", "":
		store = session.NewMemoryStore()
	default:
		return fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
	}

	// 体育数据
	var cache sportsapi.Cache
	if cfg.SportsAPI.Cache.Driver == "redis" {
		cache = sportsapi.NewRedisCache(redisClient)
	}
	sports := sportsapi.New(sportsapi.OptionsFromConfig(cfg.SportsAPI),
		&http.Client{Timeout: time.Duration(cfg.SportsAPI.Timeout) * time.Second},
		cache, clockwork.NewRealClock(), logger.With("component", "sportsapi"))

	classifier, generator, err := newAI(ctx, cfg.AI, sports, logger)
	if err != nil {
		return err
	}

	// 事件
	bus := event.NewBus(logger)
	recorder, err := event.NewMetricsRecorder(tp.Meter)
	if err != nil {
		return fmt.Errorf("create event metrics: %w", err)
	}
	if err := bus.Subscribe(recorder); err != nil {
		return fmt.Errorf("subscribe event metrics: %w", err)
	}

	registry := connection.NewRegistry(
		connection.WithEvents(bus),
		connection.WithLogger(logger.With("component", "registry")),
		connection.WithIdleTimeout(cfg.WebSocket.IdleTimeoutDuration()),
	)
	pipeline := streaming.NewPipeline(registry, streaming.Config{
		ChunkWords: cfg.WebSocket.ChunkWords,
		Delay:      cfg.WebSocket.ChunkDelay(),
	}, logger.With("component", "streaming"))

	// 体育数据推送
	var updates *sportsupdate.Streamer
	if cfg.SportsUpdates.Enabled {
		updates = sportsupdate.New(sports, registry, clockwork.NewRealClock(), sportsupdate.Config{
			OddsInterval:    cfg.SportsUpdates.OddsIntervalDuration(),
			FixtureInterval: cfg.SportsUpdates.FixtureIntervalDuration(),
			CleanupInterval: cfg.SportsUpdates.CleanupIntervalDuration(),
			ChangeThreshold: cfg.SportsUpdates.ChangeThreshold,
			MaxTracked:      cfg.SportsUpdates.MaxTracked,
			BroadcastAll:    cfg.SportsUpdates.BroadcastAll,
		}, logger.With("component", "sportsupdate"))
	}

	orchestrator, err := conversation.New(store, classifier, generator, conversation.Options{
		MaxHistory: cfg.Conversation.MaxHistory,
		Sports:     sports,
		Tracer:     tp.Tracer,
		Meter:      tp.Meter,
		Logger:     logger.With("component", "conversation"),
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	validator := auth.NewValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if !validator.Enabled() {
		logger.Warn("auth.jwtSecret not set, all clients are anonymous")
	}

	handlers := handler.NewHandlers(handler.Deps{
		WebSocket: handler.WebSocketDeps{
			Registry:      registry,
			Dedup:         connection.NewDeduplicator(),
			Pipeline:      pipeline,
			Conversations: orchestrator,
			Validator:     validator,
			Limiter:       middleware.NewRateLimiter(cfg.WebSocket.MessagesPerSecond, cfg.WebSocket.Burst),
			Events:        bus,
			Updates:       updates,
			Config: handler.WebSocketConfig{
				WriteTimeout:     time.Duration(cfg.WebSocket.WriteTimeout) * time.Second,
				PingInterval:     time.Duration(cfg.WebSocket.PingInterval) * time.Second,
				IdleTimeout:      cfg.WebSocket.IdleTimeoutDuration(),
				ReadLimit:        cfg.WebSocket.ReadLimit,
				MaxContentLength: cfg.WebSocket.MaxContentLength,
				AllowedOrigins:   cfg.WebSocket.AllowedOrigins,
			},
		},
		Sports:          sports,
		Version:         cfg.App.Version,
		Logger:          logger,
		HistoryPageSize: cfg.Conversation.HistoryPageSize,
	})

	// 初始化路由
	r := router.SetupRouter(handlers, router.Options{
		Validator:      validator,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		HTTPLimiter:    middleware.NewRateLimiter(cfg.Server.RequestsPerSecond, cfg.Server.Burst),
		Logger:         logger,
	})

	reaper := connection.NewReaper(registry, store, clockwork.NewRealClock(), connection.ReaperConfig{
		Interval:  cfg.WebSocket.CleanupIntervalDuration(),
		Timeout:   cfg.WebSocket.IdleTimeoutDuration(),
		Retention: cfg.Conversation.RetentionDuration(),
	}, logger.With("component", "reaper"))

	// 创建 HTTP 服务器
	srv := &http.Server{
		Addr:         cfg.Server.GetAddr(),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "addr", srv.Addr, "storage", cfg.Storage.Driver, "ai_provider", cfg.AI.Provider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return reaper.Run(gctx)
	})
	if updates != nil {
		g.Go(func() error {
			return updates.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		// 优雅关闭
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		// WebSocket 连接已被劫持，srv.Shutdown 不会关闭它们
		if err := registry.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("close sessions: %w", err))
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
		}
		if err := handlers.WebSocket.Wait(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("wait message tasks: %w", err))
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// newAI 创建分类器与生成器，未配置模型时退化为关键字分类与固定回复
func newAI(ctx context.Context, cfg config.AIConfig, sports llm.SportsData, logger *slog.Logger) (llm.Classifier, llm.Generator, error) {
	chat, err := llm.NewChatModel(ctx, cfg)
	if errors.Is(err, llm.ErrModelUnavailable) {
		logger.Warn("chat model unavailable, using keyword classifier", "provider", cfg.Provider, "error", err)
		return llm.NewRuleClassifier(), llm.OfflineGenerator{}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("create chat model: %w", err)
	}

	tools, err := llm.NewSportsTools(sports, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create sports tools: %w", err)
	}
	if cfg.Tools.WebSearch {
		search, err := llm.NewWebSearchTool(ctx)
		if err != nil {
			logger.Warn("web search tool disabled", "error", err)
		} else {
			tools = append(tools, tool.BaseTool(search))
		}
	}

	generator, err := llm.NewToolGenerator(ctx, chat, tools, logger.With("component", "generator"))
	if err != nil {
		return nil, nil, fmt.Errorf("create generator: %w", err)
	}
	logger.Info("chat model ready", "provider", cfg.Provider, "tools", len(tools))
	return llm.NewLLMClassifier(chat, logger.With("component", "classifier")), generator, nil
}
