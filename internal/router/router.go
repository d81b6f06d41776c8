// Package router HTTP 路由
package router

import (
	"log/slog"

	"github.com/ashwinyue/chatbet/internal/handler"
	"github.com/ashwinyue/chatbet/internal/middleware"
	"github.com/ashwinyue/chatbet/internal/service/auth"
	"github.com/gin-gonic/gin"
)

// Options 路由依赖
type Options struct {
	Validator      *auth.Validator
	AllowedOrigins []string
	// HTTPLimiter 按客户端 IP 限流，nil 时不限流
	HTTPLimiter *middleware.RateLimiter
	Logger      *slog.Logger
}

// SetupRouter 设置路由
func SetupRouter(h *handler.Handlers, opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := gin.New()

	// 中间件
	r.Use(middleware.RecoveryMiddleware(opts.Logger))
	r.Use(middleware.LoggingMiddleware(opts.Logger))
	r.Use(middleware.CORSMiddleware(opts.AllowedOrigins))
	r.Use(middleware.AuthMiddleware(opts.Validator))

	// 健康检查
	r.GET("/health", h.System.Health)

	// WebSocket
	ws := r.Group("/ws")
	{
		ws.GET("/chat", h.WebSocket.ServeWS)
		ws.GET("/chat/:session_id", h.WebSocket.ServeWS)
		ws.GET("/status", h.WebSocket.Status)
		ws.GET("/ping", h.WebSocket.Ping)
	}

	// API v1
	v1 := r.Group("/api/v1")
	if opts.HTTPLimiter != nil {
		v1.Use(middleware.RateLimitMiddleware(opts.HTTPLimiter))
	}
	{
		// Chat 聊天
		chat := v1.Group("/chat")
		{
			chat.POST("", h.Chat.SendMessage)
			chat.GET("/stats", h.Chat.Stats)
			chat.GET("/history/:session_id", h.Chat.GetHistory)
			chat.DELETE("/history/:session_id", h.Chat.ClearHistory)
			chat.DELETE("/history", h.Chat.ClearUserHistory)
		}

		// Sports 体育数据
		sports := v1.Group("/sports")
		{
			sports.GET("/tournaments", h.Sports.GetTournaments)
			sports.GET("/fixtures", h.Sports.GetFixtures)
			sports.GET("/odds", h.Sports.GetOdds)
		}
	}

	return r
}
