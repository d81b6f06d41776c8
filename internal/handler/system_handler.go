package handler

import (
	"net/http"
	"time"

	"github.com/ashwinyue/chatbet/internal/service/connection"
	"github.com/gin-gonic/gin"
)

// SystemHandler 系统处理器
type SystemHandler struct {
	registry  *connection.Registry
	dedup     *connection.Deduplicator
	version   string
	startedAt time.Time
}

// NewSystemHandler 创建系统处理器
func NewSystemHandler(registry *connection.Registry, dedup *connection.Deduplicator, version string) *SystemHandler {
	return &SystemHandler{registry: registry, dedup: dedup, version: version, startedAt: time.Now()}
}

// Health 健康检查
// GET /health
func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":             "ok",
		"version":            h.version,
		"uptime_seconds":     int64(time.Since(h.startedAt).Seconds()),
		"active_connections": h.registry.Len(),
		"in_flight_messages": h.dedup.Len(),
	})
}
