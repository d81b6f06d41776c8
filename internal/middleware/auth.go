package middleware

import (
	"strings"

	"github.com/ashwinyue/chatbet/internal/service/auth"
	"github.com/gin-gonic/gin"
)

// 上下文键
const (
	ContextUserID        = "user_id"
	ContextAuthenticated = "authenticated"
)

// AuthMiddleware 认证中间件
// 提供有效的 Bearer token 时设置用户；否则匿名放行
func AuthMiddleware(v *auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c.GetHeader("Authorization"))
		if token != "" && v.Enabled() {
			claims, err := v.Validate(token)
			if err == nil {
				c.Set(ContextUserID, claims.UserID)
				c.Set(ContextAuthenticated, true)
				c.Next()
				return
			}
			// Token 无效，按匿名处理
		}

		c.Set(ContextAuthenticated, false)
		c.Next()
	}
}

// BearerToken 解析 Authorization 头
func BearerToken(header string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// GetUserID 从上下文获取当前用户ID
func GetUserID(c *gin.Context) (string, bool) {
	userID, exists := c.Get(ContextUserID)
	if !exists {
		return "", false
	}
	id, ok := userID.(string)
	return id, ok && id != ""
}

// IsAuthenticated 当前请求是否携带有效令牌
func IsAuthenticated(c *gin.Context) bool {
	return c.GetBool(ContextAuthenticated)
}
