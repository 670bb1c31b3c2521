package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailindex/backend/internal/auth/jwt"
)

// ContextKeySubject 认证通过后写入 gin.Context 的令牌主体
const ContextKeySubject = "subject"

// AdminAuth 管理接口认证中间件
type AdminAuth struct {
	jwtManager *jwt.Manager
	log        *zap.Logger
}

// NewAdminAuth 创建认证中间件，jwtManager 为 nil 时不校验令牌
func NewAdminAuth(jwtManager *jwt.Manager, log *zap.Logger) *AdminAuth {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminAuth{jwtManager: jwtManager, log: log}
}

// RequireAdmin 要求携带管理员令牌
func (a *AdminAuth) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.jwtManager == nil {
			c.Next()
			return
		}

		token := extractToken(c)
		if token == "" {
			abort(c, http.StatusUnauthorized, "authentication required")
			return
		}

		claims, err := a.jwtManager.ValidateToken(token)
		if err != nil {
			a.log.Warn("invalid token",
				zap.Error(err),
				zap.String("ip", c.ClientIP()),
			)
			msg := "invalid token"
			if errors.Is(err, jwt.ErrExpiredToken) {
				msg = "token expired"
			}
			abort(c, http.StatusUnauthorized, msg)
			return
		}
		if claims.Role != jwt.RoleAdmin {
			abort(c, http.StatusForbidden, "admin access required")
			return
		}

		c.Set(ContextKeySubject, claims.Subject)
		c.Next()
	}
}

// extractToken 从请求中提取令牌
func extractToken(c *gin.Context) string {
	// 1. Authorization header
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}

	// 2. 查询参数，浏览器建立 WebSocket 连接时无法设置请求头
	return c.Query("token")
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code": status,
		"msg":  msg,
	})
}
