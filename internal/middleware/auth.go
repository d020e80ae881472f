// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"reconomed-intake/internal/repository"
	"reconomed-intake/pkg/backend"
	"reconomed-intake/pkg/log"
	"reconomed-intake/pkg/token"
)

// AuthMiddleware 创建一个 Gin 中间件，用于 bearer token 检查。
// token 从 Authorization 头读取，WebSocket 连接无法设置请求头，因此也接受 ?token= 查询参数。
// 检查通过后 token 被放进请求的 ctx，后端客户端会把它原样转发。
// required 为 false 时允许不带 token 的请求，由后端使用配置中的服务 token。
func AuthMiddleware(inspector *token.Inspector, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			if required {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "请求未包含授权信息", "data": nil})
				return
			}
			c.Next()
			return
		}

		claims, err := inspector.Inspect(tokenString)
		if err != nil {
			msg := "无效的 token"
			if errors.Is(err, token.ErrExpired) {
				msg = "token 已过期，请重新登录"
			}
			log.Warnf("[Auth] 拒绝请求 %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": msg, "data": nil})
			return
		}
		if left, ok := claims.ExpiresIn(time.Now()); ok && left < time.Minute {
			c.Header("X-Token-Expiring", "true")
		}

		c.Set(ContextClaims, claims)
		ctx := backend.WithToken(c.Request.Context(), tokenString)
		c.Request = c.Request.WithContext(repository.WithScope(ctx, CacheScope(claims)))
		c.Next()
	}
}

// CacheScope 返回患者缓存的作用域：优先诊所，其次用户名。
func CacheScope(claims *token.Claims) string {
	if claims == nil {
		return ""
	}
	if claims.ClinicID != nil {
		if id := fmt.Sprint(claims.ClinicID); id != "" {
			return "clinic:" + id
		}
	}
	if claims.Subject != "" {
		return "user:" + claims.Subject
	}
	return ""
}

func bearerToken(c *gin.Context) (string, bool) {
	const bearerPrefix = "Bearer "
	if h := c.GetHeader("Authorization"); h != "" {
		// 格式不对的头也交给 Inspect，以 401 拒绝
		return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix)), true
	}
	if t := c.Query("token"); t != "" {
		return t, true
	}
	return "", false
}
