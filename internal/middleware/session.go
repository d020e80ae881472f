package middleware

import (
	"github.com/gin-gonic/gin"

	"reconomed-intake/internal/service"
	"reconomed-intake/pkg/token"
)

const (
	// ContextClaims 是 gin.Context 中保存 token 声明的键。
	ContextClaims = "claims"
	// ContextSession 是 gin.Context 中保存 *service.Session 的键。
	ContextSession = "session"
)

// SessionKey 从 token 声明计算会话 key：优先用户名，其次 jti，都没有时为匿名会话。
func SessionKey(claims *token.Claims) string {
	switch {
	case claims == nil:
		return service.AnonymousSession
	case claims.Subject != "":
		return "user:" + claims.Subject
	case claims.ID != "":
		return "token:" + claims.ID
	default:
		return service.AnonymousSession
	}
}

// SessionMiddleware 为请求解析会话并放进 gin.Context，必须放在 AuthMiddleware 之后。
func SessionMiddleware(registry *service.SessionRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var claims *token.Claims
		if v, ok := c.Get(ContextClaims); ok {
			claims, _ = v.(*token.Claims)
		}
		c.Set(ContextSession, registry.Resolve(c.Request.Context(), SessionKey(claims)))
		c.Next()
	}
}
