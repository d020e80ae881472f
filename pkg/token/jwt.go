// Package token 提供了对后端签发的 JSON Web Token 的检查功能。
// 本服务不签发 token，只在转发前检查其有效期，可选地校验签名。
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrExpired 表示 token 已过期。
	ErrExpired = errors.New("token 已过期")
	// ErrMalformed 表示 token 无法解析。
	ErrMalformed = errors.New("token 格式无效")
)

// Claims 是我们关心的 token 声明。后端把用户名放在 sub 中。
type Claims struct {
	Role     string `json:"role,omitempty"`
	ClinicID any    `json:"clinic_id,omitempty"`
	jwt.RegisteredClaims
}

// Inspector 负责解析 token。
type Inspector struct {
	secretKey []byte // 为空时不校验签名
	now       func() time.Time
}

// NewInspector 创建一个新的 Inspector 实例。
// secret: 与后端共享的 HMAC 密钥，为空时只解析不验签。
func NewInspector(secret string) *Inspector {
	var key []byte
	if secret != "" {
		key = []byte(secret)
	}
	return &Inspector{secretKey: key, now: time.Now}
}

// Inspect 解析给定的 token 字符串并检查过期时间。
func (i *Inspector) Inspect(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if i.secretKey == nil {
		if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	} else {
		parser := jwt.NewParser(jwt.WithTimeFunc(i.now), jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		_, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			return i.secretKey, nil
		})
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	if claims.ExpiresAt != nil && !i.now().Before(claims.ExpiresAt.Time) {
		return nil, ErrExpired
	}
	return claims, nil
}

// ExpiresIn 返回 token 的剩余有效期，没有 exp 声明时返回 0 和 false。
func (c *Claims) ExpiresIn(now time.Time) (time.Duration, bool) {
	if c.ExpiresAt == nil {
		return 0, false
	}
	return c.ExpiresAt.Sub(now), true
}
