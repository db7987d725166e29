// Package auth 认证：运维人员 JWT 令牌、终端共享密钥、HTTP 中间件
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey context 键类型
type contextKey string

const ctxKeyOperator contextKey = "operator"

// TerminalTokenHeader 终端请求携带共享密钥的请求头
const TerminalTokenHeader = "X-Terminal-Token"

// Operator 从 JWT 解析出的运维人员信息
type Operator struct {
	ID   string
	Name string
	Role string
}

// Config 认证配置
type Config struct {
	JWTSecret      string
	AccessTokenTTL time.Duration
	TerminalToken  string // 终端共享密钥，从 TERMINAL_TOKEN 环境变量读取
}

// DefaultConfig 返回默认认证配置
func DefaultConfig() Config {
	return Config{AccessTokenTTL: 15 * time.Minute}
}

// Enabled 是否启用运维人员认证
func (c Config) Enabled() bool {
	return c.JWTSecret != ""
}

// TerminalAuthEnabled 是否校验终端共享密钥
func (c Config) TerminalAuthEnabled() bool {
	return c.TerminalToken != ""
}

// ============================================================================
// JWT Token
// ============================================================================

// Claims JWT 声明
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
	Type string `json:"type,omitempty"` // "access"
}

// GenerateAccessToken 生成访问令牌
func GenerateAccessToken(cfg Config, operatorID, name, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.AccessTokenTTL)),
		},
		Name: name,
		Role: role,
		Type: "access",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}

// ParseToken 解析并验证 JWT
func ParseToken(cfg Config, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// isValidTerminalToken 校验终端共享密钥（常量时间比较）
func isValidTerminalToken(r *http.Request, token string) bool {
	if token == "" {
		return false
	}
	got := r.Header.Get(TerminalTokenHeader)
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

// ============================================================================
// Context 辅助函数
// ============================================================================

// WithOperator 将运维人员信息注入 context
func WithOperator(ctx context.Context, op *Operator) context.Context {
	return context.WithValue(ctx, ctxKeyOperator, op)
}

// GetOperator 从 context 获取运维人员（无认证模式下为 nil）
func GetOperator(ctx context.Context) *Operator {
	op, _ := ctx.Value(ctxKeyOperator).(*Operator)
	return op
}
