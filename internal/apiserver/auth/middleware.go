package auth

import (
	"log"
	"net/http"
	"strings"
)

// 免认证路由白名单（前缀匹配）
var publicPrefixes = []string{
	"/health",
	"/metrics",
	"/ws/monitor",
}

// 终端通信路由（设备调用，不走 JWT，校验共享密钥）
var terminalRoutes = map[string]bool{
	"POST /api/v1/terminals/heartbeat":    true,
	"POST /api/v1/terminals/commands/ack": true,
	"GET /ws/terminals":                   true,
}

func isPublicRoute(path string) bool {
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func isTerminalRoute(method, path string) bool {
	return terminalRoutes[method+" "+path]
}

// Middleware 创建认证中间件
//
//   - 公开路由直接放行
//   - 终端路由：配置了 TerminalToken 时校验 X-Terminal-Token
//   - 其余路由：启用 JWT 时要求 Bearer access token
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicRoute(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			if isTerminalRoute(r.Method, r.URL.Path) {
				if cfg.TerminalAuthEnabled() && !isValidTerminalToken(r, cfg.TerminalToken) {
					log.Printf("[auth] rejected terminal request %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
					http.Error(w, `{"error":"invalid terminal token"}`, http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			// 无认证模式：直接放行
			if !cfg.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			// 提取 Bearer Token
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, `{"error":"missing authorization header"}`, http.StatusUnauthorized)
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				http.Error(w, `{"error":"invalid authorization header"}`, http.StatusUnauthorized)
				return
			}

			claims, err := ParseToken(cfg, parts[1])
			if err != nil {
				log.Printf("[auth] token parse error: %v", err)
				http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
				return
			}
			if claims.Type != "access" {
				http.Error(w, `{"error":"invalid token type"}`, http.StatusUnauthorized)
				return
			}

			op := &Operator{ID: claims.Subject, Name: claims.Name, Role: claims.Role}
			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), op)))
		})
	}
}
