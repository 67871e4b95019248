// Package auth 提供 API 层的静态令牌鉴权。disabled 模式直接放行，
// token 模式校验 Bearer 令牌。
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	loggerpkg "AgentMesh/pkg/logger"
)

// Mode 表示鉴权模式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
)

// Service 持有鉴权配置。
type Service struct {
	mode  Mode
	token string
}

// NewService 构造鉴权服务。未知模式按 disabled 处理。
func NewService(mode, token string) *Service {
	m := Mode(strings.ToLower(strings.TrimSpace(mode)))
	if m != ModeToken {
		m = ModeDisabled
	}
	return &Service{mode: m, token: token}
}

// Middleware 返回一个 HTTP 中间件，用于处理身份认证。
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s == nil || s.mode == ModeDisabled {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		presented, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) != 1 {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			loggerpkg.Audit().Warn("access_denied",
				"path", r.URL.Path,
				"method", r.Method,
			)
			return
		}
		next.ServeHTTP(w, r)
	})
}
