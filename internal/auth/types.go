package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors returned by the authentication subsystem.
var (
	ErrDisabled         = errors.New("authentication disabled")
	ErrMissingToken     = errors.New("missing credentials")
	ErrInvalidToken     = errors.New("invalid token")
	ErrInvalidAPIKey    = errors.New("invalid api key")
	ErrPermissionDenied = errors.New("permission denied")
)

// Mode enumerates the supported authentication modes.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeAPIKey   Mode = "api_key"
	ModeJWT      Mode = "jwt"
)

// ScopeAll 授予全部权限，API Key 主体默认持有。
const ScopeAll = "*"

// Config configures the authentication service.
type Config struct {
	Mode      Mode
	APIKeys   []string
	JWTSecret string
	JWTIssuer string
}

// Subject 描述通过认证的调用方，经由 context 传给处理函数。
type Subject struct {
	ID        string
	Method    Mode
	Scopes    []string
	ExpiresAt time.Time

	scopeSet map[string]struct{}
}

// normalise prepares the lookup set for scope checks.
func (s *Subject) normalise() {
	if s == nil || s.scopeSet != nil {
		return
	}
	s.scopeSet = make(map[string]struct{}, len(s.Scopes))
	for _, scope := range s.Scopes {
		scope = strings.ToLower(strings.TrimSpace(scope))
		if scope != "" {
			s.scopeSet[scope] = struct{}{}
		}
	}
}

// HasScope reports whether the subject was granted the scope.
func (s *Subject) HasScope(scope string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.scopeSet[ScopeAll]; ok {
		return true
	}
	_, ok := s.scopeSet[strings.ToLower(strings.TrimSpace(scope))]
	return ok
}

// Authorize ensures the subject holds every required scope.
func (s *Subject) Authorize(scopes ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, scope := range scopes {
		if scope == "" {
			continue
		}
		if !s.HasScope(scope) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, scope)
		}
	}
	return nil
}

// parseScopes 拆分以空格或逗号分隔的 scope 声明。
func parseScopes(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ' ' || r == ',' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
