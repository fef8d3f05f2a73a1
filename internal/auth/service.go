package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"HiveMind-Copilot/pkg/logger"
)

// HeaderAPIKey 是携带 API Key 的请求头。
const HeaderAPIKey = "X-API-Key"

// Claims 是 HiveMind 签发与校验的 JWT 声明。
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode    Mode
	apiKeys [][]byte
	secret  []byte
	issuer  string
	audit   *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, issuer: cfg.JWTIssuer, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
	case ModeAPIKey:
		for _, key := range cfg.APIKeys {
			if key = strings.TrimSpace(key); key != "" {
				svc.apiKeys = append(svc.apiKeys, []byte(key))
			}
		}
		if len(svc.apiKeys) == 0 {
			return nil, errors.New("api_key 模式至少需要一个密钥")
		}
	case ModeJWT:
		if strings.TrimSpace(cfg.JWTSecret) == "" {
			return nil, errors.New("jwt 模式必须配置签名密钥")
		}
		svc.secret = []byte(cfg.JWTSecret)
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}
	return svc, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 从请求头中提取凭据并返回调用方主体。
// API Key 可以放在 X-API-Key 头中，也可以作为 Bearer 令牌传入。
func (s *Service) AuthenticateRequest(r *http.Request) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	credential := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if credential == "" {
		credential = bearer(r.Header.Get("Authorization"))
	}
	if credential == "" {
		return nil, ErrMissingToken
	}
	switch s.mode {
	case ModeAPIKey:
		return s.verifyAPIKey(credential)
	case ModeJWT:
		return s.verifyJWT(credential)
	default:
		return nil, ErrDisabled
	}
}

func bearer(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// verifyAPIKey 以常量时间比较所有已配置的密钥。
func (s *Service) verifyAPIKey(key string) (*Subject, error) {
	candidate := []byte(key)
	matched := false
	for _, k := range s.apiKeys {
		if subtle.ConstantTimeCompare(candidate, k) == 1 {
			matched = true
		}
	}
	if !matched {
		return nil, ErrInvalidAPIKey
	}
	sum := sha256.Sum256(candidate)
	return &Subject{
		ID:     "key:" + hex.EncodeToString(sum[:4]),
		Method: ModeAPIKey,
		Scopes: []string{ScopeAll},
	}, nil
}

// verifyJWT 校验 HS256 签名、过期时间与签发方。
func (s *Service) verifyJWT(token string) (*Subject, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	subject := &Subject{
		ID:     claims.Subject,
		Method: ModeJWT,
		Scopes: parseScopes(claims.Scope),
	}
	if claims.ExpiresAt != nil {
		subject.ExpiresAt = claims.ExpiresAt.Time
	}
	return subject, nil
}

// IssueToken 为 subject 签发 HS256 令牌，主要供运维脚本与测试使用。
func (s *Service) IssueToken(subject string, scopes []string, ttl time.Duration) (string, error) {
	if s == nil || s.mode != ModeJWT {
		return "", ErrDisabled
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := Claims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
