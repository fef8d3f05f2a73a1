package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func protected(t *testing.T, svc *Service, cfg MiddlewareConfig) http.Handler {
	t.Helper()
	return svc.Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := SubjectFromContext(r.Context())
		if subject == nil {
			_, _ = w.Write([]byte("anonymous"))
			return
		}
		_, _ = w.Write([]byte(subject.ID))
	}))
}

func TestDisabledModePassesThrough(t *testing.T) {
	svc, err := NewService(Config{})
	require.NoError(t, err)
	require.Equal(t, ModeDisabled, svc.Mode())

	rec := httptest.NewRecorder()
	protected(t, svc, MiddlewareConfig{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "anonymous", rec.Body.String())
}

func TestAPIKeyMode(t *testing.T) {
	_, err := NewService(Config{Mode: ModeAPIKey})
	require.Error(t, err)

	svc, err := NewService(Config{Mode: "API_KEY", APIKeys: []string{" k-1 ", "k-2"}})
	require.NoError(t, err)
	handler := protected(t, svc, MiddlewareConfig{RequiredScopes: map[string][]string{"*": {"requests:write"}}})

	cases := []struct {
		name   string
		header string
		value  string
		status int
	}{
		{"header key", HeaderAPIKey, "k-1", http.StatusOK},
		{"bearer key", "Authorization", "Bearer k-2", http.StatusOK},
		{"wrong key", HeaderAPIKey, "nope", http.StatusUnauthorized},
		{"missing", "", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusOK {
				require.Contains(t, rec.Body.String(), "key:")
				return
			}
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.Equal(t, "UNAUTHENTICATED", body["code"])
		})
	}
}

func TestJWTMode(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeJWT, JWTSecret: "s3cret", JWTIssuer: "hivemind"})
	require.NoError(t, err)
	handler := protected(t, svc, MiddlewareConfig{RequiredScopes: map[string][]string{http.MethodPost: {"requests:write"}}})

	writer, err := svc.IssueToken("alice", []string{"requests:write", "tasks:read"}, time.Minute)
	require.NoError(t, err)
	reader, err := svc.IssueToken("bob", []string{"tasks:read"}, time.Minute)
	require.NoError(t, err)

	send := func(method, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/api/v1/requests", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := send(http.MethodPost, writer)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "alice", rec.Body.String())

	require.Equal(t, http.StatusForbidden, send(http.MethodPost, reader).Code)
	require.Equal(t, http.StatusOK, send(http.MethodGet, reader).Code)

	other, err := NewService(Config{Mode: ModeJWT, JWTSecret: "other", JWTIssuer: "hivemind"})
	require.NoError(t, err)
	forged, err := other.IssueToken("mallory", []string{"requests:write"}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, send(http.MethodPost, forged).Code)
}

func TestJWTRejectsExpiredAndForeignIssuer(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeJWT, JWTSecret: "s3cret", JWTIssuer: "hivemind"})
	require.NoError(t, err)

	sign := func(claims Claims) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s3cret"))
		require.NoError(t, err)
		return token
	}
	expired := sign(Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "hivemind",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}})
	foreign := sign(Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "someone-else",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}})
	noExpiry := sign(Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", Issuer: "hivemind"}})

	for _, token := range []string{expired, foreign, noExpiry} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		_, err := svc.AuthenticateRequest(req)
		require.ErrorIs(t, err, ErrInvalidToken)
	}
}

func TestSubjectScopes(t *testing.T) {
	s := &Subject{Scopes: parseScopes("requests:write, TASKS:read")}
	require.True(t, s.HasScope("tasks:read"))
	require.NoError(t, s.Authorize("requests:write", ""))
	require.ErrorIs(t, s.Authorize("admin"), ErrPermissionDenied)

	all := &Subject{Scopes: []string{ScopeAll}}
	require.True(t, all.HasScope("anything"))

	var nilSubject *Subject
	require.ErrorIs(t, nilSubject.Authorize("x"), ErrInvalidToken)
}
