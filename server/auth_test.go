package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/strategy-cache/access"
)

// principalHandler echoes the principal id from the request context.
var principalHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	p, _ := access.PrincipalFromContext(r.Context())
	w.Header().Set("X-Principal", p.ID)
	w.WriteHeader(http.StatusOK)
})

func TestAuthMiddleware_NoTokens_NoOp(t *testing.T) {
	s := &Server{config: Config{}}
	handler := s.authMiddleware(principalHandler)

	req := httptest.NewRequest(http.MethodGet, "/fetch", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("X-Principal"), "requests stay anonymous")
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	s := &Server{config: Config{Tokens: map[string]string{"tok-alice": "alice", "tok-bob": "bob"}}}
	handler := s.authMiddleware(principalHandler)

	for token, id := range s.config.Tokens {
		req := httptest.NewRequest(http.MethodGet, "/fetch", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, id, rec.Header().Get("X-Principal"))
	}
}

func TestAuthMiddleware_InvalidToken(t *testing.T) {
	s := &Server{config: Config{Tokens: map[string]string{"tok-alice": "alice"}}}
	handler := s.authMiddleware(principalHandler)

	req := httptest.NewRequest(http.MethodGet, "/fetch", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	var body map[string]string
	err := json.NewDecoder(rec.Body).Decode(&body)
	require.NoError(t, err)
	require.Equal(t, "unauthorized", body["error"])
}

func TestAuthMiddleware_MissingHeader(t *testing.T) {
	s := &Server{config: Config{Tokens: map[string]string{"tok-alice": "alice"}}}
	handler := s.authMiddleware(principalHandler)

	req := httptest.NewRequest(http.MethodGet, "/fetch", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddleware_WrongScheme(t *testing.T) {
	s := &Server{config: Config{Tokens: map[string]string{"tok-alice": "alice"}}}
	handler := s.authMiddleware(principalHandler)

	req := httptest.NewRequest(http.MethodGet, "/fetch", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddleware_ExemptPaths(t *testing.T) {
	s := &Server{config: Config{Tokens: map[string]string{"tok-alice": "alice"}}}
	handler := s.authMiddleware(principalHandler)

	for _, path := range []string{"/health", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, http.StatusOK, rec.Code, "path %s should be exempt from auth", path)
		})
	}
}

func TestAuthMiddleware_ProtectedPaths(t *testing.T) {
	s := &Server{config: Config{Tokens: map[string]string{"tok-alice": "alice"}}}
	handler := s.authMiddleware(principalHandler)

	for _, path := range []string{"/fetch", "/cache", "/invalidate", "/quota", "/report", "/offline", "/ws/invalidations"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, http.StatusUnauthorized, rec.Code, "path %s should require auth", path)
		})
	}
}
