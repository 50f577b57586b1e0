package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/wolfeidau/strategy-cache/access"
)

// authMiddleware returns middleware that maps Bearer tokens to principals.
// When no tokens are configured, the middleware is a no-op and every
// request is anonymous. Exact paths /health and /metrics are exempt from
// authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if len(s.config.Tokens) == 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Exempt exact paths for health checks and metrics.
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			unauthorizedResponse(w)
			return
		}

		principal, ok := s.lookupToken(strings.TrimPrefix(auth, "Bearer "))
		if !ok {
			unauthorizedResponse(w)
			return
		}

		next.ServeHTTP(w, r.WithContext(access.WithPrincipal(r.Context(), principal)))
	})
}

// lookupToken compares provided against every configured token so the
// time taken does not depend on which one matched.
func (s *Server) lookupToken(provided string) (access.Principal, bool) {
	var (
		found access.Principal
		ok    bool
	)
	for token, id := range s.config.Tokens {
		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) == 1 {
			found, ok = access.Principal{ID: id}, true
		}
	}
	return found, ok
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"}) //nolint:errcheck
}
