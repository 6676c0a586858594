// Package middleware provides HTTP middleware for the proxy server.
package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/xilu0/antigravity-claude-proxy/internal/claude"
)

// APIKeyValidator reports whether a presented API key is acceptable.
type APIKeyValidator func(key string) bool

// Auth rejects requests that carry no valid API key. The health endpoint
// stays open for probes.
func Auth(validate APIKeyValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			key := apiKeyFromRequest(r)
			switch {
			case key == "":
				logger.Warn("missing API key",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr)
				claude.NewAuthenticationError("missing API key").WriteError(w)
			case !validate(key):
				logger.Warn("invalid API key",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr)
				claude.NewAuthenticationError("invalid API key").WriteError(w)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// apiKeyFromRequest reads the key from the x-api-key header, falling back to
// a Bearer Authorization header.
func apiKeyFromRequest(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	const bearer = "Bearer "
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, bearer) {
		return strings.TrimPrefix(auth, bearer)
	}
	return ""
}
