package control

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/akmlabs5/loanledger-edge/internal/metrics"
	"github.com/akmlabs5/loanledger-edge/internal/ratelimit"
)

// RequireToken returns a chi-compatible middleware that demands
// "Authorization: Bearer <token>". An empty token disables the check.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "missing or invalid authorization header", "", "missing_token")
				return
			}
			presented := strings.TrimPrefix(auth, "Bearer ")
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid control token", "", "invalid_token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit returns a middleware limiting requests per client IP. A nil
// store disables limiting.
func RateLimit(store *ratelimit.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !store.Allow(ratelimit.ClientIP(r)) {
				metrics.RateLimitRejections.Inc()
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "too many control requests", "", "rate_limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
