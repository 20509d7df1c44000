package middleware

import (
	"net/http"

	"github.com/penserai/acteon/infrastructure/ratelimit"
)

// RateLimitMiddleware enforces a per-caller request budget at the
// transport edge using ratelimit.Manager, keyed by the authenticated
// principal when present, falling back to client IP.
type RateLimitMiddleware struct {
	manager *ratelimit.Manager
}

// NewRateLimitMiddleware wraps an existing ratelimit.Manager for HTTP use.
func NewRateLimitMiddleware(manager *ratelimit.Manager) *RateLimitMiddleware {
	return &RateLimitMiddleware{manager: manager}
}

// Handler returns the rate-limiting middleware handler.
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil || m.manager == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := ""
		if p, ok := PrincipalFromContext(r.Context()); ok {
			key = p.Name
		}
		if key == "" {
			key = ClientIP(r)
		}

		if !m.manager.Allow(key) {
			w.Header().Set("Retry-After", "1")
			WriteErrorResponse(w, r, http.StatusTooManyRequests,
				"rate_limit_exceeded", "rate limit exceeded", map[string]interface{}{"key": key})
			return
		}

		next.ServeHTTP(w, r)
	})
}
