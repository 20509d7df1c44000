package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/penserai/acteon/infrastructure/authconfig"
	"github.com/penserai/acteon/infrastructure/logging"
)

// principalContextKey is the context key the auth middleware stores the
// resolved authconfig.Principal under.
type principalContextKey struct{}

// WithPrincipal returns a context carrying the authenticated principal.
func WithPrincipal(ctx context.Context, p authconfig.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext returns the principal authenticated for this
// request, if any.
func PrincipalFromContext(ctx context.Context) (authconfig.Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(authconfig.Principal)
	return p, ok
}

type authAuditEvent struct {
	ctx       context.Context
	reason    string
	method    string
	path      string
	clientIP  string
	userAgent string
}

// AuthMiddleware authenticates requests against the configured auth.toml,
// accepting either an `X-API-Key` header or an `Authorization: Bearer`
// token, both checked against the SHA-256 digests in api_keys[]. Rejections
// are audit-logged off the request's critical path, mirroring the header
// gate pattern the teacher used for its Vercel shared-secret check.
type AuthMiddleware struct {
	cfg         *authconfig.Config
	logger      *logging.Logger
	auditOnce   sync.Once
	auditQueue  chan *authAuditEvent
	exemptPaths map[string]bool
}

// NewAuthMiddleware builds an AuthMiddleware. exemptPaths bypass
// authentication entirely (health checks, metrics).
func NewAuthMiddleware(cfg *authconfig.Config, logger *logging.Logger, exemptPaths ...string) *AuthMiddleware {
	exempt := make(map[string]bool, len(exemptPaths))
	for _, p := range exemptPaths {
		exempt[p] = true
	}
	return &AuthMiddleware{cfg: cfg, logger: logger, exemptPaths: exempt}
}

func (m *AuthMiddleware) enqueueAudit(event *authAuditEvent) {
	if event == nil || m.logger == nil {
		return
	}
	m.auditOnce.Do(func() {
		m.auditQueue = make(chan *authAuditEvent, 256)
		go func() {
			for evt := range m.auditQueue {
				m.logger.WithContext(evt.ctx).WithFields(map[string]interface{}{
					"audit":      true,
					"event_type": "auth_reject",
					"reason":     evt.reason,
					"method":     evt.method,
					"path":       evt.path,
					"client_ip":  evt.clientIP,
					"user_agent": evt.userAgent,
				}).Warn("request rejected by auth middleware")
			}
		}()
	})

	select {
	case m.auditQueue <- event:
	default:
		// Never block request processing for audit logging.
	}
}

func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return rest
		}
	}
	return ""
}

// Handler returns the auth middleware handler.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.exemptPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		if m.cfg == nil || !m.cfg.Settings.RequireAuth {
			next.ServeHTTP(w, r)
			return
		}

		rawKey := extractAPIKey(r)
		if rawKey == "" {
			m.enqueueAudit(&authAuditEvent{
				ctx: r.Context(), reason: "missing_credential",
				method: r.Method, path: r.URL.Path,
				clientIP: ClientIP(r), userAgent: r.UserAgent(),
			})
			Unauthorized(w, "unauthorized")
			return
		}

		principal, ok := m.cfg.AuthenticateAPIKey(rawKey)
		if !ok {
			m.enqueueAudit(&authAuditEvent{
				ctx: r.Context(), reason: "invalid_credential",
				method: r.Method, path: r.URL.Path,
				clientIP: ClientIP(r), userAgent: r.UserAgent(),
			})
			Unauthorized(w, "unauthorized")
			return
		}

		ctx := WithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
