package http

import (
	"context"
	"net/http"
	"strings"

	gwerrors "github.com/penserai/acteon/infrastructure/errors"
	"github.com/penserai/acteon/infrastructure/middleware"
)

func badRequest(message string) error { return gwerrors.Validation(message) }
func forbidden(message string) error  { return gwerrors.Auth(message) }

// notFound builds a GatewayError of kind validation whose HTTP status
// is overridden to 404, for lookups (chain definitions, admin routes)
// that don't fit the dispatch pipeline's own error taxonomy.
func notFound(message string) error {
	ge := gwerrors.Validation(message)
	ge.HTTPStatus = http.StatusNotFound
	return ge
}

// callerFromContext reads the Principal that
// infrastructure/middleware.AuthMiddleware attached to the request
// context, if auth is enabled and the request authenticated.
func callerFromContext(ctx context.Context) string {
	if p, ok := middleware.PrincipalFromContext(ctx); ok {
		return p.Name
	}
	return ""
}

// bearerToken extracts a raw token from an "Authorization: Bearer ..."
// header, used by the approval-decision endpoints whose HMAC token is
// the decision's authorization, independent of the gateway's own
// principal auth.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return r.URL.Query().Get("token")
}
