package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/penserai/acteon/approval"
	"github.com/penserai/acteon/audit"
	"github.com/penserai/acteon/chainengine"
	gwerrors "github.com/penserai/acteon/infrastructure/errors"
	"github.com/penserai/acteon/infrastructure/middleware"
	"github.com/penserai/acteon/infrastructure/state"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeError maps err to the gateway's {code, message, details} error
// envelope (infrastructure/middleware.WriteErrorResponse), classifying
// plain errors (ErrNotFound from audit/approval.Decide) into the right
// HTTP status alongside GatewayError's own Kind.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if ge, ok := gwerrors.As(err); ok {
		middleware.WriteErrorResponse(w, r, ge.HTTPStatus, string(ge.Kind), ge.Message, ge.Details)
		return
	}
	if errors.Is(err, audit.ErrNotFound) || errors.Is(err, state.ErrNotFound) || errors.Is(err, chainengine.ErrUnknownChain) {
		middleware.WriteErrorResponse(w, r, http.StatusNotFound, "not_found", "record not found", nil)
		return
	}
	if errors.Is(err, approval.ErrInvalidToken) {
		middleware.WriteErrorResponse(w, r, http.StatusUnauthorized, "auth", err.Error(), nil)
		return
	}
	if errors.Is(err, approval.ErrAlreadyDecided) || errors.Is(err, chainengine.ErrChainLocked) {
		middleware.WriteErrorResponse(w, r, http.StatusConflict, "conflict", err.Error(), nil)
		return
	}
	middleware.WriteErrorResponse(w, r, http.StatusInternalServerError, "internal", err.Error(), nil)
}
