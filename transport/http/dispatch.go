package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/penserai/acteon/domain"
	"github.com/penserai/acteon/infrastructure/middleware"
)

// dispatchResponse is the wire shape of POST /v1/dispatch and each
// element of POST /v1/dispatch/batch's response array (spec.md §6).
type dispatchResponse struct {
	ActionID string               `json:"action_id"`
	Outcome  domain.ActionOutcome `json:"outcome"`
	Details  interface{}          `json:"details,omitempty"`
}

// prepare fills in the server-generated fields of a client-submitted
// Action (id, created_at, caller, dry_run) and stamps the caller
// identity resolved by auth middleware.
func prepare(r *http.Request, action domain.Action) domain.Action {
	action.ID = domain.NewActionID()
	action.CreatedAt = time.Now()
	action.Caller = callerFromContext(r.Context())
	if r.URL.Query().Get("dry_run") == "true" {
		action.DryRun = true
	}
	return action
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var action domain.Action
	if err := decodeJSON(r, &action); err != nil {
		writeError(w, r, badRequest("malformed action body: "+err.Error()))
		return
	}
	action = prepare(r, action)
	if p, ok := middleware.PrincipalFromContext(r.Context()); ok && !p.Allows(action.Tenant, action.Namespace, action.ActionType) {
		writeError(w, r, forbidden("principal not granted for this tenant/namespace/action_type"))
		return
	}

	outcome, response, err := s.Dispatcher.Dispatch(r.Context(), action)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dispatchResponse{ActionID: action.ID, Outcome: outcome, Details: rawOrNil(response)})
}

func (s *Server) handleDispatchBatch(w http.ResponseWriter, r *http.Request) {
	var actions []domain.Action
	if err := decodeJSON(r, &actions); err != nil {
		writeError(w, r, badRequest("malformed action array: "+err.Error()))
		return
	}

	results := make([]dispatchResponse, len(actions))
	for i, action := range actions {
		action = prepare(r, action)
		if p, ok := middleware.PrincipalFromContext(r.Context()); ok && !p.Allows(action.Tenant, action.Namespace, action.ActionType) {
			results[i] = dispatchResponse{ActionID: action.ID, Outcome: domain.ActionOutcome{}}
			continue
		}
		outcome, response, err := s.Dispatcher.Dispatch(r.Context(), action)
		if err != nil {
			results[i] = dispatchResponse{ActionID: action.ID}
			continue
		}
		results[i] = dispatchResponse{ActionID: action.ID, Outcome: outcome, Details: rawOrNil(response)}
	}
	writeJSON(w, http.StatusOK, results)
}

func rawOrNil(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
