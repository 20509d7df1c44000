package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/penserai/acteon/domain"
)

func parseTimeParam(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}

func parseIntParam(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// handleAuditQuery implements GET /v1/audit?… (spec.md §6), translating
// query parameters 1:1 into domain.AuditQuery.
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := domain.AuditQuery{
		Namespace:   q.Get("namespace"),
		Tenant:      q.Get("tenant"),
		Provider:    q.Get("provider"),
		ActionType:  q.Get("action_type"),
		OutcomeKind: domain.OutcomeKind(q.Get("outcome_kind")),
		ActionID:    q.Get("action_id"),
		ChainID:     q.Get("chain_id"),
		Since:       parseTimeParam(q.Get("since")),
		Until:       parseTimeParam(q.Get("until")),
		Limit:       parseIntParam(q.Get("limit"), 100),
		Offset:      parseIntParam(q.Get("offset"), 0),
	}

	page, err := s.Audit.Query(r.Context(), query)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleAuditVerify implements POST /v1/audit/verify — hash-chain
// verification scoped to ?namespace=&tenant=.
func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	tenant := r.URL.Query().Get("tenant")
	result, err := s.Audit.Verify(r.Context(), namespace, tenant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
