package http

import (
	"net/http"

	"github.com/penserai/acteon/domain"
)

// handleApprovalsList implements GET /v1/approvals, optionally scoped
// by ?namespace=&tenant=&status=.
func (s *Server) handleApprovalsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	approvals, err := s.Approvals.List(r.Context(), q.Get("namespace"), q.Get("tenant"), domain.ApprovalStatus(q.Get("status")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, approvals)
}

// handleApprovalDecide implements POST
// /v1/approvals/{ns}/{tenant}/{id}/{approve|reject}. The path segments
// identify the approval for routing and auditing; the HMAC token
// carried as a bearer credential or ?token= is what actually
// authorizes the decision (approval.Store.Decide derives the approval
// id from the token itself).
func (s *Server) handleApprovalDecide(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, r, badRequest("missing approval token"))
			return
		}
		decidedBy := callerFromContext(r.Context())
		if decidedBy == "" {
			decidedBy = "anonymous"
		}

		approval, err := s.Approvals.Decide(r.Context(), token, approve, decidedBy)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, approval)
	}
}
