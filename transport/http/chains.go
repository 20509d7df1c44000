package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleChainGet implements GET /v1/chains/{id}.
func (s *Server) handleChainGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, err := s.Chains.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleChainCancel implements POST /v1/chains/{id}/cancel.
func (s *Server) handleChainCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Chains.Cancel(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"chain_id": id, "status": "cancelled"})
}

// handleChainDAG implements GET /v1/chains/definitions/{name}/dag,
// returning the raw ChainConfig a UI renders as a graph.
func (s *Server) handleChainDAG(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	def, ok := s.Chains.Definition(name)
	if !ok {
		writeError(w, r, notFound("unknown chain definition"))
		return
	}
	writeJSON(w, http.StatusOK, def)
}
