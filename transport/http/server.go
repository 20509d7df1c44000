// Package http is the gateway's thin wire edge (spec.md §6). It holds
// no policy logic of its own: every handler decodes/encodes JSON and
// delegates straight to the dispatcher, audit store, chain engine,
// approval store, breaker manager, rule engine or broadcast hub.
package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/penserai/acteon/approval"
	"github.com/penserai/acteon/audit"
	"github.com/penserai/acteon/breaker"
	"github.com/penserai/acteon/chainengine"
	"github.com/penserai/acteon/dispatcher"
	"github.com/penserai/acteon/stream"
)

// Server wires every domain component to chi routes. It is built once
// at startup by cmd/gateway and handed to http.Server as the handler.
// The ambient stack — auth, tracing, recovery, CORS, body limits,
// timeouts, metrics — is applied by cmd/gateway around Routes(), not
// here; Server itself holds no policy logic (spec.md §6).
type Server struct {
	Dispatcher *dispatcher.Dispatcher
	Audit      audit.Store
	Chains     *chainengine.Engine
	Approvals  *approval.Store
	Breakers   *breaker.Manager
	Hub        *stream.Hub
	RuleAdmin  *RuleAdmin
}

// Routes builds the chi router. Auth, tracing, recovery, CORS, body
// limits and the rest of the ambient middleware stack are applied by
// cmd/gateway around the returned handler, not here — this router only
// knows about endpoint shapes.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/v1", func(r chi.Router) {
		r.Post("/dispatch", s.handleDispatch)
		r.Post("/dispatch/batch", s.handleDispatchBatch)

		r.Get("/audit", s.handleAuditQuery)
		r.Post("/audit/verify", s.handleAuditVerify)

		r.Get("/chains/{id}", s.handleChainGet)
		r.Post("/chains/{id}/cancel", s.handleChainCancel)
		r.Get("/chains/definitions/{name}/dag", s.handleChainDAG)

		r.Get("/approvals", s.handleApprovalsList)
		r.Post("/approvals/{ns}/{tenant}/{id}/approve", s.handleApprovalDecide(true))
		r.Post("/approvals/{ns}/{tenant}/{id}/reject", s.handleApprovalDecide(false))

		r.Get("/stream", s.handleStream)
		r.Get("/subscribe/{entity_type}/{entity_id}", s.handleSubscribe)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/rules", s.handleAdminRulesList)
			r.Post("/rules/reload", s.handleAdminRulesReload)
			r.Post("/rules/{name}/toggle", s.handleAdminRuleToggle)

			r.Get("/breakers", s.handleAdminBreakersList)
			r.Post("/breakers/{provider}/trip", s.handleAdminBreakerTrip)
			r.Post("/breakers/{provider}/reset", s.handleAdminBreakerReset)

			r.Get("/dlq", s.handleAdminDLQList)
			r.Post("/dlq/drain", s.handleAdminDLQDrain)
		})
	})

	return r
}
