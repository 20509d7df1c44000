package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/penserai/acteon/domain"
	"github.com/penserai/acteon/stream"
)

// writeSSEEvent frames one event as `id: <UUIDv7>\nevent: <tag>\ndata:
// <JSON>\n\n` (spec.md §6) and flushes it immediately.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev domain.StreamEvent) {
	data := ev.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	if ev.ID != "" {
		fmt.Fprintf(w, "id: %s\n", ev.ID)
	}
	fmt.Fprintf(w, "event: %s\n", ev.Kind)
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func parseFilter(r *http.Request) stream.Filter {
	q := r.URL.Query()
	f := stream.Filter{
		Namespace:  q.Get("namespace"),
		Tenant:     q.Get("tenant"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
	}
	if kinds := q.Get("kinds"); kinds != "" {
		for _, k := range strings.Split(kinds, ",") {
			f.Kinds = append(f.Kinds, domain.StreamEventKind(strings.TrimSpace(k)))
		}
	}
	return f
}

func sseFlusher(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return flusher, ok
}

// handleStream implements GET /v1/stream: the broadcast firehose with
// filters and Last-Event-ID catch-up replayed against the audit store.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := sseFlusher(w)
	if !ok {
		writeError(w, r, badRequest("streaming unsupported"))
		return
	}

	filter := parseFilter(r)
	tenant := filter.Tenant
	if tenant == "" {
		tenant = "*"
	}
	sub, err := s.Hub.Subscribe(tenant, filter)
	if err != nil {
		writeError(w, r, forbidden(err.Error()))
		return
	}
	defer sub.Close()

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if lastEventID := r.Header.Get("Last-Event-ID"); lastEventID != "" {
		events, err := stream.Replay(r.Context(), s.Audit, filter, lastEventID, 500)
		if err == nil {
			for _, ev := range events {
				writeSSEEvent(w, flusher, ev)
			}
		}
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			writeSSEEvent(w, flusher, ev)
		}
	}
}

// handleSubscribe implements GET /v1/subscribe/{entity_type}/{entity_id}:
// an entity-scoped SSE stream that replays catch-up events, streams
// live updates, and closes with subscription_end (retry: 0) once the
// entity reaches a terminal state.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entity_type")
	entityID := chi.URLParam(r, "entity_id")

	flusher, ok := sseFlusher(w)
	if !ok {
		writeError(w, r, badRequest("streaming unsupported"))
		return
	}

	filter := stream.Filter{EntityType: entityType, EntityID: entityID}
	sub, err := s.Hub.Subscribe("*", filter)
	if err != nil {
		writeError(w, r, forbidden(err.Error()))
		return
	}
	defer sub.Close()

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if catchUp, err := stream.Replay(r.Context(), s.Audit, filter, zeroUUID, 100); err == nil {
		for _, ev := range catchUp {
			writeSSEEvent(w, flusher, ev)
		}
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			writeSSEEvent(w, flusher, ev)
			if s.entityTerminal(r.Context(), entityType, entityID, ev) {
				fmt.Fprintf(w, "event: %s\nretry: 0\ndata: {}\n\n", domain.StreamEventSubscriptionEnd)
				flusher.Flush()
				return
			}
		}
	}
}

// zeroUUID is a lowest-possible UUIDv7 string, used to make
// stream.Replay treat a fresh /v1/subscribe connection's catch-up
// window as "everything since the beginning" rather than "nothing"
// (Replay treats an empty lastEventID as "replay nothing").
const zeroUUID = "00000000-0000-7000-8000-000000000000"

// entityTerminal reports whether the entity the subscription is scoped
// to has reached a state from which it will emit no further events.
func (s *Server) entityTerminal(ctx context.Context, entityType, entityID string, ev domain.StreamEvent) bool {
	switch entityType {
	case "chain":
		if ev.Kind != domain.StreamEventChainAdvanced || s.Chains == nil {
			return false
		}
		cs, err := s.Chains.Get(ctx, entityID)
		if err != nil {
			return false
		}
		switch cs.Status {
		case domain.ChainCompleted, domain.ChainFailed, domain.ChainCancelled, domain.ChainTimedOut:
			return true
		}
		return false
	case "approval":
		return ev.Kind == domain.StreamEventApprovalDecided
	case "group":
		return ev.Kind == domain.StreamEventGroupResolved
	default:
		return false
	}
}
