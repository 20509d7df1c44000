package domain

import "encoding/json"

// StreamEventKind is the SSE "event:" tag (spec.md §6).
type StreamEventKind string

const (
	StreamEventDispatched          StreamEventKind = "dispatched"
	StreamEventGroupResolved       StreamEventKind = "group_resolved"
	StreamEventActionStatusChanged StreamEventKind = "action_status_changed"
	StreamEventApprovalDecided     StreamEventKind = "approval_decided"
	StreamEventChainAdvanced       StreamEventKind = "chain_advanced"

	// StreamEventLagged is delivered in place of whatever events a slow
	// subscriber's bounded buffer dropped (spec.md §5: "on overflow a
	// lagged marker is delivered").
	StreamEventLagged StreamEventKind = "lagged"

	// StreamEventSubscriptionEnd closes an entity-scoped subscription
	// once the entity reaches a terminal state (spec.md §6,
	// GET /v1/subscribe/{entity_type}/{entity_id}).
	StreamEventSubscriptionEnd StreamEventKind = "subscription_end"
)

// StreamEvent is one SSE frame: `id: <UUIDv7>\nevent: <Kind>\ndata:
// <JSON>\n\n`. ID is a UUIDv7 so that GET /v1/stream's Last-Event-ID
// catch-up can locate a resume point by comparing IDs lexicographically
// (spec.md §5: "UUIDv7 audit IDs are globally monotonic within one
// process").
type StreamEvent struct {
	ID    string          `json:"-"`
	Kind  StreamEventKind `json:"-"`
	Data  json.RawMessage `json:"-"`

	// Namespace, Tenant, EntityType and EntityID are match criteria for
	// subscription filters; they are not part of the wire payload (Data
	// already carries whatever fields the event kind needs).
	Namespace  string `json:"-"`
	Tenant     string `json:"-"`
	EntityType string `json:"-"`
	EntityID   string `json:"-"`
}
