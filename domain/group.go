package domain

import (
	"encoding/json"
	"time"
)

// GroupState is the lifecycle state of an EventGroup.
type GroupState string

const (
	GroupPending  GroupState = "pending"
	GroupNotified GroupState = "notified"
	GroupResolved GroupState = "resolved"
)

// GroupEvent is one action folded into an EventGroup.
type GroupEvent struct {
	ActionID  string          `json:"action_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	AddedAt   time.Time       `json:"added_at"`
}

// EventGroup is the aggregation bucket a Group directive accumulates
// into (spec.md §3, §4.5).
type EventGroup struct {
	GroupID   string       `json:"group_id"`
	GroupKey  string       `json:"group_key"`
	Namespace string       `json:"namespace"`
	Tenant    string       `json:"tenant"`

	Events []GroupEvent `json:"events"`
	State  GroupState   `json:"state"`

	// Template is the digest template text configured on the rule that
	// created this group, carried here so a later flush (which may run
	// long after rule evaluation) still renders with it.
	Template string `json:"template,omitempty"`

	NotifyAt  time.Time `json:"notify_at"`
	CreatedAt time.Time `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Size returns the number of events folded into the group so far.
func (g EventGroup) Size() int { return len(g.Events) }
