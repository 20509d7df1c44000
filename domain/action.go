// Package domain holds the shared types the dispatch pipeline operates on:
// actions, rules, outcomes, audit records, chain state, groups and approvals.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Action is an immutable submission: a tenant-scoped intent to invoke a
// named provider with a JSON payload.
type Action struct {
	ID         string            `json:"id"`
	Namespace  string            `json:"namespace"`
	Tenant     string            `json:"tenant"`
	Provider   string            `json:"provider"`
	ActionType string            `json:"action_type"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	DedupKey    string `json:"dedup_key,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Status      string `json:"status,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartsAt  *time.Time `json:"starts_at,omitempty"`
	EndsAt    *time.Time `json:"ends_at,omitempty"`

	// Caller is the authenticated identity that submitted the action;
	// used for caller-scoped rate limiting. Not part of the wire schema.
	Caller string `json:"-"`

	// DryRun short-circuits the dispatcher at stage 6 without side effects.
	DryRun bool `json:"-"`

	// bypassApproval is set when re-dispatching an approved action, so the
	// RequestApproval rule that originally held it does not fire again.
	bypassApproval bool

	// ChainID, when set, marks this action as a synthesized chain step.
	ChainID string `json:"chain_id,omitempty"`
}

// NewActionID generates a fresh UUIDv4 action identifier.
func NewActionID() string {
	return uuid.New().String()
}

// BypassApproval reports whether this action should skip RequestApproval
// directives (set when re-dispatching an approved action).
func (a *Action) BypassApproval() bool { return a.bypassApproval }

// WithBypassApproval returns a copy of the action flagged to bypass
// approval rules, used when re-dispatching an approved action.
func (a Action) WithBypassApproval() Action {
	a.bypassApproval = true
	return a
}

// Expired reports whether the action's ends_at has already passed.
func (a *Action) Expired(now time.Time) bool {
	return a.EndsAt != nil && !a.EndsAt.After(now)
}

// NotYetStarted reports whether the action's starts_at is still in the future.
func (a *Action) NotYetStarted(now time.Time) bool {
	return a.StartsAt != nil && a.StartsAt.After(now)
}

// Clone returns a deep-enough copy of the action safe for mutation
// (provider rerouting, payload patching) without affecting the caller's copy.
func (a Action) Clone() Action {
	clone := a
	if a.Payload != nil {
		clone.Payload = append(json.RawMessage(nil), a.Payload...)
	}
	if a.Metadata != nil {
		clone.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			clone.Metadata[k] = v
		}
	}
	return clone
}
