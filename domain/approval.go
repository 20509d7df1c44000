package domain

import "time"

// ApprovalStatus is the lifecycle state of an Approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Approval is a held action awaiting a human HMAC-signed decision
// (spec.md §3, §4.6).
type Approval struct {
	ApprovalID string `json:"approval_id"`
	Namespace  string `json:"namespace"`
	Tenant     string `json:"tenant"`

	Action      Action `json:"action"`
	Token       string `json:"token"`
	RuleName    string `json:"rule_name"`
	Message     string `json:"message,omitempty"`
	NotifyTo    []string `json:"notify_to,omitempty"`

	Status ApprovalStatus `json:"status"`

	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
	DecidedBy  string     `json:"decided_by,omitempty"`

	// NotifyFailedAt is set when the initial approval-requested
	// notification failed, so the Background Processor can retry it.
	NotifyFailedAt *time.Time `json:"notify_failed_at,omitempty"`
}

// Decided reports whether the approval has left the pending state.
func (a Approval) Decided() bool {
	return a.Status != ApprovalPending
}
