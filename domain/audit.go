package domain

import "time"

// AuditRecord is written once per terminal outcome (spec.md §3, §8).
// When hash-chain mode is active, RecordHash and PreviousHash form a
// SHA-256 chain and SequenceNumber is dense and strictly increasing per
// (Namespace, Tenant); see package audit for the chain implementation.
type AuditRecord struct {
	ID        string `json:"id" db:"id"`
	ActionID  string `json:"action_id" db:"action_id"`
	ChainID   string `json:"chain_id,omitempty" db:"chain_id"`

	Namespace  string `json:"namespace" db:"namespace"`
	Tenant     string `json:"tenant" db:"tenant"`
	Provider   string `json:"provider" db:"provider"`
	ActionType string `json:"action_type" db:"action_type"`
	Caller     string `json:"caller,omitempty" db:"caller"`

	Verdict     string `json:"verdict" db:"verdict"`
	MatchedRule string `json:"matched_rule,omitempty" db:"matched_rule"`
	OutcomeKind OutcomeKind `json:"outcome_kind" db:"outcome_kind"`

	// Payload is the (possibly redacted) action payload, stored as raw
	// JSON text; configured fields are replaced by a placeholder by the
	// dispatcher (infrastructure/redaction) before the record is written.
	Payload []byte `json:"payload,omitempty" db:"payload"`

	DurationMS   int64      `json:"duration_ms" db:"duration_ms"`
	DispatchedAt time.Time  `json:"dispatched_at" db:"dispatched_at"`
	CompletedAt  time.Time  `json:"completed_at" db:"completed_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty" db:"expires_at"`

	RecordHash     string `json:"record_hash,omitempty" db:"record_hash"`
	PreviousHash   string `json:"previous_hash,omitempty" db:"previous_hash"`
	SequenceNumber int64  `json:"sequence_number" db:"sequence_number"`

	ComplianceHold bool `json:"compliance_hold,omitempty" db:"compliance_hold"`
}

// AuditQuery filters a listing of audit records (spec.md §6,
// GET /v1/audit).
type AuditQuery struct {
	Namespace   string
	Tenant      string
	Provider    string
	ActionType  string
	OutcomeKind OutcomeKind
	ActionID    string
	ChainID     string
	Since       *time.Time
	Until       *time.Time
	Limit       int
	Offset      int
}

// AuditPage is the paginated response to an audit query.
type AuditPage struct {
	Records []AuditRecord `json:"records"`
	Total   int64         `json:"total"`
	Limit   int           `json:"limit"`
	Offset  int           `json:"offset"`
}

// VerifyResult is the response to POST /v1/audit/verify.
type VerifyResult struct {
	Valid          bool   `json:"valid"`
	RecordsChecked int64  `json:"records_checked"`
	FirstBrokenAt  string `json:"first_broken_at,omitempty"`
	FirstRecordID  string `json:"first_record_id,omitempty"`
	LastRecordID   string `json:"last_record_id,omitempty"`
}

// DeadLetterEntry is appended when a dispatch's retries are exhausted
// and DLQ is enabled (spec.md §4.3 stage 11).
type DeadLetterEntry struct {
	ID         string    `json:"id" db:"id"`
	Tenant     string    `json:"tenant" db:"tenant"`
	ActionID   string    `json:"action_id" db:"action_id"`
	Provider   string    `json:"provider" db:"provider"`
	Reason     string    `json:"reason" db:"reason"`
	Attempts   int       `json:"attempts" db:"attempts"`
	Payload    []byte    `json:"payload,omitempty" db:"payload"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
