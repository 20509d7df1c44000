package domain

import (
	"encoding/json"
	"time"
)

// OutcomeKind names one of the thirteen terminal or quasi-terminal
// results of a dispatch.
type OutcomeKind string

const (
	OutcomeExecuted       OutcomeKind = "Executed"
	OutcomeDeduplicated   OutcomeKind = "Deduplicated"
	OutcomeSuppressed     OutcomeKind = "Suppressed"
	OutcomeRerouted       OutcomeKind = "Rerouted"
	OutcomeThrottled      OutcomeKind = "Throttled"
	OutcomeFailed         OutcomeKind = "Failed"
	OutcomeGrouped        OutcomeKind = "Grouped"
	OutcomeStateChanged   OutcomeKind = "StateChanged"
	OutcomePendingApproval OutcomeKind = "PendingApproval"
	OutcomeChainStarted   OutcomeKind = "ChainStarted"
	OutcomeDryRun         OutcomeKind = "DryRun"
	OutcomeCircuitOpen    OutcomeKind = "CircuitOpen"
	OutcomeScheduled      OutcomeKind = "Scheduled"
)

// Variant-specific detail structs, one per OutcomeKind.

type ExecutedDetail struct {
	Provider     string `json:"provider"`
	ResponseCode int    `json:"response_code,omitempty"`
	Attempts     int    `json:"attempts"`
}

type DeduplicatedDetail struct {
	DedupKey        string `json:"dedup_key"`
	OriginalActionID string `json:"original_action_id,omitempty"`
}

type SuppressedDetail struct {
	MatchedRule string `json:"matched_rule"`
}

type RerouteReason string

const (
	RerouteReasonRule        RerouteReason = "rule"
	RerouteReasonCircuitOpen RerouteReason = "circuit_open"
)

// RerouteDetail describes a Rerouted outcome: either a policy-driven
// Reroute directive or a circuit-breaker fallback substitution.
type RerouteDetail struct {
	Original string        `json:"original"`
	New      string        `json:"new"`
	Reason   RerouteReason `json:"reason"`
}

type ThrottledDetail struct {
	MatchedRule string  `json:"matched_rule"`
	RetryAfter  float64 `json:"retry_after_seconds"`
}

type FailedDetail struct {
	Reason     string `json:"reason"`
	MatchedRule string `json:"matched_rule,omitempty"`
	Retryable  bool   `json:"retryable"`
}

type GroupedDetail struct {
	GroupID  string `json:"group_id"`
	GroupKey string `json:"group_key"`
}

type StateChangedDetail struct {
	StateMachine string `json:"state_machine"`
	Fingerprint  string `json:"fingerprint"`
	From         string `json:"from"`
	To           string `json:"to"`
}

type PendingApprovalDetail struct {
	ApprovalID string `json:"approval_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type ChainStartedDetail struct {
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
}

type DryRunDetail struct {
	MatchedRule      string `json:"matched_rule,omitempty"`
	EffectiveProvider string `json:"effective_provider"`
	WouldExecute     bool   `json:"would_execute"`
}

type CircuitOpenDetail struct {
	Provider string `json:"provider"`
}

type ScheduledDetail struct {
	ScheduleID string    `json:"schedule_id"`
	StartsAt   time.Time `json:"starts_at"`
}

// ActionOutcome is the sole result of a dispatch. Exactly one of the
// Detail fields is populated, matching Kind.
type ActionOutcome struct {
	Kind OutcomeKind `json:"-"`

	Executed        *ExecutedDetail        `json:"-"`
	Deduplicated    *DeduplicatedDetail    `json:"-"`
	Suppressed      *SuppressedDetail      `json:"-"`
	Rerouted        *RerouteDetail         `json:"-"`
	Throttled       *ThrottledDetail       `json:"-"`
	Failed          *FailedDetail          `json:"-"`
	Grouped         *GroupedDetail         `json:"-"`
	StateChanged    *StateChangedDetail    `json:"-"`
	PendingApproval *PendingApprovalDetail `json:"-"`
	ChainStarted    *ChainStartedDetail    `json:"-"`
	DryRun          *DryRunDetail          `json:"-"`
	CircuitOpen     *CircuitOpenDetail     `json:"-"`
	Scheduled       *ScheduledDetail       `json:"-"`
}

// MarshalJSON implements the wire quirk from spec.md §6: outcomes are
// represented as {"<VariantName>": {...}} except Deduplicated, which is
// serialized as the bare string "Deduplicated" for legacy-client
// compatibility (readers must still accept the object form).
func (o ActionOutcome) MarshalJSON() ([]byte, error) {
	if o.Kind == OutcomeDeduplicated {
		return json.Marshal(string(OutcomeDeduplicated))
	}
	var detail any
	switch o.Kind {
	case OutcomeExecuted:
		detail = o.Executed
	case OutcomeSuppressed:
		detail = o.Suppressed
	case OutcomeRerouted:
		detail = o.Rerouted
	case OutcomeThrottled:
		detail = o.Throttled
	case OutcomeFailed:
		detail = o.Failed
	case OutcomeGrouped:
		detail = o.Grouped
	case OutcomeStateChanged:
		detail = o.StateChanged
	case OutcomePendingApproval:
		detail = o.PendingApproval
	case OutcomeChainStarted:
		detail = o.ChainStarted
	case OutcomeDryRun:
		detail = o.DryRun
	case OutcomeCircuitOpen:
		detail = o.CircuitOpen
	case OutcomeScheduled:
		detail = o.Scheduled
	}
	if detail == nil {
		detail = struct{}{}
	}
	return json.Marshal(map[string]any{string(o.Kind): detail})
}

// UnmarshalJSON accepts both the bare-string Deduplicated form and the
// object form for every variant, per the outcome serialization quirk
// noted in spec.md §9.
func (o *ActionOutcome) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		o.Kind = OutcomeKind(bare)
		if o.Kind == OutcomeDeduplicated {
			o.Deduplicated = &DeduplicatedDetail{}
		}
		return nil
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	for k, v := range wrapped {
		o.Kind = OutcomeKind(k)
		switch o.Kind {
		case OutcomeExecuted:
			o.Executed = new(ExecutedDetail)
			return json.Unmarshal(v, o.Executed)
		case OutcomeDeduplicated:
			o.Deduplicated = new(DeduplicatedDetail)
			return json.Unmarshal(v, o.Deduplicated)
		case OutcomeSuppressed:
			o.Suppressed = new(SuppressedDetail)
			return json.Unmarshal(v, o.Suppressed)
		case OutcomeRerouted:
			o.Rerouted = new(RerouteDetail)
			return json.Unmarshal(v, o.Rerouted)
		case OutcomeThrottled:
			o.Throttled = new(ThrottledDetail)
			return json.Unmarshal(v, o.Throttled)
		case OutcomeFailed:
			o.Failed = new(FailedDetail)
			return json.Unmarshal(v, o.Failed)
		case OutcomeGrouped:
			o.Grouped = new(GroupedDetail)
			return json.Unmarshal(v, o.Grouped)
		case OutcomeStateChanged:
			o.StateChanged = new(StateChangedDetail)
			return json.Unmarshal(v, o.StateChanged)
		case OutcomePendingApproval:
			o.PendingApproval = new(PendingApprovalDetail)
			return json.Unmarshal(v, o.PendingApproval)
		case OutcomeChainStarted:
			o.ChainStarted = new(ChainStartedDetail)
			return json.Unmarshal(v, o.ChainStarted)
		case OutcomeDryRun:
			o.DryRun = new(DryRunDetail)
			return json.Unmarshal(v, o.DryRun)
		case OutcomeCircuitOpen:
			o.CircuitOpen = new(CircuitOpenDetail)
			return json.Unmarshal(v, o.CircuitOpen)
		case OutcomeScheduled:
			o.Scheduled = new(ScheduledDetail)
			return json.Unmarshal(v, o.Scheduled)
		}
	}
	return nil
}

// Terminal reports whether the outcome represents a dispatch that
// produced exactly one audit record (spec.md §8 invariant: every
// terminal dispatch has exactly one audit record, every non-terminal
// outcome is absent from audit). DryRun performs no side effects and no
// audit write, so it is the one outcome kind excluded here.
func (o ActionOutcome) Terminal() bool {
	return o.Kind != "" && o.Kind != OutcomeDryRun
}
