package domain

import (
	"encoding/json"
	"time"
)

// ChainStatus is the lifecycle state of a ChainState.
type ChainStatus string

const (
	ChainRunning   ChainStatus = "running"
	ChainCompleted ChainStatus = "completed"
	ChainFailed    ChainStatus = "failed"
	ChainCancelled ChainStatus = "cancelled"
	ChainTimedOut  ChainStatus = "timed_out"
)

// StepResult records the outcome of one executed chain step.
type StepResult struct {
	StepName string        `json:"step_name"`
	Outcome  ActionOutcome `json:"outcome"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    string        `json:"error,omitempty"`
	RanAt    time.Time     `json:"ran_at"`
}

// ChainState is the mutable, lock-owned state of one chain execution.
// It is exclusively mutated inside the distributed lock keyed by
// ChainID; readers see point-in-time snapshots (spec.md §3).
type ChainState struct {
	ChainID      string      `json:"chain_id"`
	ChainName    string      `json:"chain_name"`
	OriginAction Action      `json:"origin_action"`
	Status       ChainStatus `json:"status"`
	CurrentStep  int         `json:"current_step"`

	// StepResults is sparse: indexed by step position, populated only
	// for steps actually executed.
	StepResults map[int]StepResult `json:"step_results,omitempty"`

	// ExecutionPath is the ordered list of step names actually run,
	// used to resolve {{prev.*}} template references.
	ExecutionPath []string `json:"execution_path,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	ParentChainID string `json:"parent_chain_id,omitempty"`
	ChildChainIDs []string `json:"child_chain_ids,omitempty"`

	// version is a fencing token; it is zero unless set by WithVersion
	// and is not serialized.
	version int64
}

// Version returns the current CAS fencing token.
func (c ChainState) Version() int64 { return c.version }

// WithVersion returns a copy of c carrying the given fencing token.
func (c ChainState) WithVersion(v int64) ChainState {
	c.version = v
	return c
}

// LastStepName returns the step name {{prev.*}} resolves against: the
// last element of ExecutionPath, or "" before any step has run.
func (c ChainState) LastStepName() string {
	if len(c.ExecutionPath) == 0 {
		return ""
	}
	return c.ExecutionPath[len(c.ExecutionPath)-1]
}

// OnFailurePolicy is the per-step or chain-level failure policy.
type OnFailurePolicy string

const (
	OnFailureAbort OnFailurePolicy = "abort"
	OnFailureSkip  OnFailurePolicy = "skip"
	OnFailureDLQ   OnFailurePolicy = "dlq"
)

// BranchConfig is one conditional edge out of a step: if Field compared
// to Value via Operator holds, execution continues at TargetStepName.
type BranchConfig struct {
	Field          string `yaml:"field" json:"field"`
	Operator       string `yaml:"operator" json:"operator"`
	Value          any    `yaml:"value" json:"value"`
	TargetStepName string `yaml:"target_step_name" json:"target_step_name"`
}

// ChainStepConfig is one step of a ChainConfig.
type ChainStepConfig struct {
	Name            string           `yaml:"name" json:"name"`
	Provider        string           `yaml:"provider,omitempty" json:"provider,omitempty"`
	SubChain        string           `yaml:"sub_chain,omitempty" json:"sub_chain,omitempty"`
	ActionType      string           `yaml:"action_type" json:"action_type"`
	PayloadTemplate json.RawMessage  `yaml:"payload_template,omitempty" json:"payload_template,omitempty"`
	DelaySeconds    int              `yaml:"delay_seconds,omitempty" json:"delay_seconds,omitempty"`
	OnFailure       OnFailurePolicy  `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
	Branches        []BranchConfig   `yaml:"branches,omitempty" json:"branches,omitempty"`
	DefaultNext     string           `yaml:"default_next,omitempty" json:"default_next,omitempty"`
}

// ChainConfig is the definition a ChainState is an instance of.
type ChainConfig struct {
	Name      string            `yaml:"name" json:"name"`
	Steps     []ChainStepConfig `yaml:"steps" json:"steps"`
	OnFailure OnFailurePolicy   `yaml:"on_failure" json:"on_failure"`
}

// StepByName returns the step config with the given name and whether it
// was found.
func (c ChainConfig) StepByName(name string) (ChainStepConfig, bool) {
	for _, s := range c.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return ChainStepConfig{}, false
}
