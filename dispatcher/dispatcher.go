// Package dispatcher implements the Dispatcher: the twelve-stage
// pipeline controller every action passes through (spec.md §4.3). It
// wires together every other component package behind their narrow
// interfaces and is itself the DispatchFunc the chain engine, group
// manager and approval store re-enter for synthesized and re-dispatched
// actions.
package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/penserai/acteon/approval"
	"github.com/penserai/acteon/audit"
	"github.com/penserai/acteon/breaker"
	"github.com/penserai/acteon/chainengine"
	"github.com/penserai/acteon/domain"
	gwerrors "github.com/penserai/acteon/infrastructure/errors"
	"github.com/penserai/acteon/infrastructure/logging"
	"github.com/penserai/acteon/infrastructure/metrics"
	"github.com/penserai/acteon/infrastructure/redaction"
	"github.com/penserai/acteon/infrastructure/resilience"
	"github.com/penserai/acteon/infrastructure/state"
	"github.com/penserai/acteon/group"
	"github.com/penserai/acteon/providers"
	"github.com/penserai/acteon/rules"
)

// Scheduler persists an action whose effective start time is in the
// future and returns the detail for the Scheduled outcome (spec.md
// §4.3 stage 2, §4.8). Declared here rather than imported so package
// scheduler can depend on dispatcher's types without an import cycle.
type Scheduler interface {
	Schedule(ctx context.Context, action domain.Action) (domain.ScheduledDetail, error)
}

// Publisher is satisfied by *stream.Hub; declared locally so this
// package does not import package stream.
type Publisher interface {
	Publish(domain.StreamEvent)
}

// On-error / on-overage behaviors for the rate-limit and quota gates.
const (
	OnErrorAllow = "allow"
	OnErrorDeny  = "deny"

	OverageBlock = "block"
	OverageWarn  = "warn"
)

// RateLimitConfig parameterizes the caller- and tenant-scoped
// sliding-window rate-limit gate (spec.md §4.3 stage 3).
type RateLimitConfig struct {
	Enabled      bool
	CallerMax    int64
	CallerWindow time.Duration
	TenantMax    int64
	TenantWindow time.Duration
	OnError      string
}

// QuotaConfig parameterizes the per-(namespace, tenant) quota gate
// (spec.md §4.3 stage 4).
type QuotaConfig struct {
	Enabled   bool
	Max       int64
	Window    time.Duration
	OnOverage string
}

// Config parameterizes a Dispatcher instance.
type Config struct {
	MaxConcurrent   int
	ProviderTimeout time.Duration
	Retry           resilience.RetryConfig
	DLQEnabled      bool
	ComplianceMode  bool
	AuditTTL        time.Duration
	ChainTTL        time.Duration
	RateLimit       RateLimitConfig
	Quota           QuotaConfig
}

// DefaultConfig returns sensible defaults for a single-node deployment.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   64,
		ProviderTimeout: 10 * time.Second,
		Retry:           resilience.DefaultRetryConfig(),
		DLQEnabled:      true,
		AuditTTL:        90 * 24 * time.Hour,
		ChainTTL:        24 * time.Hour,
		RateLimit: RateLimitConfig{
			Enabled:      true,
			CallerMax:    100,
			CallerWindow: time.Minute,
			OnError:      OnErrorAllow,
		},
		Quota: QuotaConfig{
			OnOverage: OverageBlock,
		},
	}
}

// Dispatcher wires the state store, rule engine, provider registry,
// circuit breaker manager, chain engine, group manager, approval
// store and audit store into the pipeline described by spec.md §4.3.
type Dispatcher struct {
	cfg Config

	store     state.Store
	rules     *rules.Engine
	providers *providers.Registry
	breakers  *breaker.Manager
	chains    *chainengine.Engine
	groups    *group.Manager
	approvals *approval.Store
	auditLog  audit.Store
	redactor  *redaction.Redactor
	scheduler Scheduler
	publisher Publisher

	metrics *metrics.Registry
	logger  *logging.Logger

	sem    chan struct{}
	stages []stage
}

// New builds a Dispatcher. The chain engine, group manager and
// approval store are wired afterwards via SetChainEngine /
// SetGroupManager / SetApprovalStore, since those packages are
// themselves constructed with a DispatchFunc closure over this
// Dispatcher's own Dispatch method (see cmd/gateway for the wiring
// order).
func New(
	cfg Config,
	store state.Store,
	ruleEngine *rules.Engine,
	registry *providers.Registry,
	breakers *breaker.Manager,
	auditLog audit.Store,
	redactor *redaction.Redactor,
	scheduler Scheduler,
	reg *metrics.Registry,
	logger *logging.Logger,
) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 64
	}
	d := &Dispatcher{
		cfg:       cfg,
		store:     store,
		rules:     ruleEngine,
		providers: registry,
		breakers:  breakers,
		auditLog:  auditLog,
		redactor:  redactor,
		scheduler: scheduler,
		metrics:   reg,
		logger:    logger,
		sem:       make(chan struct{}, cfg.MaxConcurrent),
	}
	d.stages = []stage{
		stageExpiry,
		stageSchedule,
		stageRateLimit,
		stageQuota,
		stageRuleEvaluation,
		stageDryRun,
		stageProviderResolution,
		stageBreakerExecuteRetry,
		stageDLQ,
	}
	return d
}

// SetChainEngine wires the chain engine this Dispatcher hands Chain
// directives to.
func (d *Dispatcher) SetChainEngine(e *chainengine.Engine) { d.chains = e }

// SetGroupManager wires the group manager this Dispatcher hands Group
// directives to.
func (d *Dispatcher) SetGroupManager(m *group.Manager) { d.groups = m }

// SetApprovalStore wires the approval store this Dispatcher hands
// RequestApproval directives to.
func (d *Dispatcher) SetApprovalStore(s *approval.Store) { d.approvals = s }

// SetScheduler wires the scheduler a future-dated action is persisted
// to. Like the chain/group/approval setters, this breaks the
// construction cycle: package scheduler is itself built with this
// Dispatcher's own Dispatch method as its re-entry DispatchFunc, so it
// must be constructed after the Dispatcher exists.
func (d *Dispatcher) SetScheduler(s Scheduler) { d.scheduler = s }

// SetPublisher wires the broadcast stream publisher. writeAudit emits a
// Dispatched event per terminal outcome, and StateMachine transitions
// emit ActionStatusChanged (spec.md §9 Open Question #1).
func (d *Dispatcher) SetPublisher(p Publisher) { d.publisher = p }

// DispatchForApproval adapts Dispatch to approval.DispatchFunc's
// two-value return shape.
func (d *Dispatcher) DispatchForApproval(ctx context.Context, action domain.Action) (domain.ActionOutcome, error) {
	outcome, _, err := d.Dispatch(ctx, action)
	return outcome, err
}

// dispatchContext is the mutable state threaded through the stage
// pipeline for one Dispatch call.
type dispatchContext struct {
	action domain.Action
	now    time.Time

	rule    *domain.Rule
	verdict domain.Verdict

	provider         string
	originalProvider string
	rerouted         bool
	rerouteReason    domain.RerouteReason

	attempts int
	response []byte
	lastErr  error
}

// stage is one step of the pipeline. A non-nil outcome terminates the
// pipeline; a non-nil error is treated as an internal pipeline failure
// and also terminates it (as a Failed outcome); otherwise processing
// continues to the next stage.
type stage func(ctx context.Context, d *Dispatcher, dc *dispatchContext) (*domain.ActionOutcome, error)

// Dispatch runs action through the full pipeline and returns its
// terminal outcome, the raw provider response body (Executed/Rerouted
// only), and an error only for failures the pipeline itself could not
// turn into a recorded outcome (semaphore cancellation, or an
// audit_unavailable failure while compliance mode is enabled).
func (d *Dispatcher) Dispatch(ctx context.Context, action domain.Action) (domain.ActionOutcome, json.RawMessage, error) {
	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return domain.ActionOutcome{}, nil, ctx.Err()
	}

	startedAt := time.Now()
	dc := &dispatchContext{
		action:   action,
		now:      startedAt,
		provider: action.Provider,
	}

	var outcome *domain.ActionOutcome
	for _, st := range d.stages {
		o, err := st(ctx, d, dc)
		if err != nil {
			outcome = &domain.ActionOutcome{
				Kind:   domain.OutcomeFailed,
				Failed: &domain.FailedDetail{Reason: err.Error(), Retryable: false},
			}
			break
		}
		if o != nil {
			outcome = o
			break
		}
	}
	if outcome == nil {
		outcome = &domain.ActionOutcome{
			Kind:   domain.OutcomeFailed,
			Failed: &domain.FailedDetail{Reason: "internal_pipeline_error", Retryable: false},
		}
	}

	if outcome.Terminal() {
		if auditErr := d.writeAudit(ctx, dc, *outcome, startedAt); auditErr != nil {
			if d.metrics != nil {
				d.metrics.ObserveAuditWriteFailure("audit_store")
			}
			if d.cfg.ComplianceMode {
				return domain.ActionOutcome{}, nil, gwerrors.Wrap(gwerrors.KindInternal, "audit_unavailable", auditErr)
			}
			if d.logger != nil {
				d.logger.Error(ctx, "audit write failed", auditErr, map[string]interface{}{"action_id": dc.action.ID})
			}
		}
	}

	elapsed := time.Since(startedAt)
	if d.metrics != nil {
		d.metrics.ObserveDispatch(dc.action.Namespace, dc.action.Tenant, string(outcome.Kind), elapsed)
	}
	if d.logger != nil {
		matchedRuleName := ""
		if dc.rule != nil {
			matchedRuleName = dc.rule.Name
		}
		d.logger.LogDispatch(ctx, dc.action.ID, dc.provider, string(outcome.Kind), matchedRuleName, elapsed)
	}

	return *outcome, dc.response, nil
}

// --- stage 1: expiry check ---

func stageExpiry(_ context.Context, _ *Dispatcher, dc *dispatchContext) (*domain.ActionOutcome, error) {
	if dc.action.Expired(dc.now) {
		return &domain.ActionOutcome{Kind: domain.OutcomeFailed, Failed: &domain.FailedDetail{Reason: "expired", Retryable: false}}, nil
	}
	return nil, nil
}

// --- stage 2: schedule check ---

func stageSchedule(ctx context.Context, d *Dispatcher, dc *dispatchContext) (*domain.ActionOutcome, error) {
	if !dc.action.NotYetStarted(dc.now) {
		return nil, nil
	}
	if d.scheduler == nil {
		return nil, fmt.Errorf("starts_at is in the future but no scheduler is configured")
	}
	detail, err := d.scheduler.Schedule(ctx, dc.action)
	if err != nil {
		return nil, err
	}
	return &domain.ActionOutcome{Kind: domain.OutcomeScheduled, Scheduled: &detail}, nil
}

// --- stage 3: rate limit ---

func stageRateLimit(ctx context.Context, d *Dispatcher, dc *dispatchContext) (*domain.ActionOutcome, error) {
	cfg := d.cfg.RateLimit
	if !cfg.Enabled {
		return nil, nil
	}

	checkWindow := func(subkey string, max int64, window time.Duration) (*domain.ActionOutcome, error) {
		if max <= 0 {
			return nil, nil
		}
		key := domain.StoreKey{Namespace: dc.action.Namespace, Tenant: dc.action.Tenant, Kind: domain.KeyKindRateLimit, Subkey: subkey}
		count, err := d.store.Increment(ctx, key, window, 1)
		if err != nil {
			if cfg.OnError == OnErrorDeny {
				return &domain.ActionOutcome{Kind: domain.OutcomeFailed, Failed: &domain.FailedDetail{Reason: "rate_limit_unavailable", Retryable: true}}, nil
			}
			return nil, nil
		}
		if count > max {
			return &domain.ActionOutcome{Kind: domain.OutcomeThrottled, Throttled: &domain.ThrottledDetail{RetryAfter: window.Seconds()}}, nil
		}
		return nil, nil
	}

	if dc.action.Caller != "" {
		if o, err := checkWindow("caller:"+dc.action.Caller, cfg.CallerMax, cfg.CallerWindow); o != nil || err != nil {
			return o, err
		}
	}
	return checkWindow("tenant", cfg.TenantMax, cfg.TenantWindow)
}

// --- stage 4: quota ---

func stageQuota(ctx context.Context, d *Dispatcher, dc *dispatchContext) (*domain.ActionOutcome, error) {
	cfg := d.cfg.Quota
	if !cfg.Enabled || cfg.Max <= 0 {
		return nil, nil
	}
	key := domain.StoreKey{Namespace: dc.action.Namespace, Tenant: dc.action.Tenant, Kind: domain.KeyKindCounter, Subkey: "quota"}
	count, err := d.store.Increment(ctx, key, cfg.Window, 1)
	if err != nil {
		// Quota overage is a soft policy signal, not availability-critical;
		// a store error here never blocks the dispatch.
		return nil, nil
	}
	if count <= cfg.Max {
		return nil, nil
	}
	if cfg.OnOverage == OverageBlock {
		return &domain.ActionOutcome{Kind: domain.OutcomeThrottled, Throttled: &domain.ThrottledDetail{RetryAfter: cfg.Window.Seconds()}}, nil
	}
	if d.logger != nil {
		d.logger.Warn(ctx, "quota exceeded", map[string]interface{}{"namespace": dc.action.Namespace, "tenant": dc.action.Tenant, "count": count, "max": cfg.Max})
	}
	return nil, nil
}

// --- stage 5: rule evaluation + directive application ---

func stageRuleEvaluation(ctx context.Context, d *Dispatcher, dc *dispatchContext) (*domain.ActionOutcome, error) {
	action, verdict, err := d.rules.Evaluate(ctx, dc.action)
	if err != nil {
		return nil, fmt.Errorf("rule evaluation: %w", err)
	}
	dc.action = action
	dc.verdict = verdict
	dc.rule = verdict.MatchedRule
	if dc.rule == nil {
		return nil, nil
	}
	if dc.action.DryRun {
		// A dry run reports the matched rule and effective provider
		// (spec.md §4.3 stage 6) without committing any of the matched
		// directive's side effects. Reroute only reassigns dc.provider,
		// so it is safe to apply here; every other directive
		// (Deduplicate/Throttle/Group/RequestApproval/Chain/Schedule/
		// StateMachine) is left untouched and falls through to stage 6,
		// which unconditionally emits the DryRun outcome.
		if dc.rule.Directive == domain.DirectiveReroute {
			dc.originalProvider = dc.provider
			dc.provider = dc.rule.Reroute.Target
			dc.rerouted = true
			dc.rerouteReason = domain.RerouteReasonRule
		}
		return nil, nil
	}
	return d.applyDirective(ctx, dc)
}

// applyDirective executes the side effects of the matched rule's
// directive (spec.md §4.2's 13-row table), returning a terminal
// outcome or nil. Nil falls through to provider resolution/execution;
// it is returned for Allow, Reroute, a non-emitting Custom, a
// Deduplicate that acquires its key, a Throttle under its limit, and a
// RequestApproval on an action that bypasses approval.
func (d *Dispatcher) applyDirective(ctx context.Context, dc *dispatchContext) (*domain.ActionOutcome, error) {
	rule := dc.rule
	switch rule.Directive {
	case domain.DirectiveAllow:
		return nil, nil

	case domain.DirectiveDeny:
		return &domain.ActionOutcome{Kind: domain.OutcomeFailed, Failed: &domain.FailedDetail{Reason: "denied_by_rule", MatchedRule: rule.Name, Retryable: false}}, nil

	case domain.DirectiveSuppress:
		return &domain.ActionOutcome{Kind: domain.OutcomeSuppressed, Suppressed: &domain.SuppressedDetail{MatchedRule: rule.Name}}, nil

	case domain.DirectiveDeduplicate:
		dedupKey := computeDedupKey(dc.action, rule.Deduplicate)
		key := domain.StoreKey{Namespace: dc.action.Namespace, Tenant: dc.action.Tenant, Kind: domain.KeyKindDedup, Subkey: dedupKey}
		acquired, err := d.store.CheckAndSet(ctx, key, []byte(dc.action.ID), rule.Deduplicate.TTL)
		if err != nil {
			return nil, err
		}
		if !acquired {
			return &domain.ActionOutcome{Kind: domain.OutcomeDeduplicated, Deduplicated: &domain.DeduplicatedDetail{DedupKey: dedupKey}}, nil
		}
		return nil, nil

	case domain.DirectiveThrottle:
		spec := rule.Throttle
		key := domain.StoreKey{Namespace: dc.action.Namespace, Tenant: dc.action.Tenant, Kind: domain.KeyKindCounter, Subkey: "throttle:" + rule.Name}
		count, err := d.store.Increment(ctx, key, spec.Window, 1)
		if err != nil {
			return nil, err
		}
		if count > spec.Max {
			return &domain.ActionOutcome{Kind: domain.OutcomeThrottled, Throttled: &domain.ThrottledDetail{MatchedRule: rule.Name, RetryAfter: spec.Window.Seconds()}}, nil
		}
		return nil, nil

	case domain.DirectiveReroute:
		dc.originalProvider = dc.provider
		dc.provider = rule.Reroute.Target
		dc.rerouted = true
		dc.rerouteReason = domain.RerouteReasonRule
		return nil, nil

	case domain.DirectiveStateMachine:
		return d.applyStateMachine(ctx, dc, rule)

	case domain.DirectiveGroup:
		detail, err := d.groups.Upsert(ctx, dc.action, *rule.Group)
		if err != nil {
			return nil, err
		}
		return &domain.ActionOutcome{Kind: domain.OutcomeGrouped, Grouped: &detail}, nil

	case domain.DirectiveRequestApproval:
		if dc.action.BypassApproval() {
			// Re-dispatch of a just-approved action: do not hold it again.
			return nil, nil
		}
		spec := rule.RequestApproval
		detail, err := d.approvals.Create(ctx, dc.action, rule.Name, spec.Message, spec.Notify, spec.TTL)
		if err != nil {
			return nil, err
		}
		return &domain.ActionOutcome{Kind: domain.OutcomePendingApproval, PendingApproval: &detail}, nil

	case domain.DirectiveChain:
		detail, err := d.chains.Start(ctx, rule.Chain.Name, dc.action, d.cfg.ChainTTL)
		if err != nil {
			return nil, err
		}
		return &domain.ActionOutcome{Kind: domain.OutcomeChainStarted, ChainStarted: &detail}, nil

	case domain.DirectiveSchedule:
		if d.scheduler == nil {
			return nil, errors.New("schedule directive requires a configured scheduler")
		}
		delayed := dc.action.Clone()
		startsAt := dc.now.Add(rule.Schedule.Delay)
		delayed.StartsAt = &startsAt
		detail, err := d.scheduler.Schedule(ctx, delayed)
		if err != nil {
			return nil, err
		}
		return &domain.ActionOutcome{Kind: domain.OutcomeScheduled, Scheduled: &detail}, nil

	case domain.DirectiveCustom:
		// The handler already ran inside rules.Engine.Evaluate and may have
		// mutated the action; a terminal Custom that declines to emit its
		// own outcome is treated like Allow (open question, resolved in
		// DESIGN.md).
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown directive %q", rule.Directive)
	}
}

func (d *Dispatcher) applyStateMachine(ctx context.Context, dc *dispatchContext, rule *domain.Rule) (*domain.ActionOutcome, error) {
	spec := rule.StateMachine
	fingerprint := computeFingerprint(dc.action, spec.FingerprintFields)
	key := domain.StoreKey{Namespace: dc.action.Namespace, Tenant: dc.action.Tenant, Kind: domain.KeyKindState, Subkey: spec.Name + ":" + fingerprint}

	current := ""
	raw, err := d.store.Get(ctx, key)
	switch {
	case err == nil:
		current = string(raw)
	case errors.Is(err, state.ErrNotFound):
		// No prior state: current is the empty string, the table's
		// declared initial state.
	default:
		return nil, err
	}

	target := dc.action.Status
	valid := false
	for _, next := range spec.Transitions[current] {
		if next == target {
			valid = true
			break
		}
	}
	if !valid {
		return &domain.ActionOutcome{Kind: domain.OutcomeFailed, Failed: &domain.FailedDetail{Reason: "invalid_transition", MatchedRule: rule.Name, Retryable: false}}, nil
	}
	if err := d.store.Set(ctx, key, []byte(target), 0); err != nil {
		return nil, err
	}
	detail := domain.StateChangedDetail{
		StateMachine: spec.Name,
		Fingerprint:  fingerprint,
		From:         current,
		To:           target,
	}
	if d.publisher != nil {
		data, _ := json.Marshal(detail)
		d.publisher.Publish(domain.StreamEvent{
			ID:         uuid.New().String(),
			Kind:       domain.StreamEventActionStatusChanged,
			Namespace:  dc.action.Namespace,
			Tenant:     dc.action.Tenant,
			EntityType: spec.Name,
			EntityID:   fingerprint,
			Data:       data,
		})
	}
	return &domain.ActionOutcome{Kind: domain.OutcomeStateChanged, StateChanged: &detail}, nil
}

// --- stage 6: dry-run short-circuit ---

func stageDryRun(_ context.Context, _ *Dispatcher, dc *dispatchContext) (*domain.ActionOutcome, error) {
	if !dc.action.DryRun {
		return nil, nil
	}
	matchedRule := ""
	if dc.rule != nil {
		matchedRule = dc.rule.Name
	}
	return &domain.ActionOutcome{Kind: domain.OutcomeDryRun, DryRun: &domain.DryRunDetail{
		MatchedRule:       matchedRule,
		EffectiveProvider: dc.provider,
		WouldExecute:      true,
	}}, nil
}

// --- stage 7: provider resolution ---

func stageProviderResolution(_ context.Context, d *Dispatcher, dc *dispatchContext) (*domain.ActionOutcome, error) {
	if _, ok := d.providers.Get(dc.provider); !ok {
		return &domain.ActionOutcome{Kind: domain.OutcomeFailed, Failed: &domain.FailedDetail{Reason: "unknown_provider", Retryable: false}}, nil
	}
	dc.action.Provider = dc.provider
	return nil, nil
}

// nonRetryableErr marks an error as terminal to resilience.Retry
// without needing to import infrastructure/errors for a single check.
type nonRetryableErr struct{ err error }

func (e nonRetryableErr) Error() string  { return e.err.Error() }
func (e nonRetryableErr) Unwrap() error  { return e.err }
func (e nonRetryableErr) Retryable() bool { return false }

// --- stages 8-10: circuit breaker gate, provider execution, retry ---

func stageBreakerExecuteRetry(ctx context.Context, d *Dispatcher, dc *dispatchContext) (*domain.ActionOutcome, error) {
	attempts := 0
	var lastEffective string
	var lastRerouted bool
	var resp providers.Response

	retryErr := resilience.Retry(ctx, d.cfg.Retry, func() error {
		attempts++
		effective, rerouted, err := d.breakers.Dispatch(ctx, dc.provider, func() error {
			callCtx := ctx
			if d.cfg.ProviderTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, d.cfg.ProviderTimeout)
				defer cancel()
			}
			r, execErr := d.providers.Execute(callCtx, dc.action)
			if execErr != nil {
				return execErr
			}
			resp = r
			return nil
		})
		lastEffective = effective
		lastRerouted = rerouted
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nonRetryableErr{err}
		}
		return err
	})

	dc.attempts = attempts
	if retryErr != nil {
		if errors.Is(retryErr, resilience.ErrCircuitOpen) {
			return &domain.ActionOutcome{Kind: domain.OutcomeCircuitOpen, CircuitOpen: &domain.CircuitOpenDetail{Provider: dc.provider}}, nil
		}
		dc.lastErr = retryErr
		return nil, nil
	}

	dc.response = resp.Body
	if lastRerouted {
		return &domain.ActionOutcome{Kind: domain.OutcomeRerouted, Rerouted: &domain.RerouteDetail{
			Original: dc.provider, New: lastEffective, Reason: domain.RerouteReasonCircuitOpen,
		}}, nil
	}
	if dc.rerouted {
		return &domain.ActionOutcome{Kind: domain.OutcomeRerouted, Rerouted: &domain.RerouteDetail{
			Original: dc.originalProvider, New: dc.provider, Reason: dc.rerouteReason,
		}}, nil
	}
	return &domain.ActionOutcome{Kind: domain.OutcomeExecuted, Executed: &domain.ExecutedDetail{
		Provider: lastEffective, ResponseCode: resp.StatusCode, Attempts: attempts,
	}}, nil
}

// --- stage 11: DLQ ---

func stageDLQ(ctx context.Context, d *Dispatcher, dc *dispatchContext) (*domain.ActionOutcome, error) {
	if dc.lastErr == nil {
		return nil, nil
	}
	retryable := false
	if ge, ok := gwerrors.As(dc.lastErr); ok {
		retryable = ge.Retryable()
	}
	if d.cfg.DLQEnabled {
		entry := domain.DeadLetterEntry{
			ID:        uuid.NewString(),
			Tenant:    dc.action.Tenant,
			ActionID:  dc.action.ID,
			Provider:  dc.provider,
			Reason:    dc.lastErr.Error(),
			Attempts:  dc.attempts,
			Payload:   dc.action.Payload,
			CreatedAt: dc.now,
		}
		if err := d.auditLog.AppendDLQ(ctx, entry); err != nil && d.logger != nil {
			d.logger.Error(ctx, "dlq append failed", err, map[string]interface{}{"action_id": dc.action.ID})
		}
	}
	return &domain.ActionOutcome{Kind: domain.OutcomeFailed, Failed: &domain.FailedDetail{Reason: dc.lastErr.Error(), Retryable: retryable}}, nil
}

// --- stage 12: audit write ---

func (d *Dispatcher) writeAudit(ctx context.Context, dc *dispatchContext, outcome domain.ActionOutcome, startedAt time.Time) error {
	payload := dc.action.Payload
	if d.redactor != nil {
		payload = d.redactor.RedactPayload(payload)
	}

	verdict := "no_match"
	matchedRule := ""
	if dc.rule != nil {
		verdict = "matched"
		matchedRule = dc.rule.Name
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	completedAt := time.Now()
	rec := domain.AuditRecord{
		ID:           id.String(),
		ActionID:     dc.action.ID,
		ChainID:      dc.action.ChainID,
		Namespace:    dc.action.Namespace,
		Tenant:       dc.action.Tenant,
		Provider:     dc.provider,
		ActionType:   dc.action.ActionType,
		Caller:       dc.action.Caller,
		Verdict:      verdict,
		MatchedRule:  matchedRule,
		OutcomeKind:  outcome.Kind,
		Payload:      payload,
		DurationMS:   completedAt.Sub(startedAt).Milliseconds(),
		DispatchedAt: startedAt,
		CompletedAt:  completedAt,
	}
	if d.cfg.AuditTTL > 0 {
		expiresAt := completedAt.Add(d.cfg.AuditTTL)
		rec.ExpiresAt = &expiresAt
	}

	committed, err := d.auditLog.Write(ctx, rec)
	if err != nil {
		return err
	}
	if d.publisher != nil {
		data, _ := json.Marshal(committed)
		d.publisher.Publish(domain.StreamEvent{
			ID:         committed.ID,
			Kind:       domain.StreamEventDispatched,
			Namespace:  committed.Namespace,
			Tenant:     committed.Tenant,
			EntityType: committed.ActionType,
			EntityID:   committed.ActionID,
			Data:       data,
		})
	}
	return nil
}

// hashFields hashes namespace|tenant|action_type|field-values (each
// field resolved from the action payload via gjson) into a stable hex
// digest, shared by dedup-key and state-machine-fingerprint
// computation (spec.md §4.2's Deduplicate and StateMachine rows).
func hashFields(action domain.Action, fields []string) string {
	h := sha256.New()
	h.Write([]byte(action.Namespace))
	h.Write([]byte{'|'})
	h.Write([]byte(action.Tenant))
	h.Write([]byte{'|'})
	h.Write([]byte(action.ActionType))
	if len(fields) == 0 {
		h.Write([]byte{'|'})
		h.Write(action.Payload)
	} else {
		for _, f := range fields {
			h.Write([]byte{'|'})
			h.Write([]byte(gjson.GetBytes(action.Payload, f).String()))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func computeDedupKey(action domain.Action, spec *domain.DeduplicateSpec) string {
	if action.DedupKey != "" {
		return action.DedupKey
	}
	var fields []string
	if spec != nil {
		fields = spec.KeyFields
	}
	return hashFields(action, fields)
}

func computeFingerprint(action domain.Action, fields []string) string {
	return hashFields(action, fields)
}
