// Package chainengine implements multi-step action chains: starting a
// chain, advancing it one step at a time under a per-chain lock,
// templated step payloads, conditional branches, sub-chains, and
// cancellation (spec.md §4.4).
package chainengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/penserai/acteon/domain"
	"github.com/penserai/acteon/infrastructure/logging"
	"github.com/penserai/acteon/infrastructure/metrics"
	"github.com/penserai/acteon/infrastructure/state"
)

// ErrChainLocked is returned by Advance when another
// goroutine currently holds the chain's advancement lock; the caller
// (the background processor) should simply retry on a later sweep.
var ErrChainLocked = errors.New("chainengine: chain is locked by another advance")

// ErrUnknownChain is returned by Start when no ChainConfig with that
// name has been registered.
var ErrUnknownChain = errors.New("chainengine: unknown chain definition")

// DispatchFunc re-enters a synthesized step action through the full
// dispatch pipeline. Injected rather than imported directly: the
// Dispatcher calls Engine.Start for the Chain directive, so Engine
// cannot import the dispatcher package without a cycle (spec.md §9's
// "express as a capability set" redesign applied to this boundary).
// response carries the provider's raw response body, if any, for
// {{steps.NAME.path}} template resolution in later steps.
type DispatchFunc func(ctx context.Context, action domain.Action) (outcome domain.ActionOutcome, response json.RawMessage, err error)

// DLQFunc persists a dead-lettered chain step. Injected so the engine
// does not need to depend on the audit/DLQ store directly.
type DLQFunc func(ctx context.Context, cs domain.ChainState, stepName string, cause string)

// Publisher is satisfied by *stream.Hub; declared locally so this
// package does not import package stream.
type Publisher interface {
	Publish(domain.StreamEvent)
}

// Engine owns chain definitions and drives execution of chain
// instances against the state store.
type Engine struct {
	store    state.Store
	dispatch DispatchFunc
	dlq      DLQFunc
	reg      *metrics.Registry
	logger   *logging.Logger
	publisher Publisher

	mu      sync.RWMutex
	configs map[string]domain.ChainConfig
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithDLQFunc sets the dead-letter hook invoked when a step's failure
// policy is "dlq".
func WithDLQFunc(fn DLQFunc) Option {
	return func(e *Engine) { e.dlq = fn }
}

// WithMetrics attaches a metrics registry for chain-step observations.
func WithMetrics(reg *metrics.Registry) Option {
	return func(e *Engine) { e.reg = reg }
}

// WithPublisher attaches a broadcast stream publisher; every committed
// ChainState transition emits a ChainAdvanced event on it.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithLogger attaches a logger for per-step diagnostics.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine builds an Engine backed by store, dispatching step actions
// through dispatch.
func NewEngine(store state.Store, dispatch DispatchFunc, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		dispatch: dispatch,
		configs:  make(map[string]domain.ChainConfig),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterChain validates and stores a chain definition, replacing any
// earlier definition of the same name.
func (e *Engine) RegisterChain(cfg domain.ChainConfig) error {
	if err := validateChain(cfg); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs[cfg.Name] = cfg
	return nil
}

// Definition returns the registered ChainConfig for name, for the chain
// DAG inspection endpoint.
func (e *Engine) Definition(name string) (domain.ChainConfig, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cfg, ok := e.configs[name]
	return cfg, ok
}

func (e *Engine) chainConfig(name string) (domain.ChainConfig, bool) {
	return e.Definition(name)
}

// validateChain rejects duplicate step names, branch/default_next
// targets that name an undeclared step, and cycles among the explicit
// branch/default_next edges (spec.md §4.4 load-time validation).
// Falling through to step_index+1 is not an explicit edge and can never
// itself introduce a cycle, since it only ever advances forward.
func validateChain(cfg domain.ChainConfig) error {
	seen := make(map[string]bool, len(cfg.Steps))
	index := make(map[string]int, len(cfg.Steps))
	for i, s := range cfg.Steps {
		if s.Name == "" {
			return fmt.Errorf("chainengine: chain %q has a step with no name", cfg.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("chainengine: chain %q has duplicate step name %q", cfg.Name, s.Name)
		}
		seen[s.Name] = true
		index[s.Name] = i
	}

	edges := func(s domain.ChainStepConfig) []string {
		targets := make([]string, 0, len(s.Branches)+1)
		for _, b := range s.Branches {
			targets = append(targets, b.TargetStepName)
		}
		if s.DefaultNext != "" {
			targets = append(targets, s.DefaultNext)
		}
		return targets
	}

	for _, s := range cfg.Steps {
		for _, t := range edges(s) {
			if !seen[t] {
				return fmt.Errorf("chainengine: chain %q step %q targets unknown step %q", cfg.Name, s.Name, t)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(cfg.Steps))
	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case gray:
			return fmt.Errorf("chainengine: chain %q has a cycle at step %q", cfg.Name, name)
		case black:
			return nil
		}
		color[name] = gray
		for _, t := range edges(cfg.Steps[index[name]]) {
			if err := visit(t); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}
	for _, s := range cfg.Steps {
		if err := visit(s.Name); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) chainKey(chainID string) domain.StoreKey {
	return domain.StoreKey{Kind: domain.KeyKindChain, Subkey: chainID}
}

func (e *Engine) lockKey(chainID string) domain.StoreKey {
	return domain.StoreKey{Kind: domain.KeyKindLock, Subkey: "chain:" + chainID}
}

// Start allocates a chain_id, persists the initial ChainState and
// indexes it ready for immediate advancement. If ttl is positive, the
// chain's ExpiresAt is set to now+ttl.
func (e *Engine) Start(ctx context.Context, chainName string, origin domain.Action, ttl time.Duration) (domain.ChainStartedDetail, error) {
	if _, ok := e.chainConfig(chainName); !ok {
		return domain.ChainStartedDetail{}, ErrUnknownChain
	}

	now := time.Now()
	cs := domain.ChainState{
		ChainID:      uuid.New().String(),
		ChainName:    chainName,
		OriginAction: origin,
		Status:       domain.ChainRunning,
		CurrentStep:  0,
		StepResults:  make(map[int]domain.StepResult),
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		cs.ExpiresAt = &expires
	}

	raw, err := json.Marshal(cs)
	if err != nil {
		return domain.ChainStartedDetail{}, err
	}
	if err := e.store.Set(ctx, e.chainKey(cs.ChainID), raw, 0); err != nil {
		return domain.ChainStartedDetail{}, err
	}
	if err := e.store.IndexChainReady(ctx, cs.ChainID, now); err != nil {
		return domain.ChainStartedDetail{}, err
	}
	e.publishAdvanced(cs)
	return domain.ChainStartedDetail{ChainID: cs.ChainID, ChainName: chainName}, nil
}

// Get loads a chain's current snapshot, for GET /v1/chains/{id}.
func (e *Engine) Get(ctx context.Context, chainID string) (domain.ChainState, error) {
	cs, _, err := e.load(ctx, chainID)
	return cs, err
}

func (e *Engine) load(ctx context.Context, chainID string) (domain.ChainState, []byte, error) {
	raw, err := e.store.Get(ctx, e.chainKey(chainID))
	if err != nil {
		return domain.ChainState{}, nil, err
	}
	var cs domain.ChainState
	if err := json.Unmarshal(raw, &cs); err != nil {
		return domain.ChainState{}, nil, err
	}
	return cs, raw, nil
}

// save CAS-writes the mutated chain state. A CAS mismatch means a
// concurrent Cancel (the one writer that does not hold the advance
// lock) changed the record first; the caller's now-stale update is
// discarded rather than erroring (spec.md §5: "a cancelled dispatch...
// in-flight step completes but result discarded").
func (e *Engine) save(ctx context.Context, old []byte, cs domain.ChainState) (committed bool, err error) {
	raw, err := json.Marshal(cs)
	if err != nil {
		return false, err
	}
	committed, err = e.store.CompareAndSwap(ctx, e.chainKey(cs.ChainID), old, raw)
	if committed && err == nil {
		e.publishAdvanced(cs)
	}
	return committed, err
}

// publishAdvanced emits a ChainAdvanced event for cs's current snapshot
// if a stream publisher is wired. Called from both Start (initial
// creation, which writes via store.Set rather than save's CAS) and
// save (every subsequent commit).
func (e *Engine) publishAdvanced(cs domain.ChainState) {
	if e.publisher == nil {
		return
	}
	data, _ := json.Marshal(cs)
	e.publisher.Publish(domain.StreamEvent{
		ID:         uuid.New().String(),
		Kind:       domain.StreamEventChainAdvanced,
		Namespace:  cs.OriginAction.Namespace,
		Tenant:     cs.OriginAction.Tenant,
		EntityType: "chain",
		EntityID:   cs.ChainID,
		Data:       data,
	})
}

func (e *Engine) acquireLock(ctx context.Context, chainID string) (func(), error) {
	token := uuid.New().String()
	ok, err := e.store.CheckAndSet(ctx, e.lockKey(chainID), []byte(token), 30*time.Second)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrChainLocked
	}
	return func() { _ = e.store.Delete(context.Background(), e.lockKey(chainID)) }, nil
}

// Cancel marks a running chain Cancelled. It does not take the
// advance lock: if a step is currently in flight, that step still runs
// to completion, but its subsequent save loses the CAS race against
// this write and is discarded (spec.md §5 cancellation semantics).
func (e *Engine) Cancel(ctx context.Context, chainID string) error {
	for attempt := 0; attempt < 5; attempt++ {
		cs, raw, err := e.load(ctx, chainID)
		if err != nil {
			return err
		}
		if cs.Status != domain.ChainRunning {
			return nil
		}
		cs.Status = domain.ChainCancelled
		cs.UpdatedAt = time.Now()
		committed, err := e.save(ctx, raw, cs)
		if err != nil {
			return err
		}
		if committed {
			return e.store.RemoveChainReadyIndex(ctx, chainID)
		}
	}
	return state.ErrCASMismatch
}

// ReadyChains returns up to limit chain IDs indexed ready for
// advancement at or before now, for the background processor to feed
// to Advance.
func (e *Engine) ReadyChains(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return e.store.GetReadyChains(ctx, now, limit)
}

// Advance processes one due advancement of chainID: it takes the
// chain's lock, loads the current snapshot, executes (or skips) the
// next step, and re-indexes the chain as ready after every committed
// step; a chain with no step left is marked completed on the Advance
// that finds nothing to run.
// Called by the background processor once per entry returned from
// ReadyChains.
func (e *Engine) Advance(ctx context.Context, chainID string) error {
	unlock, err := e.acquireLock(ctx, chainID)
	if err != nil {
		return err
	}
	defer unlock()

	cs, raw, err := e.load(ctx, chainID)
	if err != nil {
		return err
	}
	if cs.Status != domain.ChainRunning {
		return e.store.RemoveChainReadyIndex(ctx, chainID)
	}

	cfg, ok := e.chainConfig(cs.ChainName)
	if !ok {
		cs.Status = domain.ChainFailed
		cs.UpdatedAt = time.Now()
		if _, err := e.save(ctx, raw, cs); err != nil {
			return err
		}
		return e.completeAndUnindex(ctx, cs)
	}

	if cs.ExpiresAt != nil && !cs.ExpiresAt.After(time.Now()) {
		cs.Status = domain.ChainTimedOut
		cs.UpdatedAt = time.Now()
		if _, err := e.save(ctx, raw, cs); err != nil {
			return err
		}
		return e.completeAndUnindex(ctx, cs)
	}

	if cs.CurrentStep >= len(cfg.Steps) {
		cs.Status = domain.ChainCompleted
		cs.UpdatedAt = time.Now()
		if _, err := e.save(ctx, raw, cs); err != nil {
			return err
		}
		return e.completeAndUnindex(ctx, cs)
	}

	step := cfg.Steps[cs.CurrentStep]

	if step.SubChain != "" {
		detail, err := e.startSub(ctx, step.SubChain, cs)
		if err != nil {
			return e.applyFailurePolicy(ctx, raw, cs, cfg, step, err)
		}
		cs.ChildChainIDs = append(cs.ChildChainIDs, detail.ChainID)
		cs.UpdatedAt = time.Now()
		// The parent does not re-advance until the sub-chain completes
		// and re-indexes it (completeAndUnindex), so no IndexChainReady
		// call here.
		_, err = e.save(ctx, raw, cs)
		return err
	}

	if step.DelaySeconds > 0 {
		select {
		case <-time.After(time.Duration(step.DelaySeconds) * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	payload, err := e.renderTemplate(step.PayloadTemplate, cs)
	if err != nil {
		return e.applyFailurePolicy(ctx, raw, cs, cfg, step, err)
	}

	stepAction := domain.Action{
		ID:         domain.NewActionID(),
		Namespace:  cs.OriginAction.Namespace,
		Tenant:     cs.OriginAction.Tenant,
		Provider:   step.Provider,
		ActionType: step.ActionType,
		Payload:    payload,
		CreatedAt:  time.Now(),
		ChainID:    chainID,
	}

	outcome, response, dispatchErr := e.dispatch(ctx, stepAction)
	ranAt := time.Now()

	result := domain.StepResult{StepName: step.Name, Outcome: outcome, Response: response, RanAt: ranAt}
	if dispatchErr != nil {
		result.Error = dispatchErr.Error()
	}
	if cs.StepResults == nil {
		cs.StepResults = make(map[int]domain.StepResult)
	}
	cs.StepResults[cs.CurrentStep] = result
	cs.ExecutionPath = append(cs.ExecutionPath, step.Name)
	cs.UpdatedAt = ranAt

	if e.logger != nil {
		e.logger.LogChainStep(ctx, chainID, step.Name, dispatchErr)
	}

	stepFailed := dispatchErr != nil || outcome.Kind == domain.OutcomeFailed
	if stepFailed {
		cause := dispatchErr
		if cause == nil && outcome.Failed != nil {
			cause = fmt.Errorf("step failed: %s", outcome.Failed.Reason)
		}
		return e.applyFailurePolicy(ctx, raw, cs, cfg, step, cause)
	}

	next, err := e.resolveNext(cfg, step, cs)
	if err != nil {
		return e.applyFailurePolicy(ctx, raw, cs, cfg, step, err)
	}
	cs.CurrentStep = next

	committed, err := e.save(ctx, raw, cs)
	if err != nil {
		return err
	}
	if !committed {
		return nil
	}
	if e.reg != nil {
		e.reg.ObserveChainStep(cs.ChainName, "ok")
	}
	return e.store.IndexChainReady(ctx, chainID, time.Now())
}

func (e *Engine) completeAndUnindex(ctx context.Context, cs domain.ChainState) error {
	if err := e.store.RemoveChainReadyIndex(ctx, cs.ChainID); err != nil {
		return err
	}
	if cs.ParentChainID != "" {
		return e.store.IndexChainReady(ctx, cs.ParentChainID, time.Now())
	}
	return nil
}

func (e *Engine) startSub(ctx context.Context, subChainName string, parent domain.ChainState) (domain.ChainStartedDetail, error) {
	if _, ok := e.chainConfig(subChainName); !ok {
		return domain.ChainStartedDetail{}, fmt.Errorf("chainengine: unknown sub_chain %q", subChainName)
	}
	now := time.Now()
	cs := domain.ChainState{
		ChainID:       uuid.New().String(),
		ChainName:     subChainName,
		OriginAction:  parent.OriginAction,
		Status:        domain.ChainRunning,
		StepResults:   make(map[int]domain.StepResult),
		StartedAt:     now,
		UpdatedAt:     now,
		ParentChainID: parent.ChainID,
	}
	raw, err := json.Marshal(cs)
	if err != nil {
		return domain.ChainStartedDetail{}, err
	}
	if err := e.store.Set(ctx, e.chainKey(cs.ChainID), raw, 0); err != nil {
		return domain.ChainStartedDetail{}, err
	}
	if err := e.store.IndexChainReady(ctx, cs.ChainID, now); err != nil {
		return domain.ChainStartedDetail{}, err
	}
	return domain.ChainStartedDetail{ChainID: cs.ChainID, ChainName: subChainName}, nil
}

// applyFailurePolicy applies the step's on_failure policy (falling
// back to the chain-level policy, then abort) after a step failed to
// render, dispatch, or resolve its next step.
func (e *Engine) applyFailurePolicy(ctx context.Context, old []byte, cs domain.ChainState, cfg domain.ChainConfig, step domain.ChainStepConfig, cause error) error {
	policy := step.OnFailure
	if policy == "" {
		policy = cfg.OnFailure
	}
	if policy == "" {
		policy = domain.OnFailureAbort
	}

	causeMsg := ""
	if cause != nil {
		causeMsg = cause.Error()
	}

	if policy == domain.OnFailureSkip {
		idx, ok := stepIndex(cfg, step.Name)
		if !ok {
			policy = domain.OnFailureAbort
		} else {
			cs.CurrentStep = idx + 1
			cs.UpdatedAt = time.Now()
			committed, err := e.save(ctx, old, cs)
			if err != nil {
				return err
			}
			if !committed {
				return nil
			}
			if e.reg != nil {
				e.reg.ObserveChainStep(cs.ChainName, "skipped")
			}
			if cs.CurrentStep >= len(cfg.Steps) {
				cs.Status = domain.ChainCompleted
				return e.completeAndUnindex(ctx, cs)
			}
			return e.store.IndexChainReady(ctx, cs.ChainID, time.Now())
		}
	}

	if policy == domain.OnFailureDLQ && e.dlq != nil {
		e.dlq(ctx, cs, step.Name, causeMsg)
	}

	cs.Status = domain.ChainFailed
	cs.UpdatedAt = time.Now()
	committed, err := e.save(ctx, old, cs)
	if err != nil {
		return err
	}
	if !committed {
		return nil
	}
	if e.reg != nil {
		result := "failed"
		if policy == domain.OnFailureDLQ {
			result = "dlq"
		}
		e.reg.ObserveChainStep(cs.ChainName, result)
	}
	return e.completeAndUnindex(ctx, cs)
}

func stepIndex(cfg domain.ChainConfig, name string) (int, bool) {
	for i, s := range cfg.Steps {
		if s.Name == name {
			return i, true
		}
	}
	return 0, false
}

// resolveNext evaluates a step's branches in declaration order (first
// match wins), falling back to default_next, then step_index+1. An
// unreachable target is surfaced as an invalid_chain_target error.
func (e *Engine) resolveNext(cfg domain.ChainConfig, step domain.ChainStepConfig, cs domain.ChainState) (int, error) {
	ctxJSON, err := buildTemplateContext(cs)
	if err != nil {
		return 0, err
	}

	for _, b := range step.Branches {
		val := gjson.GetBytes(ctxJSON, b.Field)
		if branchMatches(val, b.Operator, b.Value) {
			idx, ok := stepIndex(cfg, b.TargetStepName)
			if !ok {
				return 0, fmt.Errorf("invalid_chain_target: %s", b.TargetStepName)
			}
			return idx, nil
		}
	}
	if step.DefaultNext != "" {
		idx, ok := stepIndex(cfg, step.DefaultNext)
		if !ok {
			return 0, fmt.Errorf("invalid_chain_target: %s", step.DefaultNext)
		}
		return idx, nil
	}
	curIdx, _ := stepIndex(cfg, step.Name)
	return curIdx + 1, nil
}
