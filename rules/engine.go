package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/penserai/acteon/domain"
	"github.com/penserai/acteon/infrastructure/state"
	"github.com/penserai/acteon/rules/sandbox"
)

// CustomHandler backs the Custom(name, params) directive. It reports
// whether invoking it determined a terminal outcome on its own; when
// it returns false the rule is treated as non-terminal and evaluation
// continues to the next rule, per spec.md §4.2.
type CustomHandler func(ctx context.Context, action *domain.Action, params map[string]interface{}) (terminal bool, err error)

// Engine compiles rule sets into Plans and evaluates actions against
// the currently active Plan. The active Plan is swapped atomically so
// a hot reload never blocks in-flight evaluations.
type Engine struct {
	store    state.Store
	sandbox  *sandbox.Sandbox
	guardrail GuardrailClient
	embedder EmbeddingProvider
	embedCache embeddingCache
	policy   Policy

	custom map[string]CustomHandler

	active atomic.Pointer[Plan]
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithSandbox wires the wasm_plugin extension predicate to a Sandbox.
func WithSandbox(s *sandbox.Sandbox) Option { return func(e *Engine) { e.sandbox = s } }

// WithGuardrail wires the llm_guardrail extension predicate.
func WithGuardrail(c GuardrailClient) Option { return func(e *Engine) { e.guardrail = c } }

// WithEmbedding wires the semantic_match extension predicate.
func WithEmbedding(provider EmbeddingProvider, cache embeddingCache) Option {
	return func(e *Engine) {
		e.embedder = provider
		e.embedCache = cache
	}
}

// WithPolicy overrides the default extension policy (guardrail
// endpoint precedence, plugin fail-open map, semantic topic vectors).
func WithPolicy(p Policy) Option { return func(e *Engine) { e.policy = p } }

// NewEngine builds an Engine backed by store for state-store reads
// inside conditions.
func NewEngine(store state.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		custom: make(map[string]CustomHandler),
		policy: Policy{PluginFailOpen: map[string]bool{}, PerActionType: map[string]string{}},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterCustom installs the handler for a named Custom directive.
func (e *Engine) RegisterCustom(name string, handler CustomHandler) {
	e.custom[name] = handler
}

// SetPlan atomically swaps the active evaluation plan, used on rule
// reload (spec.md: "reload errors are returned per-file without
// invalidating the existing snapshot" — callers only call SetPlan once
// a new Plan compiled without error).
func (e *Engine) SetPlan(p *Plan) { e.active.Store(p) }

// Plan returns the currently active plan, or nil if none has been set.
func (e *Engine) Plan() *Plan { return e.active.Load() }

// Evaluate scans the active plan in order against action, applying
// Modify patches in-line and returning the first terminal directive's
// rule as the verdict's matched rule (nil if none matched — implicit
// Allow). The returned action reflects any Modify patches applied
// along the way.
func (e *Engine) Evaluate(ctx context.Context, action domain.Action) (domain.Action, domain.Verdict, error) {
	plan := e.active.Load()
	if plan == nil || plan.Len() == 0 {
		return action, domain.Verdict{}, nil
	}

	verdict := domain.Verdict{Trace: make([]domain.EvalTrace, 0, len(plan.rules))}

	for _, cr := range plan.rules {
		start := time.Now()
		param, err := e.buildParameter(action, cr.rule)
		if err != nil {
			verdict.Trace = append(verdict.Trace, domain.EvalTrace{RuleName: cr.rule.Name, Errored: true, Error: err.Error(), Elapsed: time.Since(start)})
			continue
		}

		matched, err := cr.condition.Evaluate(ctx, param)
		elapsed := time.Since(start)
		if err != nil {
			verdict.Trace = append(verdict.Trace, domain.EvalTrace{RuleName: cr.rule.Name, Errored: true, Error: err.Error(), Elapsed: elapsed})
			continue
		}
		if !matched {
			verdict.Trace = append(verdict.Trace, domain.EvalTrace{RuleName: cr.rule.Name, Matched: false, Elapsed: elapsed})
			continue
		}

		rule := cr.rule
		switch rule.Directive {
		case domain.DirectiveModify:
			if err := applyModify(&action, rule.Modify); err != nil {
				verdict.Trace = append(verdict.Trace, domain.EvalTrace{RuleName: rule.Name, Matched: true, Errored: true, Error: err.Error(), Elapsed: elapsed})
				continue
			}
			verdict.Trace = append(verdict.Trace, domain.EvalTrace{RuleName: rule.Name, Matched: true, Elapsed: elapsed})
			continue
		case domain.DirectiveCustom:
			terminal := false
			if rule.Custom != nil {
				if handler, ok := e.custom[rule.Custom.Name]; ok {
					t, err := handler(ctx, &action, rule.Custom.Params)
					if err != nil {
						verdict.Trace = append(verdict.Trace, domain.EvalTrace{RuleName: rule.Name, Matched: true, Errored: true, Error: err.Error(), Elapsed: elapsed})
						continue
					}
					terminal = t
				}
			}
			verdict.Trace = append(verdict.Trace, domain.EvalTrace{RuleName: rule.Name, Matched: true, Elapsed: elapsed})
			if !terminal {
				continue
			}
			matchedRule := rule
			verdict.MatchedRule = &matchedRule
			return action, verdict, nil
		default:
			verdict.Trace = append(verdict.Trace, domain.EvalTrace{RuleName: rule.Name, Matched: true, Elapsed: elapsed})
			matchedRule := rule
			verdict.MatchedRule = &matchedRule
			return action, verdict, nil
		}
	}

	return action, verdict, nil
}

// buildParameter assembles the gval parameter for one rule's
// evaluation: the action, a lazy state-store accessor scoped to the
// action's namespace/tenant, and `now` resolved in the rule's
// configured timezone.
func (e *Engine) buildParameter(action domain.Action, rule domain.Rule) (map[string]interface{}, error) {
	loc := time.UTC
	if rule.Timezone != "" {
		l, err := time.LoadLocation(rule.Timezone)
		if err != nil {
			return nil, fmt.Errorf("rule %q: invalid timezone %q: %w", rule.Name, rule.Timezone, err)
		}
		loc = l
	}

	actionMap, err := actionToMap(action)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"action": actionMap,
		"now":    time.Now().In(loc),
		"state": stateAccessor{
			store:     e.store,
			namespace: action.Namespace,
			tenant:    action.Tenant,
		},
	}, nil
}

// actionToMap renders action as a plain map so gval field access
// (`action.payload.x`, `action.metadata.y`) resolves against decoded
// JSON rather than struct reflection, matching spec.md §4.2's field
// paths.
func actionToMap(action domain.Action) (map[string]interface{}, error) {
	var payload interface{}
	if len(action.Payload) > 0 {
		if err := json.Unmarshal(action.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode action payload: %w", err)
		}
	}
	metadata := make(map[string]interface{}, len(action.Metadata))
	for k, v := range action.Metadata {
		metadata[k] = v
	}
	return map[string]interface{}{
		"id":           action.ID,
		"namespace":    action.Namespace,
		"tenant":       action.Tenant,
		"provider":     action.Provider,
		"action_type":  action.ActionType,
		"payload":      payload,
		"metadata":     metadata,
		"dedup_key":    action.DedupKey,
		"fingerprint":  action.Fingerprint,
		"status":       action.Status,
		"created_at":   action.CreatedAt,
	}, nil
}

// applyModify merges a Modify directive's patch into action's payload
// and metadata in place.
func applyModify(action *domain.Action, spec *domain.ModifySpec) error {
	if spec == nil {
		return nil
	}
	if len(spec.MetadataPatch) > 0 {
		if action.Metadata == nil {
			action.Metadata = make(map[string]string, len(spec.MetadataPatch))
		}
		for k, v := range spec.MetadataPatch {
			action.Metadata[k] = v
		}
	}
	if len(spec.PayloadPatch) > 0 {
		var current map[string]interface{}
		if len(action.Payload) > 0 {
			if err := json.Unmarshal(action.Payload, &current); err != nil {
				return fmt.Errorf("modify: decode existing payload: %w", err)
			}
		}
		if current == nil {
			current = make(map[string]interface{}, len(spec.PayloadPatch))
		}
		for k, v := range spec.PayloadPatch {
			current[k] = v
		}
		merged, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("modify: encode merged payload: %w", err)
		}
		action.Payload = merged
	}
	return nil
}
