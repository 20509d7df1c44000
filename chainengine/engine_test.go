package chainengine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/penserai/acteon/domain"
	"github.com/penserai/acteon/infrastructure/state"
)

func newTestStore(t *testing.T) *state.MemoryStore {
	t.Helper()
	return state.NewMemoryStore(time.Minute)
}

func simpleDispatch(outcome domain.ActionOutcome, response json.RawMessage, err error) DispatchFunc {
	return func(ctx context.Context, action domain.Action) (domain.ActionOutcome, json.RawMessage, error) {
		return outcome, response, err
	}
}

func TestRegisterChain_RejectsDuplicateStepNames(t *testing.T) {
	e := NewEngine(newTestStore(t), simpleDispatch(domain.ActionOutcome{}, nil, nil))
	err := e.RegisterChain(domain.ChainConfig{
		Name: "dup",
		Steps: []domain.ChainStepConfig{
			{Name: "a", ActionType: "x"},
			{Name: "a", ActionType: "y"},
		},
	})
	if err == nil {
		t.Fatal("expected error for duplicate step name")
	}
}

func TestRegisterChain_RejectsDanglingTarget(t *testing.T) {
	e := NewEngine(newTestStore(t), simpleDispatch(domain.ActionOutcome{}, nil, nil))
	err := e.RegisterChain(domain.ChainConfig{
		Name: "dangling",
		Steps: []domain.ChainStepConfig{
			{Name: "a", ActionType: "x", DefaultNext: "missing"},
		},
	})
	if err == nil {
		t.Fatal("expected error for dangling default_next target")
	}
}

func TestRegisterChain_RejectsCycle(t *testing.T) {
	e := NewEngine(newTestStore(t), simpleDispatch(domain.ActionOutcome{}, nil, nil))
	err := e.RegisterChain(domain.ChainConfig{
		Name: "cyclic",
		Steps: []domain.ChainStepConfig{
			{Name: "a", ActionType: "x", DefaultNext: "b"},
			{Name: "b", ActionType: "y", DefaultNext: "a"},
		},
	})
	if err == nil {
		t.Fatal("expected error for cyclic chain")
	}
}

func TestStartAndGet(t *testing.T) {
	e := NewEngine(newTestStore(t), simpleDispatch(domain.ActionOutcome{}, nil, nil))
	if err := e.RegisterChain(domain.ChainConfig{
		Name:  "simple",
		Steps: []domain.ChainStepConfig{{Name: "a", ActionType: "noop"}},
	}); err != nil {
		t.Fatalf("RegisterChain: %v", err)
	}

	detail, err := e.Start(context.Background(), "simple", domain.Action{Namespace: "ns", Tenant: "t1"}, 0)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if detail.ChainID == "" {
		t.Fatal("expected non-empty chain id")
	}

	cs, err := e.Get(context.Background(), detail.ChainID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cs.Status != domain.ChainRunning {
		t.Fatalf("expected running, got %s", cs.Status)
	}
}

func TestStart_UnknownChainReturnsError(t *testing.T) {
	e := NewEngine(newTestStore(t), simpleDispatch(domain.ActionOutcome{}, nil, nil))
	_, err := e.Start(context.Background(), "nope", domain.Action{}, 0)
	if err != ErrUnknownChain {
		t.Fatalf("expected ErrUnknownChain, got %v", err)
	}
}

func TestAdvance_MultiStepFallthroughToCompletion(t *testing.T) {
	e := NewEngine(newTestStore(t), simpleDispatch(
		domain.ActionOutcome{Kind: domain.OutcomeExecuted, Executed: &domain.ExecutedDetail{}},
		json.RawMessage(`{"ok":true}`), nil,
	))
	cfg := domain.ChainConfig{
		Name: "two-step",
		Steps: []domain.ChainStepConfig{
			{Name: "first", ActionType: "noop"},
			{Name: "second", ActionType: "noop"},
		},
	}
	if err := e.RegisterChain(cfg); err != nil {
		t.Fatalf("RegisterChain: %v", err)
	}
	detail, err := e.Start(context.Background(), "two-step", domain.Action{Namespace: "ns", Tenant: "t1"}, 0)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := e.Advance(context.Background(), detail.ChainID); err != nil {
		t.Fatalf("Advance 1: %v", err)
	}
	cs, err := e.Get(context.Background(), detail.ChainID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cs.Status != domain.ChainRunning || cs.CurrentStep != 1 {
		t.Fatalf("expected running at step 1, got status=%s step=%d", cs.Status, cs.CurrentStep)
	}

	if err := e.Advance(context.Background(), detail.ChainID); err != nil {
		t.Fatalf("Advance 2: %v", err)
	}
	cs, err = e.Get(context.Background(), detail.ChainID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cs.Status != domain.ChainRunning || cs.CurrentStep != 2 {
		t.Fatalf("expected running at step 2, got status=%s step=%d", cs.Status, cs.CurrentStep)
	}

	if err := e.Advance(context.Background(), detail.ChainID); err != nil {
		t.Fatalf("Advance 3 (completion): %v", err)
	}
	cs, err = e.Get(context.Background(), detail.ChainID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cs.Status != domain.ChainCompleted {
		t.Fatalf("expected completed, got %s", cs.Status)
	}
}

func TestAdvance_BranchSelectsTargetStep(t *testing.T) {
	e := NewEngine(newTestStore(t), simpleDispatch(
		domain.ActionOutcome{Kind: domain.OutcomeExecuted, Executed: &domain.ExecutedDetail{}},
		json.RawMessage(`{"amount":150}`), nil,
	))
	cfg := domain.ChainConfig{
		Name: "branching",
		Steps: []domain.ChainStepConfig{
			{
				Name:       "check",
				ActionType: "noop",
				Branches: []domain.BranchConfig{
					{Field: "prev.amount", Operator: "gt", Value: float64(100), TargetStepName: "big"},
				},
				DefaultNext: "small",
			},
			{Name: "small", ActionType: "noop"},
			{Name: "big", ActionType: "noop"},
		},
	}
	if err := e.RegisterChain(cfg); err != nil {
		t.Fatalf("RegisterChain: %v", err)
	}
	detail, err := e.Start(context.Background(), "branching", domain.Action{Namespace: "ns", Tenant: "t1"}, 0)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Advance(context.Background(), detail.ChainID); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	cs, err := e.Get(context.Background(), detail.ChainID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cs.CurrentStep != 2 {
		t.Fatalf("expected branch to land on step index 2 (big), got %d", cs.CurrentStep)
	}
}

func TestAdvance_FailurePolicySkip(t *testing.T) {
	e := NewEngine(newTestStore(t), simpleDispatch(domain.ActionOutcome{}, nil, context.DeadlineExceeded))
	cfg := domain.ChainConfig{
		Name: "skip-on-fail",
		Steps: []domain.ChainStepConfig{
			{Name: "flaky", ActionType: "noop", OnFailure: domain.OnFailureSkip},
			{Name: "after", ActionType: "noop"},
		},
	}
	if err := e.RegisterChain(cfg); err != nil {
		t.Fatalf("RegisterChain: %v", err)
	}
	detail, err := e.Start(context.Background(), "skip-on-fail", domain.Action{Namespace: "ns", Tenant: "t1"}, 0)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Advance(context.Background(), detail.ChainID); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	cs, err := e.Get(context.Background(), detail.ChainID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cs.Status != domain.ChainRunning || cs.CurrentStep != 1 {
		t.Fatalf("expected skip to advance past failed step, got status=%s step=%d", cs.Status, cs.CurrentStep)
	}
}

func TestAdvance_FailurePolicyAbortMarksFailed(t *testing.T) {
	e := NewEngine(newTestStore(t), simpleDispatch(domain.ActionOutcome{}, nil, context.DeadlineExceeded))
	cfg := domain.ChainConfig{
		Name: "abort-on-fail",
		Steps: []domain.ChainStepConfig{
			{Name: "flaky", ActionType: "noop"},
		},
	}
	if err := e.RegisterChain(cfg); err != nil {
		t.Fatalf("RegisterChain: %v", err)
	}
	detail, err := e.Start(context.Background(), "abort-on-fail", domain.Action{Namespace: "ns", Tenant: "t1"}, 0)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Advance(context.Background(), detail.ChainID); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	cs, err := e.Get(context.Background(), detail.ChainID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cs.Status != domain.ChainFailed {
		t.Fatalf("expected failed, got %s", cs.Status)
	}
}

func TestAdvance_FailurePolicyDLQInvokesHook(t *testing.T) {
	var gotStep, gotCause string
	dlqFn := func(ctx context.Context, cs domain.ChainState, stepName string, cause string) {
		gotStep = stepName
		gotCause = cause
	}
	e := NewEngine(newTestStore(t), simpleDispatch(domain.ActionOutcome{}, nil, context.DeadlineExceeded), WithDLQFunc(dlqFn))
	cfg := domain.ChainConfig{
		Name: "dlq-on-fail",
		Steps: []domain.ChainStepConfig{
			{Name: "flaky", ActionType: "noop", OnFailure: domain.OnFailureDLQ},
		},
	}
	if err := e.RegisterChain(cfg); err != nil {
		t.Fatalf("RegisterChain: %v", err)
	}
	detail, err := e.Start(context.Background(), "dlq-on-fail", domain.Action{Namespace: "ns", Tenant: "t1"}, 0)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Advance(context.Background(), detail.ChainID); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if gotStep != "flaky" {
		t.Fatalf("expected dlq hook invoked with step 'flaky', got %q", gotStep)
	}
	if gotCause == "" {
		t.Fatal("expected non-empty dlq cause")
	}
	cs, err := e.Get(context.Background(), detail.ChainID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cs.Status != domain.ChainFailed {
		t.Fatalf("expected failed after dlq, got %s", cs.Status)
	}
}

func TestAdvance_ExpiredChainTimesOut(t *testing.T) {
	e := NewEngine(newTestStore(t), simpleDispatch(domain.ActionOutcome{}, nil, nil))
	cfg := domain.ChainConfig{
		Name:  "expiring",
		Steps: []domain.ChainStepConfig{{Name: "a", ActionType: "noop"}},
	}
	if err := e.RegisterChain(cfg); err != nil {
		t.Fatalf("RegisterChain: %v", err)
	}
	detail, err := e.Start(context.Background(), "expiring", domain.Action{Namespace: "ns", Tenant: "t1"}, time.Nanosecond)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(time.Millisecond)
	if err := e.Advance(context.Background(), detail.ChainID); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	cs, err := e.Get(context.Background(), detail.ChainID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cs.Status != domain.ChainTimedOut {
		t.Fatalf("expected timed_out, got %s", cs.Status)
	}
}

func TestCancel_StopsRunningChain(t *testing.T) {
	e := NewEngine(newTestStore(t), simpleDispatch(domain.ActionOutcome{}, nil, nil))
	cfg := domain.ChainConfig{
		Name:  "cancelable",
		Steps: []domain.ChainStepConfig{{Name: "a", ActionType: "noop"}},
	}
	if err := e.RegisterChain(cfg); err != nil {
		t.Fatalf("RegisterChain: %v", err)
	}
	detail, err := e.Start(context.Background(), "cancelable", domain.Action{Namespace: "ns", Tenant: "t1"}, 0)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Cancel(context.Background(), detail.ChainID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	cs, err := e.Get(context.Background(), detail.ChainID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cs.Status != domain.ChainCancelled {
		t.Fatalf("expected cancelled, got %s", cs.Status)
	}

	// Cancelling an already-terminal chain is a no-op, not an error.
	if err := e.Cancel(context.Background(), detail.ChainID); err != nil {
		t.Fatalf("Cancel (idempotent): %v", err)
	}
}

func TestAdvance_SubChainStartsAndWakesParentOnCompletion(t *testing.T) {
	e := NewEngine(newTestStore(t), simpleDispatch(
		domain.ActionOutcome{Kind: domain.OutcomeExecuted, Executed: &domain.ExecutedDetail{}},
		json.RawMessage(`{}`), nil,
	))
	if err := e.RegisterChain(domain.ChainConfig{
		Name:  "child",
		Steps: []domain.ChainStepConfig{{Name: "only", ActionType: "noop"}},
	}); err != nil {
		t.Fatalf("RegisterChain child: %v", err)
	}
	if err := e.RegisterChain(domain.ChainConfig{
		Name: "parent",
		Steps: []domain.ChainStepConfig{
			{Name: "spawn", SubChain: "child"},
		},
	}); err != nil {
		t.Fatalf("RegisterChain parent: %v", err)
	}

	parentDetail, err := e.Start(context.Background(), "parent", domain.Action{Namespace: "ns", Tenant: "t1"}, 0)
	if err != nil {
		t.Fatalf("Start parent: %v", err)
	}
	if err := e.Advance(context.Background(), parentDetail.ChainID); err != nil {
		t.Fatalf("Advance parent (spawn sub-chain): %v", err)
	}
	parent, err := e.Get(context.Background(), parentDetail.ChainID)
	if err != nil {
		t.Fatalf("Get parent: %v", err)
	}
	if len(parent.ChildChainIDs) != 1 {
		t.Fatalf("expected one child chain id, got %v", parent.ChildChainIDs)
	}
	childID := parent.ChildChainIDs[0]

	ready, err := e.store.GetReadyChains(context.Background(), time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("GetReadyChains: %v", err)
	}
	found := false
	for _, id := range ready {
		if id == childID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected child chain %s to be indexed ready, got %v", childID, ready)
	}

	if err := e.Advance(context.Background(), childID); err != nil {
		t.Fatalf("Advance child: %v", err)
	}
	child, err := e.Get(context.Background(), childID)
	if err != nil {
		t.Fatalf("Get child: %v", err)
	}
	if child.Status != domain.ChainCompleted {
		t.Fatalf("expected child completed, got %s", child.Status)
	}

	readyAfter, err := e.store.GetReadyChains(context.Background(), time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("GetReadyChains after child completion: %v", err)
	}
	parentReady := false
	for _, id := range readyAfter {
		if id == parentDetail.ChainID {
			parentReady = true
		}
	}
	if !parentReady {
		t.Fatalf("expected parent chain re-indexed ready after child completed, got %v", readyAfter)
	}
}

func TestBuildTemplateContext_ResolvesOriginPrevAndSteps(t *testing.T) {
	cs := domain.ChainState{
		OriginAction: domain.Action{Payload: json.RawMessage(`{"user":"alice"}`)},
		ExecutionPath: []string{"first"},
		StepResults: map[int]domain.StepResult{
			0: {StepName: "first", Response: json.RawMessage(`{"amount":42}`)},
		},
	}
	ctxJSON, err := buildTemplateContext(cs)
	if err != nil {
		t.Fatalf("buildTemplateContext: %v", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(ctxJSON, &doc); err != nil {
		t.Fatalf("unmarshal context: %v", err)
	}
	origin, ok := doc["origin"].(map[string]interface{})
	if !ok || origin["user"] != "alice" {
		t.Fatalf("expected origin.user=alice, got %v", doc["origin"])
	}
	prev, ok := doc["prev"].(map[string]interface{})
	if !ok || prev["amount"].(float64) != 42 {
		t.Fatalf("expected prev.amount=42, got %v", doc["prev"])
	}
}

func TestRenderTemplate_SubstitutesPlaceholders(t *testing.T) {
	e := NewEngine(newTestStore(t), simpleDispatch(domain.ActionOutcome{}, nil, nil))
	cs := domain.ChainState{
		OriginAction: domain.Action{Payload: json.RawMessage(`{"user_id":"u-1"}`)},
	}
	tmpl := json.RawMessage(`{"target_user":{{origin.user_id}},"note":"hello"}`)
	rendered, err := e.renderTemplate(tmpl, cs)
	if err != nil {
		t.Fatalf("renderTemplate: %v", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(rendered, &doc); err != nil {
		t.Fatalf("unmarshal rendered: %v", err)
	}
	if doc["target_user"] != "u-1" {
		t.Fatalf("expected target_user=u-1, got %v", doc["target_user"])
	}
}

func TestRenderTemplate_UnresolvedPlaceholderErrors(t *testing.T) {
	e := NewEngine(newTestStore(t), simpleDispatch(domain.ActionOutcome{}, nil, nil))
	cs := domain.ChainState{OriginAction: domain.Action{Payload: json.RawMessage(`{}`)}}
	_, err := e.renderTemplate(json.RawMessage(`{"x":"{{origin.missing}}"}`), cs)
	if err == nil {
		t.Fatal("expected error for unresolved placeholder")
	}
}

type fakePublisher struct {
	events []domain.StreamEvent
}

func (p *fakePublisher) Publish(ev domain.StreamEvent) { p.events = append(p.events, ev) }

func TestStart_PublishesChainAdvancedEvent(t *testing.T) {
	pub := &fakePublisher{}
	e := NewEngine(newTestStore(t), simpleDispatch(domain.ActionOutcome{}, nil, nil), WithPublisher(pub))
	if err := e.RegisterChain(domain.ChainConfig{
		Name:  "simple",
		Steps: []domain.ChainStepConfig{{Name: "a", ActionType: "noop"}},
	}); err != nil {
		t.Fatalf("RegisterChain: %v", err)
	}

	detail, err := e.Start(context.Background(), "simple", domain.Action{Namespace: "ns", Tenant: "t1"}, 0)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if len(pub.events) != 1 {
		t.Fatalf("expected 1 published event from Start's initial save, got %d", len(pub.events))
	}
	if pub.events[0].Kind != domain.StreamEventChainAdvanced {
		t.Fatalf("expected ChainAdvanced event, got %s", pub.events[0].Kind)
	}
	if pub.events[0].EntityID != detail.ChainID {
		t.Fatalf("expected event for chain %s, got %s", detail.ChainID, pub.events[0].EntityID)
	}
}
