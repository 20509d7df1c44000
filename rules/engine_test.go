package rules

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/penserai/acteon/domain"
	"github.com/penserai/acteon/infrastructure/state"
)

func TestEngine_FirstMatchingTerminalRuleWins(t *testing.T) {
	e := newTestEngine(t)
	ruleSet := []domain.Rule{
		{Name: "deny-test", Priority: 1, Enabled: true, Condition: `eq(action.action_type, "test")`, Directive: domain.DirectiveDeny},
		{Name: "allow-all", Priority: 2, Enabled: true, Condition: "true", Directive: domain.DirectiveAllow},
	}
	plan, err := e.NewPlan(ruleSet)
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}
	e.SetPlan(plan)

	_, verdict, err := e.Evaluate(context.Background(), domain.Action{ActionType: "test"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if verdict.MatchedRule == nil || verdict.MatchedRule.Name != "deny-test" {
		t.Fatalf("expected deny-test to match first, got %+v", verdict.MatchedRule)
	}

	_, verdict, err = e.Evaluate(context.Background(), domain.Action{ActionType: "other"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if verdict.MatchedRule == nil || verdict.MatchedRule.Name != "allow-all" {
		t.Fatalf("expected allow-all to match, got %+v", verdict.MatchedRule)
	}
}

func TestEngine_ModifyAppliesInlineAndContinues(t *testing.T) {
	e := newTestEngine(t)
	ruleSet := []domain.Rule{
		{
			Name: "tag-region", Priority: 1, Enabled: true, Condition: "true", Directive: domain.DirectiveModify,
			Modify: &domain.ModifySpec{MetadataPatch: map[string]string{"region": "us-east"}},
		},
		{
			Name: "reroute-tagged", Priority: 2, Enabled: true,
			Condition: `eq(action.metadata.region, "us-east")`, Directive: domain.DirectiveReroute,
			Reroute: &domain.RerouteSpec{Target: "backup-provider"},
		},
	}
	plan, err := e.NewPlan(ruleSet)
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}
	e.SetPlan(plan)

	action, verdict, err := e.Evaluate(context.Background(), domain.Action{Metadata: map[string]string{}})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if verdict.MatchedRule == nil || verdict.MatchedRule.Name != "reroute-tagged" {
		t.Fatalf("expected reroute-tagged to match after modify applied, got %+v", verdict.MatchedRule)
	}
	if action.Metadata["region"] != "us-east" {
		t.Fatalf("expected modify patch to persist on returned action, got %+v", action.Metadata)
	}
}

func TestEngine_ModifyPayloadMergePatch(t *testing.T) {
	e := newTestEngine(t)
	ruleSet := []domain.Rule{
		{
			Name: "enrich", Priority: 1, Enabled: true, Condition: "true", Directive: domain.DirectiveModify,
			Modify: &domain.ModifySpec{PayloadPatch: map[string]interface{}{"enriched": true}},
		},
	}
	plan, err := e.NewPlan(ruleSet)
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}
	e.SetPlan(plan)

	action, _, err := e.Evaluate(context.Background(), domain.Action{Payload: []byte(`{"amount": 10}`)})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(action.Payload, &decoded); err != nil {
		t.Fatalf("decode merged payload: %v", err)
	}
	if decoded["enriched"] != true {
		t.Fatalf("expected payload patch merged, got %+v", decoded)
	}
	if decoded["amount"] != float64(10) {
		t.Fatalf("expected original field preserved, got %+v", decoded)
	}
}

func TestEngine_NoMatchReturnsNilVerdict(t *testing.T) {
	e := newTestEngine(t)
	ruleSet := []domain.Rule{
		{Name: "never", Priority: 1, Enabled: true, Condition: "false", Directive: domain.DirectiveDeny},
	}
	plan, err := e.NewPlan(ruleSet)
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}
	e.SetPlan(plan)

	_, verdict, err := e.Evaluate(context.Background(), domain.Action{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if verdict.MatchedRule != nil {
		t.Fatalf("expected no matched rule, got %+v", verdict.MatchedRule)
	}
	if len(verdict.Trace) != 1 || verdict.Trace[0].Matched {
		t.Fatalf("expected a single skipped trace entry, got %+v", verdict.Trace)
	}
}

func TestEngine_CustomDirectiveTerminalWhenHandlerSaysSo(t *testing.T) {
	e := newTestEngine(t)
	e.RegisterCustom("notify-slack", func(ctx context.Context, action *domain.Action, params map[string]interface{}) (bool, error) {
		return true, nil
	})
	ruleSet := []domain.Rule{
		{
			Name: "slack", Priority: 1, Enabled: true, Condition: "true", Directive: domain.DirectiveCustom,
			Custom: &domain.CustomSpec{Name: "notify-slack"},
		},
	}
	plan, err := e.NewPlan(ruleSet)
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}
	e.SetPlan(plan)

	_, verdict, err := e.Evaluate(context.Background(), domain.Action{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if verdict.MatchedRule == nil || verdict.MatchedRule.Name != "slack" {
		t.Fatalf("expected custom directive to terminate evaluation, got %+v", verdict.MatchedRule)
	}
}

func TestEngine_WasmPluginFailsOpenByDefault(t *testing.T) {
	e := NewEngine(state.NewMemoryStore(time.Minute))
	ruleSet := []domain.Rule{
		{Name: "gated", Priority: 1, Enabled: true, Condition: `wasm_plugin("missing", "check")`, Directive: domain.DirectiveDeny},
	}
	plan, err := e.NewPlan(ruleSet)
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}
	e.SetPlan(plan)

	_, verdict, err := e.Evaluate(context.Background(), domain.Action{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if verdict.MatchedRule == nil || verdict.MatchedRule.Name != "gated" {
		t.Fatalf("expected fail-open wasm_plugin to satisfy the condition, got %+v", verdict.MatchedRule)
	}
}
