package rules

import (
	"testing"

	"github.com/penserai/acteon/domain"
)

func TestNewPlan_OrdersByPriorityThenInsertion(t *testing.T) {
	e := newTestEngine(t)
	ruleSet := []domain.Rule{
		{Name: "b", Priority: 10, Enabled: true, Condition: "true", Directive: domain.DirectiveAllow},
		{Name: "a", Priority: 5, Enabled: true, Condition: "true", Directive: domain.DirectiveAllow},
		{Name: "c", Priority: 10, Enabled: true, Condition: "true", Directive: domain.DirectiveAllow},
		{Name: "disabled", Priority: 1, Enabled: false, Condition: "true", Directive: domain.DirectiveAllow},
	}

	plan, err := e.NewPlan(ruleSet)
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}
	if plan.Len() != 3 {
		t.Fatalf("expected 3 enabled rules, got %d", plan.Len())
	}
	got := plan.Names()
	want := []string{"a", "b", "c"}
	for i, name := range want {
		if got[i] != name {
			t.Fatalf("Names()[%d] = %q, want %q (full order %v)", i, got[i], name, got)
		}
	}
}

func TestNewPlan_RejectsBadCondition(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.NewPlan([]domain.Rule{
		{Name: "broken", Priority: 1, Enabled: true, Condition: "((("},
	})
	if err == nil {
		t.Fatalf("expected compile error to surface")
	}
}
