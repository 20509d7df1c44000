package rules

import (
	"fmt"
	"sort"

	"github.com/penserai/acteon/domain"
)

// compiledRule pairs a rule with its compiled condition, keeping the
// original insertion index so equal-priority rules retain their order
// (spec.md §3: "equal priorities preserve insertion order").
type compiledRule struct {
	rule      domain.Rule
	condition *Condition
	index     int
}

// Plan is an ordered, priority-sorted evaluation plan compiled from a
// rule set snapshot.
type Plan struct {
	rules []compiledRule
}

// NewPlan compiles ruleSet into a Plan, sorted by (priority asc,
// insertion order asc). Disabled rules are kept out of the evaluation
// path entirely.
func (e *Engine) NewPlan(ruleSet []domain.Rule) (*Plan, error) {
	compiled := make([]compiledRule, 0, len(ruleSet))
	for i, r := range ruleSet {
		if !r.Enabled {
			continue
		}
		cond, err := e.Compile(r.Condition)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		compiled = append(compiled, compiledRule{rule: r, condition: cond, index: i})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].rule.Priority != compiled[j].rule.Priority {
			return compiled[i].rule.Priority < compiled[j].rule.Priority
		}
		return compiled[i].index < compiled[j].index
	})
	return &Plan{rules: compiled}, nil
}

// Len reports how many enabled rules the plan carries.
func (p *Plan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.rules)
}

// Names returns the rules' names in evaluation order, used by the Rule
// Playground to show the evaluation path.
func (p *Plan) Names() []string {
	if p == nil {
		return nil
	}
	names := make([]string, len(p.rules))
	for i, r := range p.rules {
		names[i] = r.rule.Name
	}
	return names
}

// Rules returns the plan's compiled rules in evaluation order, for the
// admin rule-listing endpoint.
func (p *Plan) Rules() []domain.Rule {
	if p == nil {
		return nil
	}
	out := make([]domain.Rule, len(p.rules))
	for i, r := range p.rules {
		out[i] = r.rule
	}
	return out
}
