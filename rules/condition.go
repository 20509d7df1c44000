// Package rules compiles a snapshot of policies into an ordered
// evaluation plan and evaluates actions against it, producing a
// verdict (spec.md §4.2). Conditions are small expressions built on
// gval, with PaesslerAG/jsonpath exposed for structured payload
// queries and three extension predicates (wasm_plugin, llm_guardrail,
// semantic_match) registered as gval functions.
package rules

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"
)

// Condition is a compiled rule condition: an expression tree over
// action fields, metadata, current time, state-store reads and the
// extension predicates.
type Condition struct {
	source string
	eval   gval.Evaluable
}

// conditionLanguage builds the gval.Language every condition is parsed
// against: arithmetic/comparison/boolean from gval.Full, jsonpath
// query support, and the comparison/boolean/extension functions
// spec.md §4.2 names.
func (e *Engine) conditionLanguage() gval.Language {
	return gval.NewLanguage(
		gval.Full(),
		jsonpath.Language(),
		gval.Function("eq", func(a, b interface{}) bool { return compareEqual(a, b) }),
		gval.Function("ne", func(a, b interface{}) bool { return !compareEqual(a, b) }),
		gval.Function("gt", func(a, b interface{}) bool { return compareOrdered(a, b) > 0 }),
		gval.Function("lt", func(a, b interface{}) bool { return compareOrdered(a, b) < 0 }),
		gval.Function("gte", func(a, b interface{}) bool { return compareOrdered(a, b) >= 0 }),
		gval.Function("lte", func(a, b interface{}) bool { return compareOrdered(a, b) <= 0 }),
		gval.Function("in", func(needle interface{}, haystack ...interface{}) bool {
			for _, v := range haystack {
				if compareEqual(needle, v) {
					return true
				}
			}
			return false
		}),
		gval.Function("contains", func(s, substr string) bool { return strings.Contains(s, substr) }),
		gval.Function("starts_with", func(s, prefix string) bool { return strings.HasPrefix(s, prefix) }),
		gval.Function("regex", func(s, pattern string) (bool, error) {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return false, fmt.Errorf("regex: %w", err)
			}
			return re.MatchString(s), nil
		}),
		gval.Function("all", func(values ...interface{}) (interface{}, error) { return allTrue(values) }),
		gval.Function("any", func(values ...interface{}) (interface{}, error) { return anyTrue(values) }),
		gval.Function("not", func(v bool) bool { return !v }),
		gval.Function("hour", func(t time.Time) int { return t.Hour() }),
		gval.Function("weekday", func(t time.Time) string { return t.Weekday().String() }),
		gval.Function("in_window", inWindow),
		gval.Function("wasm_plugin", e.wasmPluginFunc()),
		gval.Function("llm_guardrail", e.llmGuardrailFunc()),
		gval.Function("semantic_match", e.semanticMatchFunc()),
	)
}

func compareEqual(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compareOrdered returns -1/0/1 for a numeric comparison, falling back
// to lexical string comparison when either operand is not numeric.
func compareOrdered(a, b interface{}) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func allTrue(values []interface{}) (interface{}, error) {
	for _, v := range values {
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("all: non-bool operand %v", v)
		}
		if !b {
			return false, nil
		}
	}
	return true, nil
}

func anyTrue(values []interface{}) (interface{}, error) {
	for _, v := range values {
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("any: non-bool operand %v", v)
		}
		if b {
			return true, nil
		}
	}
	return false, nil
}

// inWindow reports whether t's time-of-day falls within [start, end)
// given as "HH:MM", evaluated in t's own location — callers resolve t
// in the rule's configured IANA timezone before calling this function.
func inWindow(t time.Time, start, end string) (bool, error) {
	startMin, err := parseHHMM(start)
	if err != nil {
		return false, err
	}
	endMin, err := parseHHMM(end)
	if err != nil {
		return false, err
	}
	cur := t.Hour()*60 + t.Minute()
	if startMin <= endMin {
		return cur >= startMin && cur < endMin, nil
	}
	// window wraps past midnight
	return cur >= startMin || cur < endMin, nil
}

func parseHHMM(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid HH:MM %q: %w", s, err)
	}
	return h*60 + m, nil
}

// Compile parses source against e's condition language, caching the
// result is the caller's responsibility (Plan compiles once per rule).
func (e *Engine) Compile(source string) (*Condition, error) {
	eval, err := e.conditionLanguage().NewEvaluable(source)
	if err != nil {
		return nil, fmt.Errorf("compile condition %q: %w", source, err)
	}
	return &Condition{source: source, eval: eval}, nil
}

// Evaluate runs the compiled condition against parameter, returning
// the boolean verdict.
func (c *Condition) Evaluate(ctx context.Context, parameter interface{}) (bool, error) {
	v, err := c.eval(ctx, parameter)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean (got %T)", c.source, v)
	}
	return b, nil
}
