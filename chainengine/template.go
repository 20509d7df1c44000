package chainengine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/penserai/acteon/domain"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// buildTemplateContext assembles the JSON document {{origin.path}},
// {{prev.path}} and {{steps.NAME.path}} placeholders resolve against:
// the origin action's payload, the last executed step's response, and
// every step's response keyed by name.
func buildTemplateContext(cs domain.ChainState) ([]byte, error) {
	var origin interface{}
	if len(cs.OriginAction.Payload) > 0 {
		if err := json.Unmarshal(cs.OriginAction.Payload, &origin); err != nil {
			return nil, fmt.Errorf("chainengine: origin payload is not valid JSON: %w", err)
		}
	}

	steps := make(map[string]interface{}, len(cs.StepResults))
	for _, result := range cs.StepResults {
		var body interface{}
		if len(result.Response) > 0 {
			json.Unmarshal(result.Response, &body)
		}
		steps[result.StepName] = body
	}

	doc := map[string]interface{}{"origin": origin, "steps": steps}
	if prevName := cs.LastStepName(); prevName != "" {
		doc["prev"] = steps[prevName]
	}

	return json.Marshal(doc)
}

// renderTemplate substitutes every {{path}} placeholder in tmpl against
// the chain's current template context, preferring the resolved
// value's raw JSON form (so numbers/objects/arrays splice in
// unquoted) and falling back to a quoted string encoding.
func (e *Engine) renderTemplate(tmpl json.RawMessage, cs domain.ChainState) (json.RawMessage, error) {
	if len(tmpl) == 0 {
		return nil, nil
	}

	ctxJSON, err := buildTemplateContext(cs)
	if err != nil {
		return nil, err
	}

	var resolveErr error
	rendered := placeholderPattern.ReplaceAllFunc(tmpl, func(match []byte) []byte {
		sub := placeholderPattern.FindSubmatch(match)
		path := string(sub[1])
		res := gjson.GetBytes(ctxJSON, path)
		if !res.Exists() {
			resolveErr = fmt.Errorf("chainengine: unresolved template placeholder %q", path)
			return match
		}
		if res.Raw != "" {
			return []byte(res.Raw)
		}
		encoded, _ := json.Marshal(res.String())
		return encoded
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	if !json.Valid(rendered) {
		return nil, fmt.Errorf("chainengine: rendered payload is not valid JSON")
	}
	return rendered, nil
}

// branchMatches evaluates one BranchConfig comparison against a
// resolved field value.
func branchMatches(v gjson.Result, operator string, expected interface{}) bool {
	switch operator {
	case "eq":
		return compareValue(v, expected) == 0
	case "ne":
		return compareValue(v, expected) != 0
	case "gt":
		return compareValue(v, expected) > 0
	case "lt":
		return compareValue(v, expected) < 0
	case "gte":
		return compareValue(v, expected) >= 0
	case "lte":
		return compareValue(v, expected) <= 0
	case "contains":
		return strings.Contains(v.String(), fmt.Sprint(expected))
	default:
		return false
	}
}

func compareValue(v gjson.Result, expected interface{}) int {
	switch e := expected.(type) {
	case float64:
		return compareFloat(v.Num, e)
	case int:
		return compareFloat(v.Num, float64(e))
	case bool:
		if v.Bool() == e {
			return 0
		}
		return 1
	default:
		return strings.Compare(v.String(), fmt.Sprint(expected))
	}
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
