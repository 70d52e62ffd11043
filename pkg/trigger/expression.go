package trigger

import (
	"regexp"
	"strings"

	"github.com/detectforge/runbookpilot/pkg/models"
)

// evalExpression evaluates an expression tree against an alert. Combinators
// are single-key mappings {"and": [...]} / {"or": [...]} / {"not": {...}};
// leaves are {"field": ..., "op": ..., "value": ...}. Malformed nodes
// evaluate to false.
func evalExpression(node map[string]any, alert models.Alert) bool {
	if clauses, ok := node["and"]; ok {
		list, ok := clauses.([]any)
		if !ok {
			return false
		}
		for _, clause := range list {
			child, ok := clause.(map[string]any)
			if !ok || !evalExpression(child, alert) {
				return false
			}
		}
		return true
	}
	if clauses, ok := node["or"]; ok {
		list, ok := clauses.([]any)
		if !ok {
			return false
		}
		for _, clause := range list {
			if child, ok := clause.(map[string]any); ok && evalExpression(child, alert) {
				return true
			}
		}
		return false
	}
	if clause, ok := node["not"]; ok {
		child, ok := clause.(map[string]any)
		return ok && !evalExpression(child, alert)
	}
	return evalLeaf(node, alert)
}

func evalLeaf(node map[string]any, alert models.Alert) bool {
	field, _ := node["field"].(string)
	op, _ := node["op"].(string)
	if field == "" || op == "" {
		return false
	}
	want := node["value"]
	got, present := alert.Field(field)

	switch op {
	case "exists":
		// value=false inverts the presence check
		exists := present && got != nil
		if invert, ok := want.(bool); ok && !invert {
			return !exists
		}
		return exists
	case "eq":
		return present && looseEqual(got, want)
	case "ne":
		return !present || !looseEqual(got, want)
	case "gt":
		return present && numericCompare(got, want, func(a, b float64) bool { return a > b })
	case "lt":
		return present && numericCompare(got, want, func(a, b float64) bool { return a < b })
	case "gte":
		return present && numericCompare(got, want, func(a, b float64) bool { return a >= b })
	case "lte":
		return present && numericCompare(got, want, func(a, b float64) bool { return a <= b })
	case "in":
		if !present {
			return false
		}
		list, ok := want.([]any)
		if !ok {
			return false
		}
		for _, candidate := range list {
			if looseEqual(got, candidate) {
				return true
			}
		}
		return false
	case "contains":
		return present && containsValue(got, want)
	case "matches":
		if !present {
			return false
		}
		pattern, ok := want.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false // invalid regex never matches
		}
		s, ok := got.(string)
		return ok && re.MatchString(s)
	default:
		return false
	}
}

// looseEqual compares with numeric coercion so YAML ints match JSON floats.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return a == b
}

func numericCompare(a, b any, cmp func(a, b float64) bool) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return aok && bok && cmp(af, bf)
}

// containsValue checks substring containment for strings and membership for
// sequences.
func containsValue(got, want any) bool {
	switch g := got.(type) {
	case string:
		w, ok := want.(string)
		return ok && strings.Contains(g, w)
	case []any:
		for _, e := range g {
			if looseEqual(e, want) {
				return true
			}
		}
		return false
	case []string:
		w, ok := want.(string)
		if !ok {
			return false
		}
		for _, e := range g {
			if e == w {
				return true
			}
		}
		return false
	default:
		return false
	}
}
