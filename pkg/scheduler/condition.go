package scheduler

import (
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/detectforge/runbookpilot/pkg/template"
)

// EvaluateCondition resolves the condition template and evaluates the
// result. Numeric comparisons ("85 > 50") evaluate numerically, literal
// true/false map directly, any other non-empty string is truthy, and a
// failing evaluation defaults to true — condition guards fail open.
func EvaluateCondition(condition string, tctx *template.Context) bool {
	if strings.TrimSpace(condition) == "" {
		return true // no guard
	}

	resolved, _ := template.ResolveString(condition, tctx)
	resolved = strings.TrimSpace(resolved)

	switch resolved {
	case "":
		return false
	case "true":
		return true
	case "false":
		return false
	}

	expr, err := govaluate.NewEvaluableExpression(resolved)
	if err != nil {
		return true // not an expression — non-empty string is truthy
	}
	value, err := expr.Evaluate(map[string]interface{}{})
	if err != nil {
		return true // fail-open for guards
	}
	if b, ok := value.(bool); ok {
		return b
	}
	return true // evaluated to a non-bool (e.g. a bare number) — truthy
}
