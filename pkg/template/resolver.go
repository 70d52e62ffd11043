// Package template resolves {{ path | default: value }} expressions in step
// parameters and condition strings against a layered execution context.
package template

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/detectforge/runbookpilot/pkg/models"
)

var exprPattern = regexp.MustCompile(`\{\{\s*(.+?)\s*\}\}`)

// Context is the layered variable space templates resolve against.
// Path routing prefixes: alert., steps.<id>.output., context., env.
// Unprefixed paths try alert. first, then context.
type Context struct {
	Alert models.Alert
	Steps map[string]map[string]any // step id → {"output": ...}
	Vars  map[string]any            // context.* variables
	Env   map[string]string
}

// NewContext builds a template context for one execution.
func NewContext(alert models.Alert, variables map[string]any, env map[string]string) *Context {
	if variables == nil {
		variables = make(map[string]any)
	}
	if env == nil {
		env = make(map[string]string)
	}
	return &Context{
		Alert: alert,
		Steps: make(map[string]map[string]any),
		Vars:  variables,
		Env:   env,
	}
}

// SetStepOutput records a completed step's output so downstream templates
// can reference steps.<id>.output.<path>.
func (c *Context) SetStepOutput(stepID string, output map[string]any) {
	c.Steps[stepID] = map[string]any{"output": output}
}

// Resolve substitutes template expressions recursively over mappings and
// sequences. String leaves that consist of exactly one expression retain the
// resolved value's native type; mixed strings stringify each substitution.
// Paths that cannot be resolved are left in place and reported.
func Resolve(value any, ctx *Context) (any, []string) {
	var unresolved []string
	resolved := resolveValue(value, ctx, &unresolved)
	return resolved, unresolved
}

// ResolveParams resolves a parameter mapping, preserving the map shape.
func ResolveParams(params map[string]any, ctx *Context) (map[string]any, []string) {
	if params == nil {
		return nil, nil
	}
	resolved, unresolved := Resolve(params, ctx)
	m, _ := resolved.(map[string]any)
	return m, unresolved
}

// ResolveString resolves a single string template and stringifies the result.
func ResolveString(s string, ctx *Context) (string, []string) {
	resolved, unresolved := Resolve(s, ctx)
	return Stringify(resolved), unresolved
}

func resolveValue(value any, ctx *Context, unresolved *[]string) any {
	switch v := value.(type) {
	case string:
		return resolveStringValue(v, ctx, unresolved)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = resolveValue(e, ctx, unresolved)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = resolveValue(e, ctx, unresolved)
		}
		return out
	default:
		return value
	}
}

func resolveStringValue(s string, ctx *Context, unresolved *[]string) any {
	matches := exprPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	// Entire value is a single expression → native type passthrough.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		expr := s[matches[0][2]:matches[0][3]]
		value, ok := evalExpression(expr, ctx)
		if !ok {
			*unresolved = append(*unresolved, pathOf(expr))
			return s
		}
		return value
	}

	// Mixed string → stringify each substitution.
	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(s[last:m[0]])
		expr := s[m[2]:m[3]]
		value, ok := evalExpression(expr, ctx)
		if !ok {
			*unresolved = append(*unresolved, pathOf(expr))
			sb.WriteString(s[m[0]:m[1]]) // leave placeholder intact
		} else {
			sb.WriteString(Stringify(value))
		}
		last = m[1]
	}
	sb.WriteString(s[last:])
	return sb.String()
}

// evalExpression evaluates "path" or "path | default: literal".
func evalExpression(expr string, ctx *Context) (any, bool) {
	path := expr
	hasDefault := false
	var defaultLiteral string

	if idx := strings.Index(expr, "|"); idx >= 0 {
		path = strings.TrimSpace(expr[:idx])
		filter := strings.TrimSpace(expr[idx+1:])
		if rest, ok := strings.CutPrefix(filter, "default:"); ok {
			hasDefault = true
			defaultLiteral = strings.TrimSpace(rest)
		}
	}

	if value, ok := lookup(path, ctx); ok {
		return value, true
	}
	if hasDefault {
		return parseLiteral(defaultLiteral), true
	}
	return nil, false
}

func pathOf(expr string) string {
	if idx := strings.Index(expr, "|"); idx >= 0 {
		return strings.TrimSpace(expr[:idx])
	}
	return strings.TrimSpace(expr)
}

// lookup routes a path through the context layers.
func lookup(path string, ctx *Context) (any, bool) {
	switch {
	case strings.HasPrefix(path, "alert."):
		if ctx.Alert == nil {
			return nil, false
		}
		return ctx.Alert.Field(strings.TrimPrefix(path, "alert."))
	case strings.HasPrefix(path, "steps."):
		return models.ResolvePath(stepsAsMap(ctx.Steps), strings.TrimPrefix(path, "steps."))
	case strings.HasPrefix(path, "context."):
		return models.ResolvePath(ctx.Vars, strings.TrimPrefix(path, "context."))
	case strings.HasPrefix(path, "env."):
		v, ok := ctx.Env[strings.TrimPrefix(path, "env.")]
		return v, ok
	default:
		if ctx.Alert != nil {
			if v, ok := ctx.Alert.Field(path); ok {
				return v, true
			}
		}
		return models.ResolvePath(ctx.Vars, path)
	}
}

func stepsAsMap(steps map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(steps))
	for k, v := range steps {
		out[k] = v
	}
	return out
}

// parseLiteral parses a default-filter literal: quoted strings stay strings,
// true/false/null map to native values, finite numbers parse numerically,
// anything else is the raw string.
func parseLiteral(lit string) any {
	if len(lit) >= 2 {
		if (lit[0] == '\'' && lit[len(lit)-1] == '\'') || (lit[0] == '"' && lit[len(lit)-1] == '"') {
			return lit[1 : len(lit)-1]
		}
	}
	switch lit {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if f, err := strconv.ParseFloat(lit, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return f
	}
	return lit
}

// Stringify renders a resolved value for interpolation into a mixed string.
// Mappings and sequences serialise as JSON.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", v)
	}
}
