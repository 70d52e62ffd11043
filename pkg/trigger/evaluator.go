// Package trigger decides whether an alert activates a runbook: a filter
// over detection sources, MITRE techniques, platforms, and severity, plus
// an optional expression tree.
package trigger

import (
	"fmt"
	"strings"

	"github.com/detectforge/runbookpilot/pkg/models"
)

// Result reports one trigger evaluation.
type Result struct {
	Matched             bool   `json:"matched"`
	TriggerType         string `json:"trigger_type"`
	ConditionsEvaluated int    `json:"conditions_evaluated"`
	ConditionsPassed    int    `json:"conditions_passed"`
	Reason              string `json:"reason,omitempty"`
}

// Evaluator matches alerts against runbook triggers.
type Evaluator struct{}

// NewEvaluator creates a trigger evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// MatchRunbook evaluates every trigger of the runbook and returns the first
// match, or the last non-matching result (a runbook with no triggers never
// matches).
func (e *Evaluator) MatchRunbook(runbook *models.Runbook, alert models.Alert) *Result {
	last := &Result{TriggerType: "alert", Reason: "no triggers defined"}
	for _, spec := range runbook.Triggers {
		result := e.Evaluate(spec, alert)
		if result.Matched {
			return result
		}
		last = result
	}
	return last
}

// Evaluate checks a single trigger filter against an alert. Every non-empty
// filter array adds one AND-clause; the optional expression tree adds one
// more.
func (e *Evaluator) Evaluate(spec models.TriggerSpec, alert models.Alert) *Result {
	result := &Result{TriggerType: "alert"}
	var reasons []string

	constrained := len(spec.DetectionSources) > 0 || len(spec.MitreTechniques) > 0 ||
		len(spec.Platforms) > 0 || len(spec.Severity) > 0 || len(spec.Expression) > 0

	if constrained && alert.EventKind() != "alert" {
		result.Reason = fmt.Sprintf("event.kind is %q, not \"alert\"", alert.EventKind())
		return result
	}

	check := func(passed bool, reason string) {
		result.ConditionsEvaluated++
		if passed {
			result.ConditionsPassed++
		} else {
			reasons = append(reasons, reason)
		}
	}

	if len(spec.DetectionSources) > 0 {
		sources := detectionSources(alert)
		check(anyOverlap(spec.DetectionSources, sources),
			fmt.Sprintf("detection source %v not in %v", sources, spec.DetectionSources))
	}

	if len(spec.MitreTechniques) > 0 {
		techniques := mitreTechniques(alert)
		check(techniqueMatch(spec.MitreTechniques, techniques),
			fmt.Sprintf("techniques %v do not match %v", techniques, spec.MitreTechniques))
	}

	if len(spec.Platforms) > 0 {
		platforms := alertPlatforms(alert)
		check(anyOverlap(spec.Platforms, platforms),
			fmt.Sprintf("platform %v not in %v", platforms, spec.Platforms))
	}

	if len(spec.Severity) > 0 {
		label := severityLabel(alert)
		check(containsFold(spec.Severity, label),
			fmt.Sprintf("severity %q not in %v", label, spec.Severity))
	}

	if len(spec.Expression) > 0 {
		check(evalExpression(spec.Expression, alert), "expression did not match")
	}

	result.Matched = result.ConditionsPassed == result.ConditionsEvaluated && result.ConditionsEvaluated > 0
	if !result.Matched && len(reasons) > 0 {
		result.Reason = strings.Join(reasons, "; ")
	}
	if result.ConditionsEvaluated == 0 {
		result.Reason = "trigger has no constraints"
	}
	return result
}

// techniqueMatch matches exact technique ids, or a trigger parent against an
// alert sub-technique via the "<parent>." prefix rule (T1059 matches
// T1059.001).
func techniqueMatch(wanted, got []string) bool {
	for _, w := range wanted {
		for _, g := range got {
			if strings.EqualFold(w, g) || strings.HasPrefix(strings.ToUpper(g), strings.ToUpper(w)+".") {
				return true
			}
		}
	}
	return false
}

// severityLabel buckets the alert's numeric event.severity:
// [0,24]=low, [25,49]=medium, [50,74]=high, [75,100]=critical.
func severityLabel(alert models.Alert) string {
	v, ok := alert.Field("event.severity")
	if !ok {
		return ""
	}
	score, ok := toFloat(v)
	if !ok {
		s, _ := v.(string)
		return strings.ToLower(s)
	}
	switch {
	case score >= 75:
		return "critical"
	case score >= 50:
		return "high"
	case score >= 25:
		return "medium"
	default:
		return "low"
	}
}

// detectionSources infers the alert's detection sources in priority order:
// x-detectforge metadata, then tags, then event.dataset contents.
func detectionSources(alert models.Alert) []string {
	if v, ok := alert.Field("x-detectforge.detection_source"); ok {
		if sources := toStrings(v); len(sources) > 0 {
			return sources
		}
	}
	if v, ok := alert.Field("tags"); ok {
		if tags := toStrings(v); len(tags) > 0 {
			return tags
		}
	}
	if v, ok := alert.Field("event.dataset"); ok {
		return toStrings(v)
	}
	return nil
}

// mitreTechniques collects technique ids from the ECS threat fields.
func mitreTechniques(alert models.Alert) []string {
	var techniques []string
	if v, ok := alert.Field("threat.technique.id"); ok {
		techniques = append(techniques, toStrings(v)...)
	}
	// threat may be a list of framework entries
	if v, ok := alert.Field("threat"); ok {
		if entries, ok := v.([]any); ok {
			for _, entry := range entries {
				if id, ok := models.ResolvePath(entry, "technique.id"); ok {
					techniques = append(techniques, toStrings(id)...)
				}
			}
		}
	}
	return techniques
}

// alertPlatforms collects platform hints from metadata and host fields.
func alertPlatforms(alert models.Alert) []string {
	var platforms []string
	for _, path := range []string{"x-detectforge.platforms", "host.os.platform", "host.os.type"} {
		if v, ok := alert.Field(path); ok {
			platforms = append(platforms, toStrings(v)...)
		}
	}
	return platforms
}

func anyOverlap(wanted, got []string) bool {
	for _, w := range wanted {
		if containsFold(got, w) {
			return true
		}
	}
	return false
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}

func toStrings(v any) []string {
	switch value := v.(type) {
	case string:
		if value == "" {
			return nil
		}
		return []string{value}
	case []string:
		return value
	case []any:
		out := make([]string, 0, len(value))
		for _, e := range value {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
