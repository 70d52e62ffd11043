// Package impact produces deterministic per-step risk assessments and
// confidence scores for the L2 simulation report.
package impact

import (
	"fmt"
	"sort"

	"github.com/detectforge/runbookpilot/pkg/actions"
	"github.com/detectforge/runbookpilot/pkg/models"
)

// blastKeys maps known parameter keys to the blast-radius counter they feed.
var blastKeys = map[string]string{
	"host_id":    "hosts",
	"hostname":   "hosts",
	"ip":         "hosts",
	"ip_address": "hosts",
	"domain":     "hosts",
	"file_path":  "hosts",
	"process_id": "hosts",
	"account":    "users",
	"user":       "users",
}

// categoricalFloor lists actions whose nature implies at least one affected
// asset on a counter even when no parameter names it.
var categoricalFloor = map[string]string{
	"isolate_host":    "hosts",
	"unisolate_host":  "hosts",
	"block_ip":        "hosts",
	"unblock_ip":      "hosts",
	"block_domain":    "hosts",
	"unblock_domain":  "hosts",
	"quarantine_file": "hosts",
	"kill_process":    "hosts",
	"disable_account": "users",
	"enable_account":  "users",
	"reset_password":  "users",
	"revoke_sessions": "users",
}

// dependencyKeys are parameter keys scanned for service dependencies.
var dependencyKeys = []string{"service", "services", "system", "systems"}

// actionSummaries are the fixed lead sentences for known write actions.
var actionSummaries = map[string]string{
	"isolate_host":      "Isolates the host from the network.",
	"unisolate_host":    "Restores network connectivity for the host.",
	"disable_account":   "Disables the user account.",
	"enable_account":    "Re-enables the user account.",
	"reset_password":    "Forces a credential reset for the user.",
	"revoke_sessions":   "Revokes all active sessions for the user.",
	"block_ip":          "Blocks traffic to and from the IP address.",
	"unblock_ip":        "Removes the IP address block.",
	"block_domain":      "Blocks DNS resolution for the domain.",
	"unblock_domain":    "Removes the domain block.",
	"kill_process":      "Terminates the process on the host.",
	"quarantine_file":   "Quarantines the file on the host.",
	"unquarantine_file": "Releases the file from quarantine.",
	"delete_email":      "Deletes the message from affected mailboxes.",
	"create_ticket":     "Creates a tracking ticket.",
	"update_ticket":     "Updates the tracking ticket.",
	"add_comment":       "Adds a comment to the case.",
	"send_notification": "Sends a notification.",
	"close_alert":       "Closes the alert.",
	"tag_alert":         "Tags the alert.",
}

// Assessor computes deterministic impact assessments for write actions.
type Assessor struct{}

// NewAssessor creates an impact assessor.
func NewAssessor() *Assessor {
	return &Assessor{}
}

// AssessStep scores one step against its resolved parameters. The same
// inputs always produce the same assessment.
func (a *Assessor) AssessStep(step *models.RunbookStep, params map[string]any) *models.ImpactAssessment {
	score := actions.BaseScore(step.Action)
	reversible := actions.Reversible(step.Action)

	deps := dependencies(params)
	assessment := &models.ImpactAssessment{
		Action:            step.Action,
		RiskScore:         score,
		RiskLevel:         models.RiskLevelForScore(score),
		Reversible:        reversible,
		RollbackAvailable: reversible || step.Rollback != nil,
		BlastRadius:       blastRadius(step.Action, params),
		Dependencies:      deps,
	}
	assessment.BlastRadius.Services = len(deps)
	assessment.Summary = summarize(step.Action, assessment)
	return assessment
}

// OverallRisk returns the maximum risk score over the assessments, or 1
// when there are none.
func OverallRisk(assessments []*models.ImpactAssessment) int {
	overall := 1
	for _, a := range assessments {
		if a != nil && a.RiskScore > overall {
			overall = a.RiskScore
		}
	}
	return overall
}

// blastRadius scans known parameter keys for scalar or array values and
// applies the categorical floor for actions that always touch an asset.
func blastRadius(action string, params map[string]any) models.BlastRadius {
	var radius models.BlastRadius
	for key, counter := range blastKeys {
		values := scalarOrArray(params[key])
		if len(values) == 0 {
			continue
		}
		switch counter {
		case "hosts":
			radius.Hosts += len(values)
		case "users":
			radius.Users += len(values)
		}
		radius.Assets = append(radius.Assets, values...)
	}
	if counter, ok := categoricalFloor[action]; ok {
		switch counter {
		case "hosts":
			if radius.Hosts < 1 {
				radius.Hosts = 1
			}
		case "users":
			if radius.Users < 1 {
				radius.Users = 1
			}
		}
	}
	sort.Strings(radius.Assets)
	return radius
}

// dependencies collects service/system values from the parameters.
func dependencies(params map[string]any) []string {
	var deps []string
	for _, key := range dependencyKeys {
		deps = append(deps, scalarOrArray(params[key])...)
	}
	sort.Strings(deps)
	return deps
}

// scalarOrArray flattens a parameter value into zero or more asset strings.
func scalarOrArray(v any) []string {
	switch value := v.(type) {
	case nil:
		return nil
	case string:
		if value == "" {
			return nil
		}
		return []string{value}
	case []any:
		out := make([]string, 0, len(value))
		for _, e := range value {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		out := make([]string, 0, len(value))
		for _, s := range value {
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{fmt.Sprintf("%v", value)}
	}
}

// summarize builds the fixed per-action summary sentence with risk label,
// blast-radius counts, and a rollback hint.
func summarize(action string, a *models.ImpactAssessment) string {
	lead, ok := actionSummaries[action]
	if !ok {
		lead = fmt.Sprintf("Executes %s.", action)
	}
	hint := "No rollback available."
	if a.RollbackAvailable {
		hint = "Rollback available."
	}
	return fmt.Sprintf("%s Risk: %s (%d/10). Affects %d host(s), %d user(s), %d service(s). %s",
		lead, a.RiskLevel, a.RiskScore,
		a.BlastRadius.Hosts, a.BlastRadius.Users, a.BlastRadius.Services, hint)
}
