package impact

import "math"

// Confidence weights. Optional inputs (adapter health, upstream rule
// confidence) are dropped when absent and the remaining weights
// renormalised, keeping the score deterministic and stable across runs.
const (
	weightParameterValidation = 0.40
	weightAdapterHealth       = 0.20
	weightRollbackAvailable   = 0.15
	weightRuleConfidence      = 0.25
)

// ruleConfidenceValues maps upstream detection-rule confidence labels to
// numeric contributions.
var ruleConfidenceValues = map[string]float64{
	"low":    0.50,
	"medium": 0.75,
	"high":   0.95,
}

// ConfidenceInput carries the per-step signals for the confidence scorer.
type ConfidenceInput struct {
	ParameterValidation   bool
	AdapterHealth         *bool // nil when the adapter exposes no health signal
	RollbackAvailable     bool
	DetectforgeConfidence string // "", "low", "medium", "high"
}

// StepConfidence computes the weighted-average confidence for one step,
// clamped to [0,1].
func StepConfidence(in ConfidenceInput) float64 {
	sum := weightParameterValidation * boolScore(in.ParameterValidation)
	total := weightParameterValidation

	if in.AdapterHealth != nil {
		sum += weightAdapterHealth * boolScore(*in.AdapterHealth)
		total += weightAdapterHealth
	}

	sum += weightRollbackAvailable * boolScore(in.RollbackAvailable)
	total += weightRollbackAvailable

	if v, ok := ruleConfidenceValues[in.DetectforgeConfidence]; ok {
		sum += weightRuleConfidence * v
		total += weightRuleConfidence
	}

	return clamp01(sum / total)
}

// AggregateConfidence is the mean of per-step confidences, clamped to [0,1]
// and rounded to two decimals. Empty input yields 0.
func AggregateConfidence(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return math.Round(clamp01(sum/float64(len(values)))*100) / 100
}

func boolScore(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
