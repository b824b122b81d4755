package mapping

import "math"

// DeriveConfidence computes a mapping's confidence from its hop count,
// direction, and the resources its steps traverse. hopCount nil means the
// hop count is unknown. The result is clamped to [0,1] and rounded to two
// decimals.
func DeriveConfidence(hopCount *int, isReverse bool, steps []PathStep) float64 {
	var base float64
	switch {
	case hopCount == nil:
		base = 0.70
	case *hopCount <= 1:
		base = 0.95
	case *hopCount == 2:
		base = 0.85
	case *hopCount == 3:
		base = 0.75
	default:
		base = math.Max(0.15, 0.75-0.10*float64(*hopCount-3))
	}

	if isReverse {
		base -= 0.10
	}
	if anyStepMatches(steps, "rag") {
		base -= 0.05
	}
	if anyStepMatches(steps, "llm") {
		base -= 0.10
	}

	if base < 0 {
		base = 0
	}
	if base > 1 {
		base = 1
	}
	return math.Round(base*100) / 100
}

// SourceFor derives the mapping_source label: the first step whose resource
// name or client path names a known backend wins, otherwise "api".
func SourceFor(steps []PathStep) string {
	for _, step := range steps {
		for _, marker := range []string{"spoke", "rag", "llm", "ramp"} {
			if resourceMatches(step, marker) {
				return marker
			}
		}
	}
	return "api"
}

func anyStepMatches(steps []PathStep, marker string) bool {
	for _, step := range steps {
		if resourceMatches(step, marker) {
			return true
		}
	}
	return false
}
