package engine

import "strings"

// The condition dialect is deliberately closed: the literal "true",
// "has_results", and "exists:<key>". Anything else evaluates to true and is
// reported as unrecognized so strategies fail open rather than embedding an
// expression evaluator.

// EvaluateCondition returns whether the step should run and whether the
// condition was outside the dialect.
func EvaluateCondition(condition string, ec *ExecutionContext) (run, recognized bool) {
	cond := strings.TrimSpace(condition)
	switch {
	case cond == "" || cond == "true":
		return true, true
	case cond == "has_results":
		_, last, ok := ec.LastStepResult()
		return ok && len(last.Data) > 0, true
	case strings.HasPrefix(cond, "exists:"):
		key := strings.TrimSpace(strings.TrimPrefix(cond, "exists:"))
		if key == "" {
			return true, false
		}
		_, ok := ec.Get(key)
		return ok, true
	default:
		return true, false
	}
}
