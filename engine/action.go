package engine

import "context"

// StepOutput is the structured result an action returns. It carries at
// minimum a "success" flag; well-known counters and free-form keys the
// action publishes into the context ride alongside.
type StepOutput map[string]any

// Success reads the output's success flag; a missing flag counts as success.
func (o StepOutput) Success() bool {
	v, ok := o["success"]
	if !ok {
		return true
	}
	b, ok := v.(bool)
	return ok && b
}

// RecordsProcessed reads the records_processed counter if present.
func (o StepOutput) RecordsProcessed() int64 { return int64FromAny(o["records_processed"]) }

// RecordsMatched reads the records_matched counter if present.
func (o StepOutput) RecordsMatched() int64 { return int64FromAny(o["records_matched"]) }

// RecordsFailed reads the records_failed counter if present.
func (o StepOutput) RecordsFailed() int64 { return int64FromAny(o["records_failed"]) }

// ConfidenceScore reads the confidence_score value if present.
func (o StepOutput) ConfidenceScore() float64 {
	switch v := o["confidence_score"].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func int64FromAny(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

// Action is the unit of work the engine invokes per step. Implementations
// must observe ctx cancellation at their I/O boundaries.
type Action interface {
	Execute(ctx context.Context, params map[string]any, ec *ExecutionContext) (StepOutput, error)
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context, params map[string]any, ec *ExecutionContext) (StepOutput, error)

// Execute implements Action.
func (f ActionFunc) Execute(ctx context.Context, params map[string]any, ec *ExecutionContext) (StepOutput, error) {
	return f(ctx, params, ec)
}
