package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by converting job events into OpenTelemetry
// spans.
//
// Each event becomes a short-lived span:
//   - Span name: the event type (e.g. "step_started")
//   - Attributes: job id, step index/name, severity, and all Data fields
//   - Status: error when the event carries an "error" data field or has
//     error/critical severity
//
// Usage:
//
//	tracer := otel.Tracer("strategy-engine")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter using the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and immediately ends a span for the event.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), string(event.Type))
	defer span.End()

	span.SetAttributes(
		attribute.String("biomapper.job_id", event.JobID),
		attribute.Int("biomapper.step_index", event.StepIndex),
	)
	if event.StepName != "" {
		span.SetAttributes(attribute.String("biomapper.step_name", event.StepName))
	}
	if event.Severity != "" {
		span.SetAttributes(attribute.String("biomapper.severity", string(event.Severity)))
	}
	if event.Message != "" {
		span.SetAttributes(attribute.String("biomapper.message", event.Message))
	}

	o.addDataAttributes(span, event.Data)

	if errText, ok := event.Data["error"].(string); ok {
		span.SetStatus(codes.Error, errText)
		span.RecordError(fmt.Errorf("%s", errText))
	} else if event.Severity == SeverityError || event.Severity == SeverityCritical {
		span.SetStatus(codes.Error, event.Message)
	}
}

// Flush forces export of pending spans via the global tracer provider.
// Call before shutdown so batched spans are not lost.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) addDataAttributes(span trace.Span, data map[string]any) {
	for key, value := range data {
		attrKey := "biomapper." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}
