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

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes one immediately-ended span:
//   - Span name: event.Type (e.g., "NODE_ENTERED", "INSTANCE_COMPLETED")
//   - Attributes: instance ID, node ID, and every Meta field
//   - Status: error when Meta["error"] is present
//
// Events are points in time rather than durations, so the span is closed
// as soon as it is created; the batch span processor handles export.
//
// Usage:
//
//	tracer := otel.Tracer("pythmata")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter producing spans on the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and ends one span for the event.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Type)
	defer span.End()

	o.addStandardAttributes(span, event)
	o.addMetaAttributes(span, event.Meta)

	if err, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, err)
		span.RecordError(fmt.Errorf("%s", err))
	}
}

// Flush forces export of pending spans. Call before shutdown so buffered
// spans reach the backend.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) addStandardAttributes(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("pythmata.instance_id", event.InstanceID),
		attribute.String("pythmata.node_id", event.NodeID),
	)
}

// addMetaAttributes converts event metadata to span attributes. Known
// engine keys get the pythmata namespace; everything else passes through
// under its own name.
func (o *OTelEmitter) addMetaAttributes(span trace.Span, meta map[string]interface{}) {
	for key, value := range meta {
		attrKey := key
		switch key {
		case "token_id":
			attrKey = "pythmata.token_id"
		case "scope_id":
			attrKey = "pythmata.scope_id"
		case "duration_ms":
			attrKey = "pythmata.duration_ms"
		}

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
