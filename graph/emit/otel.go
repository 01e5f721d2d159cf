package emit

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns events into OpenTelemetry spans, one span per event,
// named after the event type and annotated with thread, step, node, and
// namespace attributes.
//
// Spans are point-in-time and ended immediately; duration analysis belongs
// to the engine's Prometheus histograms, tracing is for flow inspection.
//
// Wire it to a provider the usual way:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	emitter := emit.NewOTelEmitter(tp.Tracer("stategraph"))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter wraps the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit implements Emitter.
func (o *OTelEmitter) Emit(event Event) {
	if o.tracer == nil {
		return
	}

	_, span := o.tracer.Start(context.Background(), string(event.Type))
	defer span.End()

	attrs := []attribute.KeyValue{
		attribute.String("stategraph.thread", event.Thread),
		attribute.Int("stategraph.step", event.Step),
	}
	if event.Node != "" {
		attrs = append(attrs, attribute.String("stategraph.node", event.Node))
	}
	if len(event.Namespace) > 0 {
		attrs = append(attrs, attribute.String("stategraph.namespace", strings.Join(event.Namespace, "/")))
	}
	if event.Type == TypeRetry && event.Payload != nil {
		attrs = append(attrs, attribute.String("stategraph.retry_cause", fmt.Sprint(event.Payload)))
		span.SetStatus(codes.Error, "task retried")
	}
	span.SetAttributes(attrs...)
}
