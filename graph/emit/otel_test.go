package emit

import (
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestOTelEmitter(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	emitter := NewOTelEmitter(tp.Tracer("test"))

	emitter.Emit(Event{Thread: "t", Step: 2, Node: "worker", Type: TypeUpdates})
	emitter.Emit(Event{Thread: "t", Step: 3, Node: "worker", Type: TypeRetry, Payload: "boom"})

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}

	if spans[0].Name() != string(TypeUpdates) {
		t.Errorf("expected span named %q, got %q", TypeUpdates, spans[0].Name())
	}
	var sawThread, sawNode bool
	for _, attr := range spans[0].Attributes() {
		switch string(attr.Key) {
		case "stategraph.thread":
			sawThread = attr.Value.AsString() == "t"
		case "stategraph.node":
			sawNode = attr.Value.AsString() == "worker"
		}
	}
	if !sawThread || !sawNode {
		t.Errorf("missing attributes on span: %v", spans[0].Attributes())
	}

	if spans[1].Status().Code != codes.Error {
		t.Errorf("retry span should carry error status, got %v", spans[1].Status())
	}
}

func TestOTelEmitter_NilTracer(t *testing.T) {
	NewOTelEmitter(nil).Emit(Event{Type: TypeValues}) // must not panic
}
