package monitor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "safe-code-runner"

// Tracer wraps OpenTelemetry tracing. A nil *Tracer starts no spans. The
// span it returns is a no-op, so ending it leaves the caller's span open.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a span named "coderunner.<name>".
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "coderunner."+name, trace.WithAttributes(attrs...))
}

// EndSpan marks the span failed when err is set and ends it.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Common attribute keys.
var (
	AttrExecID     = attribute.Key("coderunner.execution.id")
	AttrLanguage   = attribute.Key("coderunner.language")
	AttrCodeHash   = attribute.Key("coderunner.code_hash")
	AttrStage      = attribute.Key("coderunner.stage")
	AttrStatus     = attribute.Key("coderunner.status")
	AttrExitCode   = attribute.Key("coderunner.exit_code")
	AttrQueueWait  = attribute.Key("coderunner.queue_wait_ms")
	AttrDurationMS = attribute.Key("coderunner.duration_ms")
)
