// Package trace provides tracing instrumentation for driver and session
// lifecycles.
package trace

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/grafana/xk6-webdriver/log"
)

const tracerName = "k6.webdriver"

// WorkerIDKey is the span attribute holding the worker identity.
const WorkerIDKey = attribute.Key("webdriver.worker.id")

// Tracer generates spans for worker scoped operations such as launching a
// driver or opening a session. Every span carries the tracer metadata.
type Tracer struct {
	logger *log.Logger

	trace.Tracer

	metadata []attribute.KeyValue
}

// TracerProvider provides tracers.
type TracerProvider interface {
	Tracer(name string, options ...trace.TracerOption) trace.Tracer
}

// NewTracer creates a new Tracer from the given TracerProvider.
func NewTracer(
	logger *log.Logger, tp TracerProvider, metadata map[string]string, options ...trace.TracerOption,
) *Tracer {
	return &Tracer{
		logger:   logger,
		Tracer:   tp.Tracer(tracerName, options...),
		metadata: buildMetadataAttributes(metadata),
	}
}

// NewNoopTracer returns a tracer that records nothing.
func NewNoopTracer() *Tracer {
	return NewTracer(log.NullLogger(), noop.NewTracerProvider(), nil)
}

// Start overrides the underlying OTEL tracer method to include the tracer metadata.
func (t *Tracer) Start(
	ctx context.Context, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(t.metadata...))
	return t.Tracer.Start(ctx, spanName, opts...)
}

// TraceWorker starts a span for an operation done on behalf of workerID.
// It is the caller's responsibility to end the span.
func (t *Tracer) TraceWorker(
	ctx context.Context, spanName, workerID string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(WorkerIDKey.String(workerID)))
	sCtx, span := t.Start(ctx, spanName, opts...)

	t.logger.Tracef("Tracer:TraceWorker", "spanName:%q traceID:%q workerID:%q",
		spanName, GetTraceID(span.SpanContext()), workerID)

	return sCtx, &SpanLogger{Span: span, logger: t.logger, spanName: spanName}
}

// GetTraceID returns the trace ID of spanCtx, or an empty string.
func GetTraceID(spanCtx trace.SpanContext) string {
	if spanCtx.HasTraceID() {
		traceID := spanCtx.TraceID()
		return traceID.String()
	}
	return ""
}

func buildMetadataAttributes(metadata map[string]string) []attribute.KeyValue {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	meta := make([]attribute.KeyValue, 0, len(metadata))
	for _, k := range keys {
		meta = append(meta, attribute.String(k, metadata[k]))
	}

	return meta
}

// SpanLogger is a Span that will log the method calls.
type SpanLogger struct {
	trace.Span
	logger   *log.Logger
	spanName string
}

// SetStatus will log some info before calling the underlying SetStatus.
func (i *SpanLogger) SetStatus(code codes.Code, description string) {
	i.logger.Tracef("Span:SetStatus", "spanName:%q traceID:%q code:%q description:%q",
		i.spanName, GetTraceID(i.SpanContext()), code, description)

	i.Span.SetStatus(code, description)
}

// End will log some info before calling the underlying End.
func (i *SpanLogger) End(options ...trace.SpanEndOption) {
	i.logger.Tracef("Span:End", "spanName:%q traceID:%q", i.spanName, GetTraceID(i.SpanContext()))

	i.Span.End(options...)
}

// RecordError will log some info before calling the underlying RecordError.
func (i *SpanLogger) RecordError(err error, options ...trace.EventOption) {
	i.logger.Tracef("Span:RecordError", "spanName:%q traceID:%q err:%q",
		i.spanName, GetTraceID(i.SpanContext()), err)

	i.Span.RecordError(err, options...)
}

// Fail records err on span and marks it as failed.
func Fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
