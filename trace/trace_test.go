package trace

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/grafana/xk6-webdriver/log"
)

func TestTraceWorker(t *testing.T) {
	t.Parallel()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	tr := NewTracer(log.NullLogger(), tp, map[string]string{
		"test_run_id": "123",
		"scenario":    "default",
	})

	ctx, span := tr.TraceWorker(context.Background(), "session.open", "vu-7")
	assert.NotEmpty(t, GetTraceID(span.SpanContext()))
	_, child := tr.TraceWorker(ctx, "driver.launch", "vu-7")
	child.End()
	Fail(span, errors.New("no driver"))
	span.End()

	ended := sr.Ended()
	require.Len(t, ended, 2)

	launch, open := ended[0], ended[1]
	assert.Equal(t, "driver.launch", launch.Name())
	assert.Equal(t, open.SpanContext().SpanID(), launch.Parent().SpanID())

	assert.Equal(t, "session.open", open.Name())
	assert.Equal(t, codes.Error, open.Status().Code)
	assert.Equal(t, "no driver", open.Status().Description)
	assert.ElementsMatch(t, []attribute.KeyValue{
		WorkerIDKey.String("vu-7"),
		attribute.String("scenario", "default"),
		attribute.String("test_run_id", "123"),
	}, open.Attributes())
}

func TestNoopTracer(t *testing.T) {
	t.Parallel()

	_, span := NewNoopTracer().TraceWorker(context.Background(), "session.close", "vu-1")
	assert.False(t, span.IsRecording())
	assert.Empty(t, GetTraceID(span.SpanContext()))
	assert.NotPanics(t, func() { span.End() })
}
