package instrumentation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installRecorder(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestStartProviderSpan(t *testing.T) {
	exp := installRecorder(t)

	ctx, span := StartProviderSpan(context.Background(), "jmapproxy", CallKindCommand)
	assert.NotEmpty(t, GetTraceID(ctx))
	assert.NotEmpty(t, GetSpanID(ctx))
	SetSpanError(span, errors.New("upstream down"))
	span.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "provider.jmapproxy.command", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "jmapproxy", attrs[SpanAttrProvider])
	assert.Equal(t, CallKindCommand, attrs[SpanAttrKind])
}

func TestStartCommandSpan(t *testing.T) {
	exp := installRecorder(t)

	_, span := StartCommandSpan(context.Background(), "getMailboxes", "#1")
	SetSpanSuccess(span)
	span.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "jmap.getMailboxes", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
}

func TestGetTraceID_NoSpan(t *testing.T) {
	assert.Empty(t, GetTraceID(context.Background()))
	assert.Empty(t, GetSpanID(context.Background()))
}

func TestSetSpanError_Nil(t *testing.T) {
	exp := installRecorder(t)
	_, span := StartSpan(context.Background(), "noop")
	SetSpanError(span, nil)
	span.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Unset, spans[0].Status.Code)
}
