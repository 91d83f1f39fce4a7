package instrumentation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the tracer name used for all gateway spans.
const TracerName = "github.com/teemow/jmapgate"

// Span attribute keys.
const (
	SpanAttrProvider = "jmap.provider"
	SpanAttrMethod   = "jmap.method"
	SpanAttrCallID   = "jmap.call_id"
	SpanAttrKind     = "jmap.call_kind"
	SpanAttrAuthType = "jmap.auth_type"
	SpanAttrOutcome  = "jmap.auth_outcome"

	SpanAttrHTTPMethod = "http.request.method"
	SpanAttrHTTPRoute  = "http.route"
	SpanAttrHTTPStatus = "http.response.status_code"
)

// StartSpan starts a new span with the given name and attributes.
// The caller is responsible for ending the span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.GetTracerProvider().Tracer(TracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartCommandSpan starts a span covering one JMAP command of a batch.
func StartCommandSpan(ctx context.Context, method, callID string) (context.Context, trace.Span) {
	return otel.GetTracerProvider().Tracer(TracerName).Start(ctx, "jmap."+method,
		trace.WithAttributes(
			attribute.String(SpanAttrMethod, method),
			attribute.String(SpanAttrCallID, callID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartProviderSpan starts a client span for a call into a provider.
func StartProviderSpan(ctx context.Context, provider, kind string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := make([]attribute.KeyValue, 0, len(attrs)+2)
	all = append(all,
		attribute.String(SpanAttrProvider, provider),
		attribute.String(SpanAttrKind, kind),
	)
	all = append(all, attrs...)

	return otel.GetTracerProvider().Tracer(TracerName).Start(ctx, "provider."+provider+"."+kind,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// SetSpanError records an error on the span and sets the status to error.
func SetSpanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess sets the span status to OK.
func SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// GetTraceID returns the trace ID from the current span in context.
// Returns empty string if no valid span is present.
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// GetSpanID returns the span ID from the current span in context.
func GetSpanID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.IsValid() {
		return sc.SpanID().String()
	}
	return ""
}
