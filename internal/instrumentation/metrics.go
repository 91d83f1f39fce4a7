package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys.
const (
	attrMethod     = "method"
	attrRoute      = "route"
	attrStatus     = "status"
	attrResult     = "result"
	attrAuthType   = "auth_type"
	attrJMAPMethod = "jmap_method"
	attrProvider   = "provider"
	attrKind       = "kind"
	attrDomain     = "user_domain"
)

var providerBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0}

// Metrics records the gateway's request, auth and provider metrics.
// The zero value is a valid no-op recorder.
type Metrics struct {
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	authAttemptsTotal     metric.Int64Counter
	sessionsAuthenticated metric.Int64Counter

	commandsTotal metric.Int64Counter

	providerCallsTotal   metric.Int64Counter
	providerCallDuration metric.Float64Histogram

	sessionsCollected metric.Int64Counter

	// detailedLabels adds the user domain to auth attempts.
	detailedLabels bool
}

// NewMetrics creates all instruments on meter.
func NewMetrics(meter metric.Meter, detailedLabels bool) (*Metrics, error) {
	m := &Metrics{detailedLabels: detailedLabels}

	var err error
	if m.httpRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	if m.httpRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0),
	); err != nil {
		return nil, fmt.Errorf("failed to create http_request_duration_seconds histogram: %w", err)
	}

	if m.authAttemptsTotal, err = meter.Int64Counter(
		"jmap_auth_attempts_total",
		metric.WithDescription("Authentication steps by outcome"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create jmap_auth_attempts_total counter: %w", err)
	}

	if m.sessionsAuthenticated, err = meter.Int64Counter(
		"jmap_sessions_authenticated_total",
		metric.WithDescription("Sessions promoted to authenticated"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create jmap_sessions_authenticated_total counter: %w", err)
	}

	if m.commandsTotal, err = meter.Int64Counter(
		"jmap_commands_total",
		metric.WithDescription("JMAP commands dispatched, by method and outcome"),
		metric.WithUnit("{command}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create jmap_commands_total counter: %w", err)
	}

	if m.providerCallsTotal, err = meter.Int64Counter(
		"jmap_provider_calls_total",
		metric.WithDescription("Calls into auth and command providers"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create jmap_provider_calls_total counter: %w", err)
	}

	if m.providerCallDuration, err = meter.Float64Histogram(
		"jmap_provider_call_duration_seconds",
		metric.WithDescription("Provider call duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(providerBuckets...),
	); err != nil {
		return nil, fmt.Errorf("failed to create jmap_provider_call_duration_seconds histogram: %w", err)
	}

	if m.sessionsCollected, err = meter.Int64Counter(
		"jmap_sessions_collected_total",
		metric.WithDescription("Expired sessions removed by garbage collection"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create jmap_sessions_collected_total counter: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request. route is the matched route
// pattern, never the raw path, so that blob ids stay out of the labels.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, duration time.Duration) {
	if m == nil || m.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(attrMethod, method),
		attribute.String(attrRoute, route),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	)
	m.httpRequestsTotal.Add(ctx, 1, attrs)
	m.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordAuthAttempt records one step of the login state machine.
// result is one of the AuthResult constants.
func (m *Metrics) RecordAuthAttempt(ctx context.Context, authType, result, username string) {
	if m == nil || m.authAttemptsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrAuthType, authType),
		attribute.String(attrResult, result),
	}
	if m.detailedLabels {
		attrs = append(attrs, attribute.String(attrDomain, ExtractUserDomain(username)))
	}
	m.authAttemptsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// SessionAuthenticated counts one session promoted to authenticated.
// Sessions are not tracked after that; expiry is reported by
// RecordSessionsCollected.
func (m *Metrics) SessionAuthenticated(ctx context.Context) {
	if m == nil || m.sessionsAuthenticated == nil {
		return
	}
	m.sessionsAuthenticated.Add(ctx, 1)
}

// RecordCommand records one dispatched JMAP command.
func (m *Metrics) RecordCommand(ctx context.Context, method, status string) {
	if m == nil || m.commandsTotal == nil {
		return
	}
	m.commandsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrJMAPMethod, method),
		attribute.String(attrStatus, status),
	))
}

// RecordProviderCall records a call into a provider.
// kind is one of the CallKind constants.
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, kind, status string, duration time.Duration) {
	if m == nil || m.providerCallsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(attrProvider, provider),
		attribute.String(attrKind, kind),
		attribute.String(attrStatus, status),
	)
	m.providerCallsTotal.Add(ctx, 1, attrs)
	m.providerCallDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordSessionsCollected records how many sessions one GC pass removed.
func (m *Metrics) RecordSessionsCollected(ctx context.Context, backend string, n int) {
	if m == nil || m.sessionsCollected == nil || n <= 0 {
		return
	}
	m.sessionsCollected.Add(ctx, int64(n), metric.WithAttributes(attribute.String("backend", backend)))
}
