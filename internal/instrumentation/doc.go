// Package instrumentation provides OpenTelemetry instrumentation for jmapgate.
//
// # Metrics
//
// Server/HTTP:
//   - http_requests_total: HTTP requests by method, matched route and status
//   - http_request_duration_seconds: HTTP request durations
//
// Authentication:
//   - jmap_auth_attempts_total: login steps by auth type and result
//     (started, success, challenge, failure, restart, rate_limited,
//     unavailable)
//   - jmap_sessions_authenticated_total: sessions promoted to authenticated
//   - jmap_sessions_collected_total: expired sessions removed by GC
//
// Commands and providers:
//   - jmap_commands_total: dispatched JMAP commands by method and status
//   - jmap_provider_calls_total: provider calls by provider, kind and status
//   - jmap_provider_call_duration_seconds: provider call durations
//
// # Tracing
//
// Spans are created for every JMAP command of a batch (jmap.<method>) and
// every call into a provider (provider.<name>.<kind>).
//
// # Configuration
//
// Instrumentation is configured through environment variables:
//   - INSTRUMENTATION_ENABLED (default: true)
//   - METRICS_EXPORTER: prometheus, otlp or stdout (default: prometheus)
//   - TRACING_EXPORTER: otlp, stdout or none (default: none)
//   - OTEL_EXPORTER_OTLP_ENDPOINT
//   - OTEL_TRACES_SAMPLER_ARG (default: 0.1)
//   - OTEL_SERVICE_NAME (default: jmapgate)
//   - AUDIT_LOGGING_ENABLED, AUDIT_LOGGING_INCLUDE_PII
//
// # Example Usage
//
//	provider, err := instrumentation.NewProvider(ctx, instrumentation.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer provider.Shutdown(ctx)
//
//	provider.Metrics().RecordCommand(ctx, "getMailboxes", instrumentation.StatusSuccess)
package instrumentation
