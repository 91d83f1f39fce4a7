package instrumentation

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newBufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func TestAuditLogger_ProviderCall(t *testing.T) {
	tests := []struct {
		name       string
		includePII bool
		wantUser   string
		notUser    string
	}{
		{"anonymized", false, "user_hash=user:", "alice@example.com"},
		{"with pii", true, "user=alice@example.com", "user_hash="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := newBufferLogger()
			al := NewAuditLogger(logger, AuditLoggingConfig{Enabled: true, IncludePII: tt.includePII})

			pc := NewProviderCall("jmapproxy", CallKindCommand, "getMailboxes").
				WithUser("alice@example.com").
				WithSpanContext(context.Background()).
				Complete(StatusError, errors.New("upstream returned 502"))
			al.LogProviderCall(context.Background(), pc)

			out := buf.String()
			assert.Contains(t, out, "level=WARN")
			assert.Contains(t, out, "provider_call")
			assert.Contains(t, out, "provider=jmapproxy")
			assert.Contains(t, out, "method=getMailboxes")
			assert.Contains(t, out, tt.wantUser)
			assert.NotContains(t, out, tt.notUser)
			assert.Contains(t, out, "upstream returned 502")
			assert.NotContains(t, out, "trace_id", "no span in context")
		})
	}
}

func TestAuditLogger_Auth(t *testing.T) {
	logger, buf := newBufferLogger()
	al := NewAuditLogger(logger, AuditLoggingConfig{Enabled: true})

	al.LogAuth(context.Background(), &AuthEvent{
		Result:   AuthResultFailure,
		AuthType: "password",
		Username: "bob",
		Reason:   "bad code",
	})

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "result=failure")
	assert.Contains(t, out, "reason=\"bad code\"")
	assert.NotContains(t, out, "bob")
}

func TestAuditLogger_Disabled(t *testing.T) {
	logger, buf := newBufferLogger()
	al := NewAuditLogger(logger, AuditLoggingConfig{Enabled: false})

	al.LogAuth(context.Background(), &AuthEvent{Result: AuthResultSuccess})
	al.LogProviderCall(context.Background(), NewProviderCall("x", CallKindAuth, "password").Complete(StatusSuccess, nil))
	al.LogEvent(context.Background(), "jmap:query", nil)
	assert.Empty(t, buf.String())

	var nilLogger *AuditLogger
	nilLogger.LogAuth(context.Background(), &AuthEvent{})
}

func TestAuditLogger_Event(t *testing.T) {
	logger, buf := newBufferLogger()
	al := NewAuditLogger(logger, AuditLoggingConfig{Enabled: true})

	al.LogEvent(context.Background(), "jmap:auth:restart", []slog.Attr{slog.Int("status", 410)})
	assert.Contains(t, buf.String(), "event=jmap:auth:restart")
	assert.Contains(t, buf.String(), "status=410")
}

func TestProviderCall_WithSpanContext(t *testing.T) {
	installRecorder(t)
	ctx, span := StartProviderSpan(context.Background(), "static", CallKindAuth)
	defer span.End()

	pc := NewProviderCall("static", CallKindAuth, "password").WithSpanContext(ctx)
	assert.Equal(t, span.SpanContext().TraceID().String(), pc.TraceID)
	assert.Equal(t, span.SpanContext().SpanID().String(), pc.SpanID)

	logger, buf := newBufferLogger()
	NewAuditLogger(logger, AuditLoggingConfig{Enabled: true}).
		LogProviderCall(ctx, pc.Complete(StatusSuccess, nil))
	assert.Contains(t, buf.String(), "trace_id="+pc.TraceID)
	assert.Contains(t, buf.String(), "span_id="+pc.SpanID)
}
