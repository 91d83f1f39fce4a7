package instrumentation

import (
	"context"
	"log/slog"
	"time"

	"github.com/teemow/jmapgate/internal/logging"
)

// ProviderCall captures one call into an auth or command provider for audit logging.
//
// # Privacy Considerations
//
// Username is PII. LogAttrs reduces it to a hash, LogAuditAttrs keeps it.
type ProviderCall struct {
	Provider string
	Kind     string // one of the CallKind constants
	Method   string // JMAP method or auth type
	Username string

	StartTime time.Time
	Duration  time.Duration
	Status    string // success, error or timeout
	Error     string

	TraceID string
	SpanID  string
}

// NewProviderCall creates a ProviderCall with timing started.
func NewProviderCall(provider, kind, method string) *ProviderCall {
	return &ProviderCall{
		Provider:  provider,
		Kind:      kind,
		Method:    method,
		StartTime: time.Now(),
	}
}

// WithUser sets the username the call is made for.
func (pc *ProviderCall) WithUser(username string) *ProviderCall {
	pc.Username = username
	return pc
}

// WithSpanContext copies trace and span ids from the span in ctx.
func (pc *ProviderCall) WithSpanContext(ctx context.Context) *ProviderCall {
	pc.TraceID = GetTraceID(ctx)
	pc.SpanID = GetSpanID(ctx)
	return pc
}

// Complete stops the timer and records the status.
func (pc *ProviderCall) Complete(status string, err error) *ProviderCall {
	pc.Duration = time.Since(pc.StartTime)
	pc.Status = status
	if err != nil {
		pc.Error = err.Error()
	}
	return pc
}

// LogAttrs returns attributes without PII.
func (pc *ProviderCall) LogAttrs() []slog.Attr {
	return pc.attrs(slog.String(logging.KeyUserHash, logging.AnonymizeUser(pc.Username)))
}

// LogAuditAttrs returns attributes including the full username.
func (pc *ProviderCall) LogAuditAttrs() []slog.Attr {
	return pc.attrs(slog.String("user", pc.Username))
}

func (pc *ProviderCall) attrs(user slog.Attr) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("provider", pc.Provider),
		slog.String("kind", pc.Kind),
		slog.Duration("duration", pc.Duration),
		slog.String("status", pc.Status),
	}
	if pc.Method != "" {
		attrs = append(attrs, slog.String("method", pc.Method))
	}
	if pc.Username != "" {
		attrs = append(attrs, user)
	}
	if pc.TraceID != "" {
		attrs = append(attrs, slog.String(logging.KeyTraceID, pc.TraceID), slog.String("span_id", pc.SpanID))
	}
	if pc.Error != "" {
		attrs = append(attrs, slog.String("error", pc.Error))
	}
	return attrs
}

// AuthEvent is an audit record of one login step.
type AuthEvent struct {
	Result     string // one of the AuthResult constants
	AuthType   string
	Provider   string
	Username   string
	RemoteAddr string
	Reason     string
}

func (ae *AuthEvent) attrs(includePII bool) []slog.Attr {
	attrs := []slog.Attr{slog.String("result", ae.Result)}
	if ae.AuthType != "" {
		attrs = append(attrs, slog.String("auth_type", ae.AuthType))
	}
	if ae.Provider != "" {
		attrs = append(attrs, slog.String("provider", ae.Provider))
	}
	if ae.Username != "" {
		if includePII {
			attrs = append(attrs, slog.String("user", ae.Username))
		} else {
			attrs = append(attrs, logging.UserHash(ae.Username))
		}
	}
	if ae.RemoteAddr != "" {
		attrs = append(attrs, slog.String("remote_addr", ae.RemoteAddr))
	}
	if ae.Reason != "" {
		attrs = append(attrs, slog.String("reason", ae.Reason))
	}
	return attrs
}

// AuditLogger writes audit records for provider calls and login steps.
// A nil *AuditLogger discards everything.
type AuditLogger struct {
	logger     *slog.Logger
	includePII bool
	enabled    bool
}

// NewAuditLogger creates an AuditLogger. A nil logger means slog.Default().
func NewAuditLogger(logger *slog.Logger, config AuditLoggingConfig) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		logger:     logger.With(slog.String("component", "audit")),
		includePII: config.IncludePII,
		enabled:    config.Enabled,
	}
}

// LogProviderCall logs a completed provider call.
func (al *AuditLogger) LogProviderCall(ctx context.Context, pc *ProviderCall) {
	if al == nil || !al.enabled {
		return
	}

	attrs := pc.LogAttrs()
	if al.includePII {
		attrs = pc.LogAuditAttrs()
	}

	level := slog.LevelInfo
	if pc.Status != StatusSuccess {
		level = slog.LevelWarn
	}
	al.logger.LogAttrs(ctx, level, "provider_call", attrs...)
}

// LogAuth logs one login step.
func (al *AuditLogger) LogAuth(ctx context.Context, ae *AuthEvent) {
	if al == nil || !al.enabled {
		return
	}

	level := slog.LevelInfo
	switch ae.Result {
	case AuthResultFailure, AuthResultLimited, AuthResultUnavailable:
		level = slog.LevelWarn
	}
	al.logger.LogAttrs(ctx, level, "auth_step", ae.attrs(al.includePII)...)
}

// LogEvent logs a lifecycle event snapshot at debug level.
func (al *AuditLogger) LogEvent(ctx context.Context, name string, attrs []slog.Attr) {
	if al == nil || !al.enabled {
		return
	}
	al.logger.LogAttrs(ctx, slog.LevelDebug, "lifecycle_event", append([]slog.Attr{slog.String("event", name)}, attrs...)...)
}
