package auth

import (
	"log/slog"
	"net/http"

	"github.com/teemow/jmapgate/internal/logging"
	"github.com/teemow/jmapgate/internal/provider"
	"github.com/teemow/jmapgate/internal/session"
)

// InitEvent is emitted on jmap:auth:init when a login starts.
type InitEvent struct {
	Request  *http.Request
	Username string
	// Data is the decoded request body, including client metadata.
	Data    map[string]any
	Session *session.Session
}

func (e *InitEvent) LogAttrs() []slog.Attr {
	return []slog.Attr{logging.UserHash(e.Username), logging.LoginID(e.Session.Key())}
}

// MoreEvent is emitted on jmap:auth:more before the first challenge is
// sent. Hooks may edit Response.
type MoreEvent struct {
	Request  *http.Request
	Session  *session.Session
	Response *LoginResponse
}

func (e *MoreEvent) LogAttrs() []slog.Attr {
	return []slog.Attr{logging.LoginID(e.Session.Key()), slog.Int("methods", len(e.Response.Methods))}
}

// ContinueEvent is emitted on jmap:auth:continue once the loginId has
// been validated. Chain is private to this attempt; hooks may prepend to it.
type ContinueEvent struct {
	Request *http.Request
	Type    string
	Data    map[string]any
	Session *session.Session
	Chain   *provider.Chain
}

func (e *ContinueEvent) LogAttrs() []slog.Attr {
	return []slog.Attr{slog.String("auth_type", e.Type), logging.LoginID(e.Session.Key())}
}

// RestartEvent is emitted on jmap:auth:restart when a loginId is unknown,
// expired or has no pending username.
type RestartEvent struct {
	Request *http.Request
	LoginID string
}

func (e *RestartEvent) LogAttrs() []slog.Attr {
	return []slog.Attr{logging.LoginID(e.LoginID)}
}

// FailureEvent is emitted on jmap:auth:failure when no provider accepted
// the credential. Hooks may edit Response.
type FailureEvent struct {
	Request  *http.Request
	Type     string
	Session  *session.Session
	Aborted  bool
	Reason   string
	Response *LoginResponse
}

func (e *FailureEvent) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("auth_type", e.Type),
		logging.LoginID(e.Session.Key()),
		slog.Bool("aborted", e.Aborted),
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	return attrs
}

// SuccessEvent is emitted on jmap:auth:success after a provider accepted
// a credential, and on every refetch of the session resource.
//
// Setting Challenge turns the success into another login round: the
// client receives Challenge at 200 instead of Result, and the session
// keeps the identity without granting access. Challenge is ignored on
// refetch.
type SuccessEvent struct {
	Request   *http.Request
	Session   *session.Session
	Identity  *provider.Identity
	Provider  string
	Result    *SuccessResponse
	Challenge *LoginResponse
	Refetch   bool
}

func (e *SuccessEvent) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{slog.Bool("refetch", e.Refetch), slog.Bool("challenge", e.Challenge != nil)}
	if e.Provider != "" {
		attrs = append(attrs, logging.Provider(e.Provider))
	}
	if e.Identity != nil {
		attrs = append(attrs, logging.UserHash(e.Identity.Username))
	}
	return attrs
}
