package jmap

import (
	"log/slog"
	"net/http"

	"github.com/teemow/jmapgate/internal/logging"
	"github.com/teemow/jmapgate/internal/provider"
)

// QueryEvent is emitted on jmap:query before a batch is dispatched.
// Hooks may rewrite Commands.
type QueryEvent struct {
	Request  *http.Request
	Identity *provider.Identity
	Commands []provider.Invocation
}

func (e *QueryEvent) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{slog.Int("commands", len(e.Commands))}
	if e.Identity != nil {
		attrs = append(attrs, logging.UserHash(e.Identity.Username))
	}
	return attrs
}

// ResponseEvent is emitted on jmap:response and jmap:response:<method>
// for every result. Hooks may edit or replace Result; the call id is
// restored afterwards.
type ResponseEvent struct {
	Command  provider.Invocation
	Identity *provider.Identity
	Result   *provider.Invocation
}

func (e *ResponseEvent) LogAttrs() []slog.Attr {
	return []slog.Attr{
		logging.Method(e.Command.Name),
		logging.CallID(e.Command.CallID),
		slog.String("result", e.Result.Name),
	}
}

// ErrorEvent is emitted on jmap:error when the dispatcher synthesizes an
// error result. Hooks may replace Result, e.g. to serve a method that
// has no provider.
type ErrorEvent struct {
	Command  provider.Invocation
	Identity *provider.Identity
	Err      error
	Result   *provider.Invocation
}

func (e *ErrorEvent) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{
		logging.Method(e.Command.Name),
		logging.CallID(e.Command.CallID),
		slog.Any("type", e.Result.Args["type"]),
	}
	if e.Err != nil {
		attrs = append(attrs, logging.Err(e.Err))
	}
	return attrs
}
