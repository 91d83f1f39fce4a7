package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/teemow/jmapgate/internal/events"
	"github.com/teemow/jmapgate/internal/instrumentation"
	"github.com/teemow/jmapgate/internal/logging"
	"github.com/teemow/jmapgate/internal/provider"
	"github.com/teemow/jmapgate/internal/server"
	"github.com/teemow/jmapgate/internal/session"
)

// DefaultProviderTimeout bounds a single provider call.
const DefaultProviderTimeout = 10 * time.Second

// Options configures a Processor.
type Options struct {
	Registry *provider.Registry
	Sessions *session.Manager
	Bus      *events.Bus
	Logger   *slog.Logger
	Metrics  *instrumentation.Metrics
	Audit    *instrumentation.AuditLogger
	// Limiter throttles POST /auth per client. Nil disables throttling.
	Limiter *Limiter
	// TrustForwarded makes X-Forwarded-For identify the client.
	TrustForwarded bool
	// Prompt is shown to the client with every challenge.
	Prompt string
	// ProviderTimeout bounds each Authenticate and Accounts call.
	ProviderTimeout time.Duration
}

// Processor drives the login state machine.
type Processor struct {
	registry       *provider.Registry
	sessions       *session.Manager
	bus            *events.Bus
	logger         *slog.Logger
	metrics        *instrumentation.Metrics
	audit          *instrumentation.AuditLogger
	limiter        *Limiter
	trustForwarded bool
	prompt         string
	timeout        time.Duration

	controller *server.Controller
}

// NewProcessor creates a Processor. Registry and Sessions are required.
func NewProcessor(opts Options) (*Processor, error) {
	if opts.Registry == nil {
		return nil, errors.New("auth: provider registry is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("auth: session manager is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger)
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = DefaultProviderTimeout
	}

	return &Processor{
		registry:       opts.Registry,
		sessions:       opts.Sessions,
		bus:            opts.Bus,
		logger:         opts.Logger.With(slog.String("component", "auth")),
		metrics:        opts.Metrics,
		audit:          opts.Audit,
		limiter:        opts.Limiter,
		trustForwarded: opts.TrustForwarded,
		prompt:         opts.Prompt,
		timeout:        opts.ProviderTimeout,
	}, nil
}

// Register mounts /auth and /.well-known/jmap.
func (p *Processor) Register(c *server.Controller) {
	p.controller = c
	c.Handle("auth", p.serveAuth, http.MethodGet, http.MethodPost)
	c.Handle(".well-known/jmap", p.serveRefetch, http.MethodGet)
	c.OnComplete(p.sessions.RunDeferredGC)
}

func challengeError(desc string) *server.ProcessorError {
	return server.Unauthorized(desc).WithHeader("WWW-Authenticate", SchemeJMAP)
}

// Authorize resolves the access token of r to an authenticated session.
// Missing, unknown and not yet authenticated tokens yield a 401 carrying
// a WWW-Authenticate challenge.
func (p *Processor) Authorize(r *http.Request) (*session.Session, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return nil, challengeError("access token required")
	}

	sess, err := p.sessions.Start(r.Context(), token)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if sess.Key() != token || !sess.Authenticated() {
		return nil, challengeError("invalid access token")
	}
	return sess, nil
}

func (p *Processor) serveAuth(w http.ResponseWriter, r *http.Request) error {
	if r.Method == http.MethodGet {
		return p.serveRefetch(w, r)
	}

	if !p.limiter.Allow(ClientIP(r, p.trustForwarded)) {
		p.metrics.RecordAuthAttempt(r.Context(), "", instrumentation.AuthResultLimited, "")
		p.audit.LogAuth(r.Context(), &instrumentation.AuthEvent{
			Result:     instrumentation.AuthResultLimited,
			RemoteAddr: r.RemoteAddr,
		})
		return server.TooManyRequests("too many login attempts")
	}

	body, err := decodeBody(w, r)
	if err != nil {
		return err
	}

	if loginID, ok := continuationToken(body); ok {
		return p.continueLogin(w, r, loginID, body)
	}
	if username, _ := body["username"].(string); username != "" {
		return p.startLogin(w, r, username, body)
	}
	return challengeError("username or loginId required")
}

func decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxSizeRequest))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, server.RequestTooLarge("request body exceeds maxSizeRequest")
		}
		return nil, server.BadRequest("failed to read request body").Wrap(err)
	}

	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, server.BadRequest("request body must be a JSON object").Wrap(err)
	}
	return body, nil
}

// continuationToken returns the loginId of a continuation request. The
// older continuationToken field is accepted as an alias.
func continuationToken(body map[string]any) (string, bool) {
	for _, key := range []string{"loginId", "continuationToken"} {
		if v, ok := body[key].(string); ok {
			return v, true
		}
	}
	return "", false
}

func (p *Processor) startLogin(w http.ResponseWriter, r *http.Request, username string, body map[string]any) error {
	ctx := r.Context()

	sess, err := p.sessions.Start(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	sess.SetUsername(username)

	p.bus.Emit(ctx, events.AuthInit, &InitEvent{Request: r, Username: username, Data: body, Session: sess})

	resp := &LoginResponse{Methods: p.registry.AuthMethods(), Prompt: p.prompt}
	p.bus.Emit(ctx, events.AuthMore, &MoreEvent{Request: r, Session: sess, Response: resp})

	if err := sess.Save(ctx); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	resp.LoginID = sess.Key()

	p.logger.DebugContext(ctx, "login started", logging.UserHash(username), logging.LoginID(sess.Key()))
	p.metrics.RecordAuthAttempt(ctx, "", instrumentation.AuthResultStarted, username)
	p.audit.LogAuth(ctx, &instrumentation.AuthEvent{
		Result:     instrumentation.AuthResultStarted,
		Username:   username,
		RemoteAddr: r.RemoteAddr,
	})

	return server.WriteJSON(w, http.StatusOK, resp)
}

func (p *Processor) continueLogin(w http.ResponseWriter, r *http.Request, loginID string, body map[string]any) error {
	ctx := r.Context()
	authType, _ := body["type"].(string)
	value, _ := body["value"].(string)

	sess, err := p.sessions.Start(ctx, loginID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if sess.Key() != loginID || sess.Username() == "" {
		p.bus.Emit(ctx, events.AuthRestart, &RestartEvent{Request: r, LoginID: loginID})
		p.metrics.RecordAuthAttempt(ctx, authType, instrumentation.AuthResultRestart, "")
		p.audit.LogAuth(ctx, &instrumentation.AuthEvent{
			Result:     instrumentation.AuthResultRestart,
			AuthType:   authType,
			RemoteAddr: r.RemoteAddr,
		})
		return server.Gone("login must be restarted")
	}

	chain := p.registry.NewChain()
	p.bus.Emit(ctx, events.AuthContinue, &ContinueEvent{Request: r, Type: authType, Data: body, Session: sess, Chain: chain})

	req := provider.AuthRequest{
		Username:   sess.Username(),
		Type:       authType,
		Value:      value,
		Data:       body,
		Identity:   sess.Identity(),
		RemoteAddr: r.RemoteAddr,
	}

	// A factor without a type is never offered to the chain.
	if authType == "" {
		return p.fail(w, r, sess, chain, authType, false, "missing type")
	}

	// Wrong credentials are a 401; a chain where every provider errored
	// never judged them and answers 503 instead.
	var tried, failed int
	var lastErr error
	for _, ap := range chain.Providers(authType) {
		tried++
		res, err := p.authenticate(ctx, ap, req)
		if err != nil {
			p.logger.WarnContext(ctx, "auth provider failed",
				logging.Provider(ap.Name()), logging.Err(err))
			failed++
			lastErr = err
			continue
		}

		switch res.Outcome {
		case provider.OutcomeSuccess:
			return p.succeed(w, r, sess, ap, res.Identity)
		case provider.OutcomeAbort:
			return p.fail(w, r, sess, chain, authType, true, res.Reason)
		}
	}
	if tried > 0 && failed == tried {
		return p.unavailable(r, sess, authType, lastErr)
	}
	return p.fail(w, r, sess, chain, authType, false, "")
}

// unavailable answers a login step no provider could evaluate. The
// session is left untouched so the same loginId can be retried.
func (p *Processor) unavailable(r *http.Request, sess *session.Session, authType string, err error) error {
	ctx := r.Context()
	p.metrics.RecordAuthAttempt(ctx, authType, instrumentation.AuthResultUnavailable, sess.Username())
	p.audit.LogAuth(ctx, &instrumentation.AuthEvent{
		Result:     instrumentation.AuthResultUnavailable,
		AuthType:   authType,
		Username:   sess.Username(),
		RemoteAddr: r.RemoteAddr,
		Reason:     err.Error(),
	})
	return server.ServiceUnavailable("authentication backend unavailable").
		WithHeader("Retry-After", "5").
		Wrap(err)
}

func (p *Processor) authenticate(ctx context.Context, ap provider.AuthProvider, req provider.AuthRequest) (provider.AuthResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ctx, span := instrumentation.StartProviderSpan(ctx, ap.Name(), instrumentation.CallKindAuth,
		attribute.String(instrumentation.SpanAttrAuthType, req.Type))
	defer span.End()

	start := time.Now()
	pc := instrumentation.NewProviderCall(ap.Name(), instrumentation.CallKindAuth, req.Type).
		WithUser(req.Username).
		WithSpanContext(ctx)

	res, err := ap.Authenticate(ctx, req)

	status := instrumentation.StatusSuccess
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = instrumentation.StatusTimeout
	case err != nil:
		status = instrumentation.StatusError
	}
	if err != nil {
		instrumentation.SetSpanError(span, err)
	} else {
		span.SetAttributes(attribute.String(instrumentation.SpanAttrOutcome, res.Outcome.String()))
		instrumentation.SetSpanSuccess(span)
	}

	p.metrics.RecordProviderCall(ctx, ap.Name(), instrumentation.CallKindAuth, status, time.Since(start))
	p.audit.LogProviderCall(ctx, pc.Complete(status, err))
	return res, err
}

func (p *Processor) accounts(ctx context.Context, ap provider.AuthProvider, id *provider.Identity, fallback []provider.Account) ([]provider.Account, error) {
	lister, ok := ap.(provider.AccountLister)
	if !ok {
		return fallback, nil
	}

	ctx, cancel := context.WithTimeout(provider.WithIdentity(ctx, id), p.timeout)
	defer cancel()

	start := time.Now()
	accounts, err := lister.Accounts(ctx, id)
	status := instrumentation.StatusSuccess
	if err != nil {
		status = instrumentation.StatusError
	}
	p.metrics.RecordProviderCall(ctx, ap.Name(), instrumentation.CallKindAccounts, status, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts of %s: %w", ap.Name(), err)
	}
	return accounts, nil
}

func (p *Processor) succeed(w http.ResponseWriter, r *http.Request, sess *session.Session, ap provider.AuthProvider, id *provider.Identity) error {
	ctx := r.Context()

	if id == nil {
		id = &provider.Identity{}
	} else {
		id = id.Clone()
	}
	id.Username = sess.Username()

	accounts, err := p.accounts(ctx, ap, id, sess.Accounts())
	if err != nil {
		return err
	}

	token, err := session.GenerateToken()
	if err != nil {
		return err
	}

	ev := &SuccessEvent{
		Request:  r,
		Session:  sess,
		Identity: id,
		Provider: ap.Name(),
		Result:   p.successPayload(r, token, id.Username, accounts),
	}
	p.bus.Emit(ctx, events.AuthSuccess, ev)

	if err := sess.Promote(ctx, session.Promotion{
		Token:         token,
		Identity:      id,
		Accounts:      accounts,
		Authenticated: ev.Challenge == nil,
	}); err != nil {
		return fmt.Errorf("failed to promote session: %w", err)
	}

	result := instrumentation.AuthResultSuccess
	if ev.Challenge != nil {
		result = instrumentation.AuthResultChallenge
	}
	p.metrics.RecordAuthAttempt(ctx, "", result, id.Username)
	p.audit.LogAuth(ctx, &instrumentation.AuthEvent{
		Result:     result,
		Provider:   ap.Name(),
		Username:   id.Username,
		RemoteAddr: r.RemoteAddr,
	})

	if ev.Challenge != nil {
		ev.Challenge.LoginID = sess.Key()
		return server.WriteJSON(w, http.StatusOK, ev.Challenge)
	}
	p.logger.InfoContext(ctx, "login completed", logging.Provider(ap.Name()), logging.UserHash(id.Username))
	return server.WriteJSON(w, http.StatusCreated, ev.Result)
}

func (p *Processor) fail(w http.ResponseWriter, r *http.Request, sess *session.Session, chain *provider.Chain, authType string, aborted bool, reason string) error {
	ctx := r.Context()

	ev := &FailureEvent{
		Request:  r,
		Type:     authType,
		Session:  sess,
		Aborted:  aborted,
		Reason:   reason,
		Response: &LoginResponse{Methods: chain.Methods(), LoginID: sess.Key(), Prompt: p.prompt},
	}
	p.bus.Emit(ctx, events.AuthFailure, ev)

	if err := sess.Save(ctx); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	ev.Response.LoginID = sess.Key()

	p.logger.DebugContext(ctx, "login step rejected",
		slog.String("auth_type", authType), slog.Bool("aborted", aborted), logging.LoginID(sess.Key()))
	p.metrics.RecordAuthAttempt(ctx, authType, instrumentation.AuthResultFailure, sess.Username())
	p.audit.LogAuth(ctx, &instrumentation.AuthEvent{
		Result:     instrumentation.AuthResultFailure,
		AuthType:   authType,
		Username:   sess.Username(),
		RemoteAddr: r.RemoteAddr,
		Reason:     reason,
	})

	w.Header().Set("WWW-Authenticate", SchemeJMAP)
	return server.WriteJSON(w, http.StatusUnauthorized, ev.Response)
}

func (p *Processor) serveRefetch(w http.ResponseWriter, r *http.Request) error {
	sess, err := p.Authorize(r)
	if err != nil {
		return err
	}

	ev := &SuccessEvent{
		Request:  r,
		Session:  sess,
		Identity: sess.Identity(),
		Result:   p.successPayload(r, "", sess.Username(), sess.Accounts()),
		Refetch:  true,
	}
	p.bus.Emit(r.Context(), events.AuthSuccess, ev)

	return server.WriteJSON(w, http.StatusOK, ev.Result)
}
