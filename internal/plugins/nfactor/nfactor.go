// Package nfactor adds a TOTP second factor on top of any primary auth
// provider.
//
// After a primary provider succeeds, the success response is replaced by
// a "totp" challenge and the session keeps the identity without granting
// access. The next continuation of that login runs this plugin's provider
// at the front of the chain. It accepts a valid code for the identity
// already stored in the session and aborts on anything else.
package nfactor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/teemow/jmapgate/internal/auth"
	"github.com/teemow/jmapgate/internal/events"
	"github.com/teemow/jmapgate/internal/logging"
	"github.com/teemow/jmapgate/internal/provider"
)

// MethodTOTP is the auth method type of the second factor.
const MethodTOTP = "totp"

// PendingKey is the session key marking a login that awaits its second factor.
const PendingKey = "nfactor:pending"

// DefaultPrompt is shown with the second factor challenge.
const DefaultPrompt = "TOTP authentication required"

// Options configures the plugin.
type Options struct {
	// Secret is the base32 TOTP secret for users without their own.
	Secret string
	// Users maps usernames to their base32 TOTP secret.
	Users map[string]string
	// StaticCode, when set, is accepted for every user. For testing
	// deployments only.
	StaticCode string
	Prompt     string
	Logger     *slog.Logger
}

// Plugin is both the lifecycle hooks and the auth provider of the
// second factor.
type Plugin struct {
	secret     string
	users      map[string]string
	staticCode string
	prompt     string
	logger     *slog.Logger
	now        func() time.Time
}

// New creates the plugin. At least one of Secret, Users or StaticCode is required.
func New(opts Options) (*Plugin, error) {
	if opts.Secret == "" && len(opts.Users) == 0 && opts.StaticCode == "" {
		return nil, errors.New("nfactor: a TOTP secret or static code is required")
	}
	if opts.Prompt == "" {
		opts.Prompt = DefaultPrompt
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Plugin{
		secret:     opts.Secret,
		users:      opts.Users,
		staticCode: opts.StaticCode,
		prompt:     opts.Prompt,
		logger:     opts.Logger.With(slog.String("component", "nfactor")),
		now:        time.Now,
	}, nil
}

func (p *Plugin) Name() string { return "nfactor" }

func (p *Plugin) AuthMethods() []provider.AuthMethod {
	return []provider.AuthMethod{{Type: MethodTOTP}}
}

// Enrolled reports whether username has to pass the second factor.
func (p *Plugin) Enrolled(username string) bool {
	return p.staticCode != "" || p.secretFor(username) != ""
}

func (p *Plugin) secretFor(username string) string {
	if s, ok := p.users[username]; ok {
		return s
	}
	return p.secret
}

// Authenticate validates a second factor code.
func (p *Plugin) Authenticate(_ context.Context, req provider.AuthRequest) (provider.AuthResult, error) {
	if req.Identity == nil {
		return provider.Abort("no first factor"), nil
	}
	if req.Value == "" {
		return provider.Abort("code required"), nil
	}
	if p.staticCode != "" && req.Value == p.staticCode {
		return provider.Success(req.Identity), nil
	}

	secret := p.secretFor(req.Username)
	if secret == "" {
		return provider.Abort("code does not match"), nil
	}
	ok, err := totp.ValidateCustom(req.Value, secret, p.now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil && !errors.Is(err, otp.ErrValidateInputInvalidLength) {
		return provider.AuthResult{}, err
	}
	if !ok {
		return provider.Abort("code does not match"), nil
	}
	return provider.Success(req.Identity), nil
}

// Attach subscribes the plugin's hooks.
func (p *Plugin) Attach(bus *events.Bus) {
	events.On(bus, events.AuthContinue, p.onContinue)
	events.On(bus, events.AuthSuccess, p.onSuccess)
	events.On(bus, events.AuthFailure, p.onFailure)
}

func (p *Plugin) onContinue(_ context.Context, e *auth.ContinueEvent) {
	if e.Session.Has(PendingKey) {
		e.Chain.Prepend(p)
	}
}

func (p *Plugin) onSuccess(ctx context.Context, e *auth.SuccessEvent) {
	if e.Refetch {
		return
	}
	if e.Provider == p.Name() {
		e.Session.Remove(PendingKey)
		return
	}
	if e.Identity == nil || !p.Enrolled(e.Identity.Username) {
		return
	}

	if err := e.Session.Set(PendingKey, p.now().Unix()); err != nil {
		p.logger.ErrorContext(ctx, "failed to mark second factor pending", logging.Err(err))
		return
	}
	e.Challenge = &auth.LoginResponse{Methods: p.AuthMethods(), Prompt: p.prompt}
	p.logger.DebugContext(ctx, "second factor required", logging.UserHash(e.Identity.Username))
}

func (p *Plugin) onFailure(_ context.Context, e *auth.FailureEvent) {
	if e.Session.Has(PendingKey) {
		e.Response.Methods = p.AuthMethods()
		e.Response.Prompt = p.prompt
	}
}
