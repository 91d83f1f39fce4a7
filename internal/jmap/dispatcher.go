package jmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/teemow/jmapgate/internal/auth"
	"github.com/teemow/jmapgate/internal/events"
	"github.com/teemow/jmapgate/internal/instrumentation"
	"github.com/teemow/jmapgate/internal/logging"
	"github.com/teemow/jmapgate/internal/provider"
	"github.com/teemow/jmapgate/internal/server"
	"github.com/teemow/jmapgate/internal/session"
)

// DefaultCallTimeout bounds one provider invocation.
const DefaultCallTimeout = 30 * time.Second

// Authorizer resolves the access token of a request.
type Authorizer interface {
	Authorize(r *http.Request) (*session.Session, error)
}

// Options configures a Dispatcher.
type Options struct {
	Registry   *provider.Registry
	Authorizer Authorizer
	Bus        *events.Bus
	Logger     *slog.Logger
	Metrics    *instrumentation.Metrics
	Audit      *instrumentation.AuditLogger
	// CallTimeout bounds each provider invocation.
	CallTimeout time.Duration
	// MaxCalls rejects longer batches with 400. Zero means unlimited.
	MaxCalls int
}

// Dispatcher runs JMAP command batches against the registered providers.
type Dispatcher struct {
	registry *provider.Registry
	authz    Authorizer
	bus      *events.Bus
	logger   *slog.Logger
	metrics  *instrumentation.Metrics
	audit    *instrumentation.AuditLogger
	timeout  time.Duration
	maxCalls int
	builtin  map[string]provider.CommandProvider
}

// NewDispatcher creates a Dispatcher. Registry and Authorizer are required.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Registry == nil {
		return nil, errors.New("jmap: provider registry is required")
	}
	if opts.Authorizer == nil {
		return nil, errors.New("jmap: authorizer is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger)
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}

	d := &Dispatcher{
		registry: opts.Registry,
		authz:    opts.Authorizer,
		bus:      opts.Bus,
		logger:   opts.Logger.With(slog.String("component", "jmap")),
		metrics:  opts.Metrics,
		audit:    opts.Audit,
		timeout:  opts.CallTimeout,
		maxCalls: opts.MaxCalls,
	}
	d.builtin = map[string]provider.CommandProvider{
		MethodGetAccounts: &accountsProvider{d: d},
	}
	return d, nil
}

// Register mounts the API and download routes and publishes their URLs.
func (d *Dispatcher) Register(c *server.Controller) {
	c.Handle("jmap", d.serveAPI, http.MethodPost)
	c.SetEndpoint(server.EndpointAPI, "jmap")
	c.Handle("download/{blobId}/{name}", d.serveDownload, http.MethodGet)
	c.SetEndpoint(server.EndpointDownload, "download/{blobId}/{name}")
}

func (d *Dispatcher) serveAPI(w http.ResponseWriter, r *http.Request) error {
	sess, err := d.authz.Authorize(r)
	if err != nil {
		return err
	}
	id := sess.Identity()
	ctx := provider.WithIdentity(r.Context(), id)

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, auth.MaxSizeRequest))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return server.RequestTooLarge("request body exceeds maxSizeRequest")
		}
		return server.BadRequest("failed to read request body").Wrap(err)
	}

	var commands []provider.Invocation
	if err := json.Unmarshal(data, &commands); err != nil {
		return server.BadRequest("request body must be an array of method calls").Wrap(err)
	}
	if d.maxCalls > 0 && len(commands) > d.maxCalls {
		return server.BadRequest(fmt.Sprintf("at most %d method calls per request", d.maxCalls))
	}

	ev := &QueryEvent{Request: r, Identity: id, Commands: commands}
	d.bus.Emit(ctx, events.Query, ev)

	return server.WriteJSON(w, http.StatusOK, d.Dispatch(ctx, id, ev.Commands))
}

// Dispatch runs commands in order and returns their results. Every
// command yields at least one result carrying its call id, in the
// position of the command.
func (d *Dispatcher) Dispatch(ctx context.Context, id *provider.Identity, commands []provider.Invocation) []provider.Invocation {
	results := make([]provider.Invocation, 0, len(commands))
	for _, cmd := range commands {
		results = append(results, d.run(ctx, id, cmd)...)
	}
	return results
}

func (d *Dispatcher) providersFor(method string) []provider.CommandProvider {
	providers := d.registry.MethodProviders(method)
	if b, ok := d.builtin[method]; ok {
		providers = append([]provider.CommandProvider{b}, providers...)
	}
	return providers
}

func (d *Dispatcher) run(ctx context.Context, id *provider.Identity, cmd provider.Invocation) []provider.Invocation {
	ctx, span := instrumentation.StartCommandSpan(ctx, cmd.Name, cmd.CallID)
	defer span.End()

	providers := d.providersFor(cmd.Name)
	if len(providers) == 0 {
		d.metrics.RecordCommand(ctx, "unknown", provider.ErrorUnknownMethod)
		return []provider.Invocation{d.failed(ctx, id, cmd, provider.ErrorResult(provider.ErrorUnknownMethod, ""), nil)}
	}

	var out []provider.Invocation
	for _, cp := range providers {
		produced, err := d.invoke(ctx, cp, provider.Call{
			Method:   cmd.Name,
			Args:     cmd.Args,
			CallID:   cmd.CallID,
			Identity: id,
			Prior:    out,
		})
		if err != nil {
			d.logger.WarnContext(ctx, "provider call failed",
				logging.Provider(cp.Name()), logging.Method(cmd.Name), logging.CallID(cmd.CallID), logging.Err(err))
			instrumentation.SetSpanError(span, err)
			d.metrics.RecordCommand(ctx, cmd.Name, instrumentation.StatusError)
			return append(out, d.failed(ctx, id, cmd, errorResult(err), err))
		}
		for _, res := range produced {
			out = append(out, d.respond(ctx, id, cmd, res))
		}
	}

	if len(out) == 0 {
		err := fmt.Errorf("%s produced no result", cmd.Name)
		d.metrics.RecordCommand(ctx, cmd.Name, instrumentation.StatusError)
		return []provider.Invocation{d.failed(ctx, id, cmd, provider.ErrorResult(provider.ErrorRuntime, err.Error()), err)}
	}

	instrumentation.SetSpanSuccess(span)
	d.metrics.RecordCommand(ctx, cmd.Name, instrumentation.StatusSuccess)
	return out
}

func errorResult(err error) provider.Invocation {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, provider.ErrUnavailable) {
		return provider.ErrorResult(provider.ErrorServerUnavailable, "")
	}
	return provider.ErrorResult(provider.ErrorRuntime, err.Error())
}

// failed emits jmap:error for a synthesized error result and then
// delivers whatever the hooks left in place as a regular response.
func (d *Dispatcher) failed(ctx context.Context, id *provider.Identity, cmd provider.Invocation, res provider.Invocation, cause error) provider.Invocation {
	res.CallID = cmd.CallID
	ev := &ErrorEvent{Command: cmd, Identity: id, Err: cause, Result: &res}
	d.bus.Emit(ctx, events.Error, ev)
	return d.respond(ctx, id, cmd, *ev.Result)
}

func (d *Dispatcher) respond(ctx context.Context, id *provider.Identity, cmd provider.Invocation, res provider.Invocation) provider.Invocation {
	res.CallID = cmd.CallID
	ev := &ResponseEvent{Command: cmd, Identity: id, Result: &res}
	d.bus.Emit(ctx, events.Response, ev)
	d.bus.Emit(ctx, events.ResponseFor(cmd.Name), ev)

	out := *ev.Result
	out.CallID = cmd.CallID
	return out
}

func (d *Dispatcher) invoke(ctx context.Context, cp provider.CommandProvider, call provider.Call) (out []provider.Invocation, err error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	ctx, span := instrumentation.StartProviderSpan(ctx, cp.Name(), instrumentation.CallKindCommand)
	defer span.End()

	pc := instrumentation.NewProviderCall(cp.Name(), instrumentation.CallKindCommand, call.Method).
		WithSpanContext(ctx)
	if call.Identity != nil {
		pc.WithUser(call.Identity.Username)
	}
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("provider %s panicked: %v", cp.Name(), rec)
		}

		status := instrumentation.StatusSuccess
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			status = instrumentation.StatusTimeout
		case err != nil:
			status = instrumentation.StatusError
		}
		if err != nil {
			instrumentation.SetSpanError(span, err)
		}
		d.metrics.RecordProviderCall(ctx, cp.Name(), instrumentation.CallKindCommand, status, time.Since(start))
		d.audit.LogProviderCall(ctx, pc.Complete(status, err))
	}()

	out, err = cp.Invoke(ctx, call)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return out, err
}
