// Package app assembles the gateway from its configuration and runs its
// HTTP servers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/teemow/jmapgate/internal/auth"
	"github.com/teemow/jmapgate/internal/config"
	"github.com/teemow/jmapgate/internal/events"
	"github.com/teemow/jmapgate/internal/instrumentation"
	"github.com/teemow/jmapgate/internal/jmap"
	"github.com/teemow/jmapgate/internal/provider"
	"github.com/teemow/jmapgate/internal/server"
	"github.com/teemow/jmapgate/internal/session"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second

	// observerBuffer is the backlog of lifecycle events awaiting the audit
	// log. Events beyond it are dropped and counted on the bus.
	observerBuffer = 256
)

// Options holds the dependencies New does not build itself.
type Options struct {
	Config *config.Config
	Logger *slog.Logger
	// Instrumentation is optional. Without it, or when it is disabled,
	// no metrics server is started.
	Instrumentation *instrumentation.Provider
	Audit           instrumentation.AuditLoggingConfig
}

// App is a fully wired gateway.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	registry   *provider.Registry
	sessions   *session.Manager
	bus        *events.Bus
	controller *server.Controller
	health     *server.HealthChecker
	audit      *instrumentation.AuditLogger

	httpServer    *http.Server
	metricsServer *server.MetricsServer

	stopObserving func()
	observerDone  chan struct{}
}

// New builds the gateway: providers, session store, processors and
// plugins. The session store connection is opened here; call Shutdown to
// release it even if Run is never called.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var metrics *instrumentation.Metrics
	if opts.Instrumentation != nil {
		metrics = opts.Instrumentation.Metrics()
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: provider.NewRegistry(),
		bus:      events.NewBus(logger),
		health:   server.NewHealthChecker(),
		audit:    instrumentation.NewAuditLogger(logger, opts.Audit),
	}

	providers, err := BuildProviders(cfg, logger)
	if err != nil {
		return nil, err
	}
	for _, p := range providers {
		if err := a.registry.Register(p); err != nil {
			return nil, fmt.Errorf("register provider %s: %w", p.Name(), err)
		}
	}

	store, err := newStore(cfg.Session)
	if err != nil {
		return nil, err
	}
	a.sessions = session.NewManager(store, session.Options{
		Lifetime:   cfg.Session.Lifetime,
		GCInterval: cfg.Session.GCInterval,
		Logger:     logger,
		Metrics:    metrics,
	})
	a.health.AddCheck("sessions", a.sessions.Ping)

	plugins, err := buildPlugins(cfg, logger)
	if err != nil {
		_ = a.sessions.Close()
		return nil, err
	}
	for _, p := range plugins {
		p.Attach(a.bus)
		logger.Debug("plugin attached", slog.String("plugin", p.Name()))
	}

	processor, err := auth.NewProcessor(auth.Options{
		Registry:        a.registry,
		Sessions:        a.sessions,
		Bus:             a.bus,
		Logger:          logger,
		Metrics:         metrics,
		Audit:           a.audit,
		Limiter:         auth.NewLimiter(cfg.Auth.RateLimit, cfg.Auth.RateBurst),
		TrustForwarded:  cfg.Auth.TrustForwarded,
		Prompt:          cfg.Auth.Prompt,
		ProviderTimeout: cfg.Auth.ProviderTimeout,
	})
	if err != nil {
		_ = a.sessions.Close()
		return nil, err
	}

	dispatcher, err := jmap.NewDispatcher(jmap.Options{
		Registry:    a.registry,
		Authorizer:  processor,
		Bus:         a.bus,
		Logger:      logger,
		Metrics:     metrics,
		Audit:       a.audit,
		CallTimeout: cfg.JMAP.CallTimeout,
		MaxCalls:    cfg.JMAP.MaxCallsInRequest,
	})
	if err != nil {
		_ = a.sessions.Close()
		return nil, err
	}

	a.controller = server.NewController(server.Options{
		BasePath: cfg.Server.BasePath,
		BaseURL:  cfg.Server.BaseURL,
		Bus:      a.bus,
		Logger:   logger,
		Metrics:  metrics,
	})
	a.controller.AddProcessor(processor)
	a.controller.AddProcessor(dispatcher)

	a.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	if opts.Instrumentation != nil && opts.Instrumentation.Enabled() && cfg.Server.MetricsAddr != "" {
		a.metricsServer, err = server.NewMetricsServer(server.MetricsServerConfig{
			Addr:                    cfg.Server.MetricsAddr,
			InstrumentationProvider: opts.Instrumentation,
			Logger:                  logger,
		})
		if err != nil {
			_ = a.sessions.Close()
			return nil, fmt.Errorf("failed to create metrics server: %w", err)
		}
	}

	a.observe()

	logger.Info("gateway configured",
		slog.Any("providers", cfg.Providers.Enabled),
		slog.Any("plugins", cfg.Plugins.Enabled),
		slog.String("sessions", cfg.Session.Backend))
	return a, nil
}

// Handler returns the main HTTP handler: the health probes plus the JMAP
// routes under the configured base path.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.RegisterHealthEndpoints(mux)
	mux.Handle("/", a.controller)
	return mux
}

// Registry returns the provider registry.
func (a *App) Registry() *provider.Registry { return a.registry }

// Health returns the health checker served on the main listener.
func (a *App) Health() *server.HealthChecker { return a.health }

// observe forwards every lifecycle event to the audit log.
func (a *App) observe() {
	deliveries, stop := a.bus.Observe(observerBuffer)
	a.stopObserving = stop
	a.observerDone = make(chan struct{})
	go func() {
		defer close(a.observerDone)
		for d := range deliveries {
			a.audit.LogEvent(context.Background(), string(d.Name), d.Attrs)
		}
	}()
}

// Run listens on the configured addresses and serves until ctx is done or
// a server fails, then shuts down.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return err
	}
	var metricsLn net.Listener
	if a.metricsServer != nil {
		metricsLn, err = net.Listen("tcp", a.metricsServer.Addr())
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("metrics listener: %w", err)
		}
	}
	return a.Serve(ctx, ln, metricsLn)
}

// Serve is Run on existing listeners. metricsLn may be nil.
func (a *App) Serve(ctx context.Context, ln, metricsLn net.Listener) error {
	errCh := make(chan error, 2)

	go func() {
		a.logger.Info("starting JMAP gateway", slog.String("addr", ln.Addr().String()))
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	if a.metricsServer != nil && metricsLn != nil {
		go func() {
			if err := a.metricsServer.Serve(metricsLn); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case serveErr = <-errCh:
		a.logger.Error("server failed", slog.String("error", serveErr.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, a.Shutdown(shutdownCtx))
}

// Shutdown fails readiness, drains the HTTP servers, stops the audit
// observer and closes the session store.
func (a *App) Shutdown(ctx context.Context) error {
	a.health.SetShuttingDown()

	var errs []error
	if err := a.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	a.stopObserving()
	select {
	case <-a.observerDone:
	case <-ctx.Done():
	}

	if err := a.sessions.Close(); err != nil {
		errs = append(errs, fmt.Errorf("session store close: %w", err))
	}
	if dropped := a.bus.Dropped(); dropped > 0 {
		a.logger.Warn("lifecycle events dropped by the audit observer", slog.Int64("count", dropped))
	}
	return errors.Join(errs...)
}
