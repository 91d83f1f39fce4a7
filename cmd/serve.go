package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/teemow/jmapgate/internal/app"
	"github.com/teemow/jmapgate/internal/config"
	"github.com/teemow/jmapgate/internal/instrumentation"
)

// serveOptions holds the serve flags. Only flags the user set explicitly
// override the file and environment configuration.
type serveOptions struct {
	configFile     string
	debug          bool
	addr           string
	basePath       string
	baseURL        string
	metricsAddr    string
	sessionBackend string
	valkeyAddr     string
	redisAddr      string
	jmapproxyURL   string
	providers      []string
	plugins        []string
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the JMAP gateway",
		Long: `Start the JMAP gateway.

The gateway serves the JMAP authentication, command and download routes
under the configured base path, plus /healthz, /readyz and
/healthz/detailed. When instrumentation is enabled, Prometheus metrics are
served on a separate listener (--metrics-addr).

Session storage:
  memory  Continuation sessions live in process (default)
  valkey  Shared store for multiple replicas (--valkey-addr)
  redis   Shared store for multiple replicas (--redis-addr)

Every setting can also be given in the config file or as a JMAPGATE_*
environment variable, e.g. JMAPGATE_SESSION_BACKEND=valkey.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("config") {
				opts.configFile = os.Getenv(config.EnvPrefix + "CONFIG")
			}
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			applyFlags(cmd.Flags(), &opts, cfg)
			return runServe(cmd.Context(), cfg, opts.debug)
		},
	}

	opts.bind(cmd.Flags())

	return cmd
}

func (o *serveOptions) bind(flags *pflag.FlagSet) {
	flags.StringVarP(&o.configFile, "config", "c", "", "Path to a TOML config file. Can also use JMAPGATE_CONFIG env var.")
	flags.BoolVar(&o.debug, "debug", false, "Enable debug logging")
	flags.StringVar(&o.addr, "addr", "", "HTTP listen address (default \":8080\")")
	flags.StringVar(&o.basePath, "base-path", "", "Path prefix of the JMAP routes (default \"/\")")
	flags.StringVar(&o.baseURL, "base-url", "", "Public base URL used in published endpoint URLs. Example: https://jmap.example.com")
	flags.StringVar(&o.metricsAddr, "metrics-addr", "", "Metrics server address (default \":9090\"). Empty in the config disables it.")
	flags.StringVar(&o.sessionBackend, "session-backend", "", "Continuation session store: memory, valkey or redis")
	flags.StringVar(&o.valkeyAddr, "valkey-addr", "", "Valkey server address (e.g., valkey.namespace.svc:6379)")
	flags.StringVar(&o.redisAddr, "redis-addr", "", "Redis server address (e.g., redis.namespace.svc:6379)")
	flags.StringVar(&o.jmapproxyURL, "jmapproxy-url", "", "Base URL of the upstream JMAP proxy")
	flags.StringSliceVar(&o.providers, "providers", nil, "Enabled providers in chain order (comma-separated): static, jmapproxy")
	flags.StringSliceVar(&o.plugins, "plugins", nil, "Enabled plugins in hook order (comma-separated): nfactor, legacycaps, mailboxfilter")
}

// applyFlags copies the explicitly set flags onto cfg.
func applyFlags(flags *pflag.FlagSet, opts *serveOptions, cfg *config.Config) {
	set := func(name string, dst *string, value string) {
		if flags.Changed(name) {
			*dst = value
		}
	}
	set("addr", &cfg.Server.Addr, opts.addr)
	set("base-path", &cfg.Server.BasePath, opts.basePath)
	set("base-url", &cfg.Server.BaseURL, opts.baseURL)
	set("metrics-addr", &cfg.Server.MetricsAddr, opts.metricsAddr)
	set("session-backend", &cfg.Session.Backend, opts.sessionBackend)
	set("valkey-addr", &cfg.Session.Valkey.Addr, opts.valkeyAddr)
	set("redis-addr", &cfg.Session.Redis.Addr, opts.redisAddr)
	set("jmapproxy-url", &cfg.Providers.JMAPProxy.URL, opts.jmapproxyURL)
	if flags.Changed("providers") {
		cfg.Providers.Enabled = opts.providers
	}
	if flags.Changed("plugins") {
		cfg.Plugins.Enabled = opts.plugins
	}
}

func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func runServe(ctx context.Context, cfg *config.Config, debug bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// Setup graceful shutdown
	shutdownCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := newLogger(os.Stderr, debug)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Initialize instrumentation provider
	instrConfig := instrumentation.DefaultConfig()
	instrConfig.ServiceVersion = version

	provider, err := instrumentation.NewProvider(shutdownCtx, instrConfig)
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		// shutdownCtx is already cancelled once a signal arrived.
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(flushCtx); err != nil {
			logger.Warn("error during instrumentation shutdown", slog.String("error", err.Error()))
		}
	}()

	gateway, err := app.New(shutdownCtx, app.Options{
		Config:          cfg,
		Logger:          logger,
		Instrumentation: provider,
		Audit:           instrConfig.AuditLogging,
	})
	if err != nil {
		return err
	}

	if err := gateway.Run(shutdownCtx); err != nil {
		return err
	}
	logger.Info("gateway gracefully stopped")
	return nil
}
