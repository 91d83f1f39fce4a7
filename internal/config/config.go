// Package config loads the gateway configuration.
//
// Values are layered: Default, then an optional TOML file, then environment
// variables prefixed with JMAPGATE_. The serve command applies explicitly
// set flags on top.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/teemow/jmapgate/internal/auth"
	"github.com/teemow/jmapgate/internal/backend/jmapproxy"
	"github.com/teemow/jmapgate/internal/backend/static"
	"github.com/teemow/jmapgate/internal/jmap"
	"github.com/teemow/jmapgate/internal/plugins/mailboxfilter"
	"github.com/teemow/jmapgate/internal/server"
	"github.com/teemow/jmapgate/internal/session"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "JMAPGATE_"

// Session backends.
const (
	BackendMemory = "memory"
	BackendValkey = "valkey"
	BackendRedis  = "redis"
)

// Plugin names.
const (
	PluginNFactor       = "nfactor"
	PluginLegacyCaps    = "legacycaps"
	PluginMailboxFilter = "mailboxfilter"
)

//go:embed config.example.toml
var example []byte

// Config is the complete gateway configuration.
type Config struct {
	Server    ServerConfig    `toml:"server" envPrefix:"SERVER_"`
	Session   SessionConfig   `toml:"session" envPrefix:"SESSION_"`
	Auth      AuthConfig      `toml:"auth" envPrefix:"AUTH_"`
	JMAP      JMAPConfig      `toml:"jmap" envPrefix:"JMAP_"`
	Providers ProvidersConfig `toml:"providers" envPrefix:"PROVIDERS_"`
	Plugins   PluginsConfig   `toml:"plugins" envPrefix:"PLUGINS_"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Addr string `toml:"addr" env:"ADDR"`
	// BasePath is the path prefix of every JMAP route.
	BasePath string `toml:"base_path" env:"BASE_PATH"`
	// BaseURL overrides the scheme and host of published endpoint URLs.
	BaseURL string `toml:"base_url" env:"BASE_URL"`
	// MetricsAddr is the address of the separate /metrics listener.
	MetricsAddr     string        `toml:"metrics_addr" env:"METRICS_ADDR"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// SessionConfig selects and configures the continuation session store.
type SessionConfig struct {
	Backend    string        `toml:"backend" env:"BACKEND"`
	Lifetime   time.Duration `toml:"lifetime" env:"LIFETIME"`
	GCInterval time.Duration `toml:"gc_interval" env:"GC_INTERVAL"`
	Valkey     ValkeyConfig  `toml:"valkey" envPrefix:"VALKEY_"`
	Redis      RedisConfig   `toml:"redis" envPrefix:"REDIS_"`
}

type ValkeyConfig struct {
	Addr       string `toml:"addr" env:"ADDR"`
	Password   string `toml:"password" env:"PASSWORD"`
	DB         int    `toml:"db" env:"DB"`
	TLSEnabled bool   `toml:"tls" env:"TLS"`
	KeyPrefix  string `toml:"key_prefix" env:"KEY_PREFIX"`
}

type RedisConfig struct {
	Addr      string `toml:"addr" env:"ADDR"`
	Password  string `toml:"password" env:"PASSWORD"`
	DB        int    `toml:"db" env:"DB"`
	KeyPrefix string `toml:"key_prefix" env:"KEY_PREFIX"`
}

// AuthConfig configures the login flow.
type AuthConfig struct {
	Prompt          string        `toml:"prompt" env:"PROMPT"`
	ProviderTimeout time.Duration `toml:"provider_timeout" env:"PROVIDER_TIMEOUT"`
	// RateLimit is the sustained number of POST /auth requests per second
	// and client. Zero disables throttling.
	RateLimit      float64 `toml:"rate_limit" env:"RATE_LIMIT"`
	RateBurst      int     `toml:"rate_burst" env:"RATE_BURST"`
	TrustForwarded bool    `toml:"trust_forwarded" env:"TRUST_FORWARDED"`
}

// JMAPConfig configures the command dispatcher.
type JMAPConfig struct {
	CallTimeout       time.Duration `toml:"call_timeout" env:"CALL_TIMEOUT"`
	MaxCallsInRequest int           `toml:"max_calls_in_request" env:"MAX_CALLS_IN_REQUEST"`
}

// ProvidersConfig lists the enabled providers in chain order and their
// settings.
type ProvidersConfig struct {
	Enabled   []string         `toml:"enabled" env:"ENABLED"`
	Static    static.Config    `toml:"static"`
	JMAPProxy jmapproxy.Config `toml:"jmapproxy" envPrefix:"JMAPPROXY_"`
}

// PluginsConfig lists the enabled plugins in hook order and their settings.
type PluginsConfig struct {
	Enabled       []string              `toml:"enabled" env:"ENABLED"`
	NFactor       NFactorConfig         `toml:"nfactor" envPrefix:"NFACTOR_"`
	MailboxFilter mailboxfilter.Options `toml:"mailboxfilter"`
}

type NFactorConfig struct {
	Secret     string            `toml:"secret" env:"SECRET"`
	Users      map[string]string `toml:"users"`
	StaticCode string            `toml:"static_code" env:"STATIC_CODE"`
	Prompt     string            `toml:"prompt" env:"PROMPT"`
}

// Default returns the built-in configuration: an in-memory session store
// and the upstream proxy as the only provider. The upstream URL has no
// default, so Default alone does not validate.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			BasePath:        "/",
			MetricsAddr:     server.DefaultMetricsAddr,
			ShutdownTimeout: server.DefaultShutdownTimeout,
		},
		Session: SessionConfig{
			Backend:    BackendMemory,
			Lifetime:   session.DefaultLifetime,
			GCInterval: session.DefaultGCInterval,
			Valkey:     ValkeyConfig{KeyPrefix: session.DefaultKeyPrefix},
			Redis:      RedisConfig{KeyPrefix: session.DefaultKeyPrefix},
		},
		Auth: AuthConfig{
			ProviderTimeout: auth.DefaultProviderTimeout,
			RateLimit:       5,
			RateBurst:       10,
		},
		JMAP: JMAPConfig{
			CallTimeout: jmap.DefaultCallTimeout,
		},
		Providers: ProvidersConfig{
			Enabled: []string{jmapproxy.Name},
			JMAPProxy: jmapproxy.Config{
				Timeout: jmapproxy.DefaultTimeout,
			},
		},
	}
}

// Load builds the configuration from the defaults, the TOML file at path
// (skipped when empty) and the environment. Unknown keys in the file are an
// error. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys in config %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// Validate reports every configuration error at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Addr == "" {
		add("server.addr is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		add("server.shutdown_timeout must be positive")
	}

	switch c.Session.Backend {
	case BackendMemory:
	case BackendValkey:
		if c.Session.Valkey.Addr == "" {
			add("session.valkey.addr is required for the valkey backend")
		}
	case BackendRedis:
		if c.Session.Redis.Addr == "" {
			add("session.redis.addr is required for the redis backend")
		}
	default:
		add("unknown session backend %q", c.Session.Backend)
	}
	if c.Session.Lifetime <= 0 {
		add("session.lifetime must be positive")
	}
	if c.Session.GCInterval <= 0 {
		add("session.gc_interval must be positive")
	}

	if c.Auth.ProviderTimeout <= 0 {
		add("auth.provider_timeout must be positive")
	}
	if c.Auth.RateLimit < 0 {
		add("auth.rate_limit must not be negative")
	}
	if c.Auth.RateLimit > 0 && c.Auth.RateBurst < 1 {
		add("auth.rate_burst must be at least 1 when rate limiting")
	}
	if c.JMAP.CallTimeout <= 0 {
		add("jmap.call_timeout must be positive")
	}
	if c.JMAP.MaxCallsInRequest < 0 {
		add("jmap.max_calls_in_request must not be negative")
	}

	if len(c.Providers.Enabled) == 0 {
		add("at least one provider must be enabled")
	}
	for _, name := range duplicates(c.Providers.Enabled) {
		add("provider %q is enabled twice", name)
	}
	for _, name := range c.Providers.Enabled {
		switch name {
		case static.Name:
			if len(c.Providers.Static.Users) == 0 {
				add("providers.static has no users")
			}
		case jmapproxy.Name:
			if c.Providers.JMAPProxy.URL == "" {
				add("providers.jmapproxy.url is required")
			}
			if c.Providers.JMAPProxy.Timeout <= 0 {
				add("providers.jmapproxy.timeout must be positive")
			}
		default:
			add("unknown provider %q", name)
		}
	}

	for _, name := range duplicates(c.Plugins.Enabled) {
		add("plugin %q is enabled twice", name)
	}
	for _, name := range c.Plugins.Enabled {
		switch name {
		case PluginNFactor:
			n := c.Plugins.NFactor
			if n.Secret == "" && n.StaticCode == "" && len(n.Users) == 0 {
				add("plugins.nfactor needs a secret, users or a static_code")
			}
		case PluginLegacyCaps, PluginMailboxFilter:
		default:
			add("unknown plugin %q", name)
		}
	}

	return errors.Join(errs...)
}

// PluginEnabled reports whether the named plugin is enabled.
func (c *Config) PluginEnabled(name string) bool {
	return slices.Contains(c.Plugins.Enabled, name)
}

// Example returns the annotated example configuration file.
func Example() []byte {
	return slices.Clone(example)
}

// WriteExample writes the example configuration to path. An existing file
// is never overwritten.
func WriteExample(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if _, err := f.Write(example); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return f.Close()
}

func duplicates(names []string) []string {
	seen := make(map[string]bool, len(names))
	var dup []string
	for _, n := range names {
		if seen[n] && !slices.Contains(dup, n) {
			dup = append(dup, n)
		}
		seen[n] = true
	}
	return dup
}
