package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jmapgate.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validConfig() *Config {
	cfg := Default()
	cfg.Providers.JMAPProxy.URL = "https://proxy.example.com"
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, BackendMemory, cfg.Session.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Session.Lifetime)
	assert.Equal(t, []string{"jmapproxy"}, cfg.Providers.Enabled)

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "providers.jmapproxy.url is required")

	assert.NoError(t, validConfig().Validate())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = ":9000"

[session]
backend = "redis"
lifetime = "1h"

[session.redis]
addr = "redis:6379"

[providers]
enabled = ["static", "jmapproxy"]

[providers.jmapproxy]
url = "https://proxy.example.com"

[providers.jmapproxy.signup]
plan = "free"

[[providers.static.users]]
username = "jane"
password_hash = "$2a$04$abc"

[[providers.static.users.accounts]]
id = "a1"
primary = true

[plugins]
enabled = ["nfactor", "mailboxfilter"]

[plugins.nfactor.users]
jane = "JBSWY3DPEHPK3PXP"

[plugins.mailboxfilter]
disallow = ["Spam"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, time.Hour, cfg.Session.Lifetime)
	assert.Equal(t, "redis:6379", cfg.Session.Redis.Addr)
	assert.Equal(t, "jmapgate:session:", cfg.Session.Redis.KeyPrefix, "defaults survive")
	assert.Equal(t, map[string]string{"plan": "free"}, cfg.Providers.JMAPProxy.Signup)
	require.Len(t, cfg.Providers.Static.Users, 1)
	assert.True(t, cfg.Providers.Static.Users[0].Accounts[0].Primary)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", cfg.Plugins.NFactor.Users["jane"])
	assert.Equal(t, []string{"Spam"}, cfg.Plugins.MailboxFilter.Disallow)
	assert.True(t, cfg.PluginEnabled(PluginNFactor))
	assert.False(t, cfg.PluginEnabled(PluginLegacyCaps))
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[server]
adress = ":9000"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.adress")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = ":9000"

[providers.jmapproxy]
url = "https://file.example.com"
`)
	t.Setenv("JMAPGATE_SERVER_ADDR", ":7000")
	t.Setenv("JMAPGATE_SESSION_BACKEND", "valkey")
	t.Setenv("JMAPGATE_SESSION_VALKEY_ADDR", "valkey:6379")
	t.Setenv("JMAPGATE_AUTH_PROVIDER_TIMEOUT", "3s")
	t.Setenv("JMAPGATE_PROVIDERS_JMAPPROXY_URL", "https://env.example.com")
	t.Setenv("JMAPGATE_PLUGINS_ENABLED", "legacycaps,mailboxfilter")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, BackendValkey, cfg.Session.Backend)
	assert.Equal(t, "valkey:6379", cfg.Session.Valkey.Addr)
	assert.Equal(t, 3*time.Second, cfg.Auth.ProviderTimeout)
	assert.Equal(t, "https://env.example.com", cfg.Providers.JMAPProxy.URL)
	assert.Equal(t, []string{"legacycaps", "mailboxfilter"}, cfg.Plugins.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Session.Backend = "etcd" },
			wantErr: `unknown session backend "etcd"`,
		},
		{
			name:    "valkey without addr",
			mutate:  func(c *Config) { c.Session.Backend = BackendValkey },
			wantErr: "session.valkey.addr is required",
		},
		{
			name:    "redis without addr",
			mutate:  func(c *Config) { c.Session.Backend = BackendRedis },
			wantErr: "session.redis.addr is required",
		},
		{
			name:    "no providers",
			mutate:  func(c *Config) { c.Providers.Enabled = nil },
			wantErr: "at least one provider",
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Providers.Enabled = append(c.Providers.Enabled, "ldap") },
			wantErr: `unknown provider "ldap"`,
		},
		{
			name:    "provider twice",
			mutate:  func(c *Config) { c.Providers.Enabled = []string{"jmapproxy", "jmapproxy"} },
			wantErr: `provider "jmapproxy" is enabled twice`,
		},
		{
			name:    "static without users",
			mutate:  func(c *Config) { c.Providers.Enabled = []string{"static"} },
			wantErr: "providers.static has no users",
		},
		{
			name:    "nfactor without secret",
			mutate:  func(c *Config) { c.Plugins.Enabled = []string{PluginNFactor} },
			wantErr: "plugins.nfactor needs a secret",
		},
		{
			name:    "unknown plugin",
			mutate:  func(c *Config) { c.Plugins.Enabled = []string{"spamfilter"} },
			wantErr: `unknown plugin "spamfilter"`,
		},
		{
			name:    "zero call timeout",
			mutate:  func(c *Config) { c.JMAP.CallTimeout = 0 },
			wantErr: "jmap.call_timeout must be positive",
		},
		{
			name:    "negative max calls",
			mutate:  func(c *Config) { c.JMAP.MaxCallsInRequest = -1 },
			wantErr: "jmap.max_calls_in_request",
		},
		{
			name:    "burst without room",
			mutate:  func(c *Config) { c.Auth.RateBurst = 0 },
			wantErr: "auth.rate_burst",
		},
		{
			name:   "rate limiting off",
			mutate: func(c *Config) { c.Auth.RateLimit, c.Auth.RateBurst = 0, 0 },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateReportsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Session.Backend = "etcd"
	cfg.Auth.ProviderTimeout = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown session backend")
	assert.Contains(t, err.Error(), "auth.provider_timeout")
}

func TestExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jmapgate.toml")
	require.NoError(t, WriteExample(path))
	assert.Error(t, WriteExample(path), "existing files are kept")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "https://proxy.jmap.io", cfg.Providers.JMAPProxy.URL)
	assert.Equal(t, []string{"Mail"}, cfg.Providers.Static.Services)
	assert.Equal(t, Example(), mustRead(t, path))
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}
