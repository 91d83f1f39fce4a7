package app

import (
	"fmt"
	"log/slog"

	"github.com/teemow/jmapgate/internal/backend/jmapproxy"
	"github.com/teemow/jmapgate/internal/backend/static"
	"github.com/teemow/jmapgate/internal/config"
	"github.com/teemow/jmapgate/internal/plugins"
	"github.com/teemow/jmapgate/internal/plugins/legacycaps"
	"github.com/teemow/jmapgate/internal/plugins/mailboxfilter"
	"github.com/teemow/jmapgate/internal/plugins/nfactor"
	"github.com/teemow/jmapgate/internal/provider"
	"github.com/teemow/jmapgate/internal/session"
)

// BuildProviders creates the enabled providers in chain order. It opens no
// connections, so it is also used to describe a configuration offline.
func BuildProviders(cfg *config.Config, logger *slog.Logger) ([]provider.Provider, error) {
	out := make([]provider.Provider, 0, len(cfg.Providers.Enabled))
	for _, name := range cfg.Providers.Enabled {
		var (
			p   provider.Provider
			err error
		)
		switch name {
		case static.Name:
			p, err = static.New(cfg.Providers.Static, logger)
		case jmapproxy.Name:
			p, err = jmapproxy.New(cfg.Providers.JMAPProxy, logger)
		default:
			err = fmt.Errorf("unknown provider %q", name)
		}
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// buildPlugins creates the enabled plugins in hook order.
func buildPlugins(cfg *config.Config, logger *slog.Logger) ([]plugins.Plugin, error) {
	out := make([]plugins.Plugin, 0, len(cfg.Plugins.Enabled))
	for _, name := range cfg.Plugins.Enabled {
		switch name {
		case config.PluginNFactor:
			n := cfg.Plugins.NFactor
			p, err := nfactor.New(nfactor.Options{
				Secret:     n.Secret,
				Users:      n.Users,
				StaticCode: n.StaticCode,
				Prompt:     n.Prompt,
				Logger:     logger,
			})
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		case config.PluginLegacyCaps:
			out = append(out, legacycaps.New())
		case config.PluginMailboxFilter:
			out = append(out, mailboxfilter.New(cfg.Plugins.MailboxFilter))
		default:
			return nil, fmt.Errorf("unknown plugin %q", name)
		}
	}
	return out, nil
}

// newStore opens the configured session backend.
func newStore(cfg config.SessionConfig) (session.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return session.NewMemoryStore(), nil
	case config.BackendValkey:
		store, err := session.NewValkeyStore(session.ValkeyConfig{
			Addr:       cfg.Valkey.Addr,
			Password:   cfg.Valkey.Password,
			DB:         cfg.Valkey.DB,
			TLSEnabled: cfg.Valkey.TLSEnabled,
			KeyPrefix:  cfg.Valkey.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendRedis:
		store, err := session.NewRedisStore(session.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}
