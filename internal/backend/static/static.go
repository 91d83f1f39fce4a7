// Package static authenticates users listed in the configuration file.
//
// Passwords are stored as bcrypt hashes (see the hash-password command). The
// provider serves no JMAP methods of its own; it only contributes the
// configured accounts to the login payload and to getAccounts.
package static

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/crypto/bcrypt"

	"github.com/teemow/jmapgate/internal/logging"
	"github.com/teemow/jmapgate/internal/provider"
)

// Name is the provider name used in config and logs.
const Name = "static"

// AccountConfig is one account of a configured user.
type AccountConfig struct {
	ID       string `toml:"id"`
	Name     string `toml:"name"`
	Primary  bool   `toml:"primary"`
	ReadOnly bool   `toml:"read_only"`
}

// User is a configured login.
type User struct {
	Username     string          `toml:"username"`
	PasswordHash string          `toml:"password_hash"`
	Name         string          `toml:"name"`
	Accounts     []AccountConfig `toml:"accounts"`
}

// Config lists the users and the services their accounts offer.
type Config struct {
	Users    []User   `toml:"users"`
	Services []string `toml:"services"`
}

// Provider checks passwords against the configured bcrypt hashes.
type Provider struct {
	users    map[string]User
	services []string
	logger   *slog.Logger
	// dummy is compared against when the user is unknown so that both
	// paths cost one bcrypt comparison.
	dummy []byte
}

// New builds a Provider from cfg.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	users := make(map[string]User, len(cfg.Users))
	for i, u := range cfg.Users {
		if u.Username == "" {
			return nil, fmt.Errorf("static: user %d has no username", i)
		}
		if _, dup := users[u.Username]; dup {
			return nil, fmt.Errorf("static: duplicate user %q", u.Username)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("static: user %q: invalid password hash: %w", u.Username, err)
		}
		users[u.Username] = u
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("jmapgate"), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}

	return &Provider{
		users:    users,
		services: slices.Clone(cfg.Services),
		logger:   logging.WithProvider(logger, Name),
		dummy:    dummy,
	}, nil
}

// HashPassword returns the bcrypt hash stored as password_hash.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (p *Provider) Name() string { return Name }

func (p *Provider) AuthMethods() []provider.AuthMethod {
	return []provider.AuthMethod{{Type: "password"}}
}

// Authenticate accepts a matching password. Unknown users and wrong
// passwords continue the chain so other providers get their turn.
func (p *Provider) Authenticate(_ context.Context, req provider.AuthRequest) (provider.AuthResult, error) {
	if req.Type != "password" || req.Value == "" {
		return provider.Continue(), nil
	}

	u, ok := p.users[req.Username]
	hash := []byte(u.PasswordHash)
	if !ok {
		hash = p.dummy
	}
	err := bcrypt.CompareHashAndPassword(hash, []byte(req.Value))
	switch {
	case err == nil && ok:
		return provider.Success(&provider.Identity{Username: u.Username, Name: u.Name}), nil
	case err == nil, errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		p.logger.Debug("Password rejected", logging.UserHash(req.Username))
		return provider.Continue(), nil
	default:
		return provider.AuthResult{}, fmt.Errorf("static: compare password: %w", err)
	}
}

func (p *Provider) Methods() []string { return nil }

func (p *Provider) Services() []string { return p.services }

// Accounts returns the configured accounts of the user.
func (p *Provider) Accounts(_ context.Context, id *provider.Identity) ([]provider.Account, error) {
	if id == nil {
		return nil, nil
	}
	u, ok := p.users[id.Username]
	if !ok {
		return nil, nil
	}
	accounts := make([]provider.Account, 0, len(u.Accounts))
	for _, a := range u.Accounts {
		name := a.Name
		if name == "" {
			name = u.Username
		}
		accounts = append(accounts, provider.Account{
			ID:         a.ID,
			Name:       name,
			IsPrimary:  a.Primary,
			IsReadOnly: a.ReadOnly,
		})
	}
	return accounts, nil
}

func (p *Provider) Invoke(context.Context, provider.Call) ([]provider.Invocation, error) {
	return nil, nil
}
