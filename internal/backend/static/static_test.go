package static

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/teemow/jmapgate/internal/provider"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	hash, err := HashPassword("secret", bcrypt.MinCost)
	require.NoError(t, err)

	p, err := New(Config{
		Services: []string{"Contacts"},
		Users: []User{{
			Username:     "jane",
			PasswordHash: hash,
			Name:         "Jane Doe",
			Accounts: []AccountConfig{
				{ID: "a1", Primary: true},
				{ID: "shared", Name: "Shared", ReadOnly: true},
			},
		}},
	}, nil)
	require.NoError(t, err)
	return p
}

func TestNewRejectsBadUsers(t *testing.T) {
	hash, err := HashPassword("x", bcrypt.MinCost)
	require.NoError(t, err)

	tests := []struct {
		name  string
		users []User
	}{
		{name: "missing username", users: []User{{PasswordHash: hash}}},
		{name: "plain password", users: []User{{Username: "jane", PasswordHash: "secret"}}},
		{name: "duplicate", users: []User{
			{Username: "jane", PasswordHash: hash},
			{Username: "jane", PasswordHash: hash},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Config{Users: tt.users}, nil)
			assert.Error(t, err)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	p := newTestProvider(t)

	tests := []struct {
		name string
		req  provider.AuthRequest
		want provider.Outcome
	}{
		{name: "match", req: provider.AuthRequest{Username: "jane", Type: "password", Value: "secret"}, want: provider.OutcomeSuccess},
		{name: "wrong password", req: provider.AuthRequest{Username: "jane", Type: "password", Value: "nope"}, want: provider.OutcomeContinue},
		{name: "unknown user", req: provider.AuthRequest{Username: "john", Type: "password", Value: "secret"}, want: provider.OutcomeContinue},
		{name: "unknown user with dummy password", req: provider.AuthRequest{Username: "john", Type: "password", Value: "jmapgate"}, want: provider.OutcomeContinue},
		{name: "empty value", req: provider.AuthRequest{Username: "jane", Type: "password"}, want: provider.OutcomeContinue},
		{name: "other method", req: provider.AuthRequest{Username: "jane", Type: "totp", Value: "secret"}, want: provider.OutcomeContinue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := p.Authenticate(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outcome)
			if tt.want == provider.OutcomeSuccess {
				assert.Equal(t, "jane", res.Identity.Username)
				assert.Equal(t, "Jane Doe", res.Identity.Name)
			}
		})
	}
}

func TestAccounts(t *testing.T) {
	p := newTestProvider(t)

	accounts, err := p.Accounts(context.Background(), &provider.Identity{Username: "jane"})
	require.NoError(t, err)
	assert.Equal(t, []provider.Account{
		{ID: "a1", Name: "jane", IsPrimary: true},
		{ID: "shared", Name: "Shared", IsReadOnly: true},
	}, accounts)

	accounts, err = p.Accounts(context.Background(), &provider.Identity{Username: "john"})
	require.NoError(t, err)
	assert.Empty(t, accounts)

	assert.Equal(t, []string{"Contacts"}, p.Services())
	assert.Empty(t, p.Methods())
}

func TestRegistersAsBothRoles(t *testing.T) {
	p := newTestProvider(t)
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(p))

	assert.Len(t, reg.AuthProviders(), 1)
	assert.Len(t, reg.CommandProviders(), 1)
	assert.Empty(t, reg.MethodProviders("getMailboxes"))
}
