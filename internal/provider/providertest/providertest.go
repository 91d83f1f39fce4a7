// Package providertest provides in-memory providers for tests.
package providertest

import (
	"context"
	"io"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/teemow/jmapgate/internal/provider"
)

// FakeAccounts returns a primary and a secondary account.
func FakeAccounts() []provider.Account {
	return []provider.Account{
		{ID: "12345", Name: "Fake Account", IsPrimary: true},
		{ID: "98765", Name: "Secondary Account"},
	}
}

// Password accepts the "password" method when the value equals Secret.
// Any other value continues the chain.
type Password struct {
	ProviderName string
	Secret       string
	AccountList  []provider.Account
	// Err, when set, is returned from every Authenticate call.
	Err error

	calls atomic.Int64
}

func (p *Password) Name() string {
	if p.ProviderName == "" {
		return "password-mock"
	}
	return p.ProviderName
}

func (p *Password) AuthMethods() []provider.AuthMethod {
	return []provider.AuthMethod{{Type: "password"}}
}

func (p *Password) Authenticate(_ context.Context, req provider.AuthRequest) (provider.AuthResult, error) {
	p.calls.Add(1)
	if p.Err != nil {
		return provider.AuthResult{}, p.Err
	}
	if req.Type == "password" && req.Value == p.Secret {
		return provider.Success(&provider.Identity{Username: req.Username}), nil
	}
	return provider.Continue(), nil
}

func (p *Password) Accounts(context.Context, *provider.Identity) ([]provider.Account, error) {
	return slices.Clone(p.AccountList), nil
}

// Calls returns how often Authenticate ran.
func (p *Password) Calls() int64 { return p.calls.Load() }

// Rejector aborts every attempt of its method type.
type Rejector struct {
	Type   string
	Reason string
}

func (r *Rejector) Name() string { return "rejector" }
func (r *Rejector) AuthMethods() []provider.AuthMethod {
	return []provider.AuthMethod{{Type: r.Type}}
}
func (r *Rejector) Authenticate(context.Context, provider.AuthRequest) (provider.AuthResult, error) {
	return provider.Abort(r.Reason), nil
}

// HandlerFunc serves one method of Commands.
type HandlerFunc func(ctx context.Context, call provider.Call) ([]provider.Invocation, error)

// Commands is a command provider backed by a map of handlers.
type Commands struct {
	ProviderName string
	Handlers     map[string]HandlerFunc
	ServiceList  []string
	AccountList  []provider.Account
	// Blobs maps blob ids to content for Download.
	Blobs map[string]string
}

func (c *Commands) Name() string {
	if c.ProviderName == "" {
		return "commands-mock"
	}
	return c.ProviderName
}

func (c *Commands) Methods() []string {
	methods := make([]string, 0, len(c.Handlers))
	for m := range c.Handlers {
		methods = append(methods, m)
	}
	slices.Sort(methods)
	return methods
}

func (c *Commands) Services() []string { return c.ServiceList }

func (c *Commands) Accounts(context.Context, *provider.Identity) ([]provider.Account, error) {
	return slices.Clone(c.AccountList), nil
}

func (c *Commands) Invoke(ctx context.Context, call provider.Call) ([]provider.Invocation, error) {
	h, ok := c.Handlers[call.Method]
	if !ok {
		return nil, nil
	}
	return h(ctx, call)
}

func (c *Commands) Download(_ context.Context, _ *provider.Identity, blobID, _ string) (*provider.Blob, error) {
	data, ok := c.Blobs[blobID]
	if !ok {
		return nil, provider.ErrBlobNotFound
	}
	return &provider.Blob{
		ContentType: "application/octet-stream",
		Size:        int64(len(data)),
		Body:        io.NopCloser(strings.NewReader(data)),
	}, nil
}

// Reply returns a handler that answers with a single result.
func Reply(name string, args map[string]any) HandlerFunc {
	return func(context.Context, provider.Call) ([]provider.Invocation, error) {
		return []provider.Invocation{{Name: name, Args: args}}, nil
	}
}
