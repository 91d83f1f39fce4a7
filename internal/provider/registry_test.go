package provider_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/jmapgate/internal/provider"
	"github.com/teemow/jmapgate/internal/provider/providertest"
)

type named string

func (n named) Name() string { return string(n) }

func TestRegistry_RegisterRoles(t *testing.T) {
	r := provider.NewRegistry()

	auth := &providertest.Password{Secret: "123456"}
	cmds := &providertest.Commands{Handlers: map[string]providertest.HandlerFunc{
		"getMailboxes": providertest.Reply("mailboxes", nil),
		"getThreads":   providertest.Reply("threads", nil),
	}}

	require.NoError(t, r.Register(auth))
	require.NoError(t, r.Register(cmds))

	assert.Len(t, r.AuthProviders(), 1)
	assert.Len(t, r.CommandProviders(), 1)
	assert.Len(t, r.MethodProviders("getMailboxes"), 1)
	assert.Empty(t, r.MethodProviders("getMessages"))

	err := r.Register(named("nothing"))
	assert.ErrorIs(t, err, provider.ErrNoRole)
}

func TestRegistry_Dedupe(t *testing.T) {
	r := provider.NewRegistry()
	auth := &providertest.Password{Secret: "a"}

	require.NoError(t, r.Register(auth))
	require.NoError(t, r.Register(auth))
	assert.Len(t, r.AuthProviders(), 1)

	other := &providertest.Password{Secret: "a"}
	require.NoError(t, r.Register(other))
	assert.Len(t, r.AuthProviders(), 2, "equal values are distinct instances")
}

func TestRegistry_PrependMovesToFront(t *testing.T) {
	r := provider.NewRegistry()
	a := &providertest.Password{ProviderName: "a"}
	b := &providertest.Password{ProviderName: "b"}

	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	require.NoError(t, r.Prepend(b))

	names := []string{}
	for _, p := range r.AuthProviders() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"b", "a"}, names)
}

func TestRegistry_PrependMethod(t *testing.T) {
	r := provider.NewRegistry()
	first := &providertest.Commands{ProviderName: "first", Handlers: map[string]providertest.HandlerFunc{"getMessages": nil}}
	second := &providertest.Commands{ProviderName: "second", Handlers: map[string]providertest.HandlerFunc{"getMessages": nil}}

	require.NoError(t, r.Register(first))
	require.NoError(t, r.Register(second))
	r.PrependMethod("getMessages", second)

	chain := r.MethodProviders("getMessages")
	require.Len(t, chain, 2)
	assert.Equal(t, "second", chain[0].Name())
	assert.Equal(t, "first", r.CommandProviders()[0].Name(), "registration order is untouched")
}

func TestChain_ScopedToAttempt(t *testing.T) {
	r := provider.NewRegistry()
	pw := &providertest.Password{}
	require.NoError(t, r.Register(pw))

	chain := r.NewChain()
	totp := &providertest.Rejector{Type: "totp"}
	chain.Prepend(totp)
	chain.Prepend(totp)

	assert.Len(t, chain.Providers("totp"), 1)
	assert.Len(t, chain.Providers("password"), 1)
	assert.Empty(t, chain.Providers(""), "an empty type selects nothing")
	assert.Equal(t, []provider.AuthMethod{{Type: "totp"}, {Type: "password"}}, chain.Methods())

	assert.Len(t, r.AuthProviders(), 1, "registry must not see per-attempt changes")
	assert.Equal(t, []provider.AuthMethod{{Type: "password"}}, r.AuthMethods())
}

func TestRegistry_AuthMethodsDedupeByType(t *testing.T) {
	r := provider.NewRegistry()
	require.NoError(t, r.Register(&providertest.Password{ProviderName: "one"}))
	require.NoError(t, r.Register(&providertest.Password{ProviderName: "two"}))

	assert.Equal(t, []provider.AuthMethod{{Type: "password"}}, r.AuthMethods())
}

func TestRegistry_ConcurrentReads(t *testing.T) {
	r := provider.NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.Register(&providertest.Password{})
		}()
		go func() {
			defer wg.Done()
			_ = r.AuthProviders()
			_ = r.AuthMethods()
		}()
	}
	wg.Wait()
	assert.Len(t, r.AuthProviders(), 20)
}
