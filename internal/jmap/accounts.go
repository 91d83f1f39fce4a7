package jmap

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/teemow/jmapgate/internal/instrumentation"
	"github.com/teemow/jmapgate/internal/logging"
	"github.com/teemow/jmapgate/internal/provider"
)

// MethodGetAccounts is served by the dispatcher itself, ahead of any
// provider that also declares it.
const MethodGetAccounts = "getAccounts"

// accountsState is the state string of getAccounts results. Account lists
// are not versioned.
const accountsState = "0000"

// defaultServiceFlags are reported as false on accounts that no provider
// marks with them.
var defaultServiceFlags = []string{"hasMail", "hasContacts", "hasCalendars"}

type accountsProvider struct {
	d *Dispatcher
}

func (a *accountsProvider) Name() string       { return "core" }
func (a *accountsProvider) Methods() []string  { return []string{MethodGetAccounts} }
func (a *accountsProvider) Services() []string { return nil }

func (a *accountsProvider) Accounts(context.Context, *provider.Identity) ([]provider.Account, error) {
	return nil, nil
}

func (a *accountsProvider) Invoke(ctx context.Context, call provider.Call) ([]provider.Invocation, error) {
	accounts, err := a.d.MergedAccounts(ctx, call.Identity)
	if err != nil {
		return nil, err
	}

	list := make([]any, 0, len(accounts))
	for _, acc := range accounts {
		list = append(list, acc.Map())
	}
	return []provider.Invocation{{
		Name: "accounts",
		Args: map[string]any{"state": accountsState, "list": list},
	}}, nil
}

// MergedAccounts collects the accounts of every command provider.
// Accounts sharing an id are merged: fields of the earlier provider win,
// missing ones are filled from later providers. Each provider's services
// set the matching has<Service> flag on its accounts; flags no provider
// sets are false. Accounts without an id are skipped.
func (d *Dispatcher) MergedAccounts(ctx context.Context, id *provider.Identity) ([]provider.Account, error) {
	var merged []*provider.Account
	byID := make(map[string]*provider.Account)
	flags := append([]string(nil), defaultServiceFlags...)

	for _, cp := range d.registry.CommandProviders() {
		accounts, err := d.listAccounts(ctx, cp, id)
		if err != nil {
			return nil, err
		}

		services := cp.Services()
		for _, s := range services {
			flags = append(flags, provider.ServiceFlag(s))
		}

		for _, acc := range accounts {
			if acc.ID == "" {
				d.logger.WarnContext(ctx, "skipping account without id", logging.Provider(cp.Name()))
				continue
			}
			acc.Services = withServices(acc.Services, services)
			if existing, ok := byID[acc.ID]; ok {
				existing.Fill(acc)
				continue
			}
			a := acc
			a.Properties = maps.Clone(acc.Properties)
			byID[a.ID] = &a
			merged = append(merged, &a)
		}
	}

	out := make([]provider.Account, 0, len(merged))
	for _, acc := range merged {
		for _, flag := range flags {
			if _, ok := acc.Services[flag]; !ok {
				acc.Services[flag] = false
			}
		}
		out = append(out, *acc)
	}
	return out, nil
}

func withServices(existing map[string]bool, services []string) map[string]bool {
	out := make(map[string]bool, len(existing)+len(services))
	maps.Copy(out, existing)
	for _, s := range services {
		out[provider.ServiceFlag(s)] = true
	}
	return out
}

func (d *Dispatcher) listAccounts(ctx context.Context, cp provider.CommandProvider, id *provider.Identity) ([]provider.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	accounts, err := cp.Accounts(ctx, id)
	status := instrumentation.StatusSuccess
	if err != nil {
		status = instrumentation.StatusError
	}
	d.metrics.RecordProviderCall(ctx, cp.Name(), instrumentation.CallKindAccounts, status, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts of %s: %w", cp.Name(), err)
	}
	return accounts, nil
}
