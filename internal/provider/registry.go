package provider

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
)

// ErrNoRole is returned when registering a value that is neither an
// AuthProvider nor a CommandProvider.
var ErrNoRole = errors.New("provider implements no known role")

// Registry holds the ordered auth and command providers of a gateway.
// It is safe for concurrent use; reads return copies.
type Registry struct {
	mu      sync.RWMutex
	auth    []AuthProvider
	command []CommandProvider
	methods map[string][]CommandProvider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string][]CommandProvider)}
}

// Register appends p to every role list it implements. Registering the
// same instance twice is a no-op.
func (r *Registry) Register(p Provider) error {
	return r.add(p, false)
}

// Prepend is like Register but puts p in front of every chain it joins,
// moving it there if it is already registered.
func (r *Registry) Prepend(p Provider) error {
	return r.add(p, true)
}

func (r *Registry) add(p Provider, front bool) error {
	ap, isAuth := p.(AuthProvider)
	cp, isCommand := p.(CommandProvider)
	if !isAuth && !isCommand {
		return fmt.Errorf("%w: %T", ErrNoRole, p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if isAuth {
		r.auth = insert(r.auth, ap, front)
	}
	if isCommand {
		r.command = insert(r.command, cp, front)
		for _, m := range cp.Methods() {
			r.methods[m] = insert(r.methods[m], cp, front)
		}
	}
	return nil
}

// PrependMethod puts p at the front of the chain for one method only.
func (r *Registry) PrependMethod(method string, p CommandProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[method] = insert(r.methods[method], p, true)
}

// AuthProviders returns the auth providers in chain order.
func (r *Registry) AuthProviders() []AuthProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.auth)
}

// CommandProviders returns the command providers in registration order.
func (r *Registry) CommandProviders() []CommandProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.command)
}

// MethodProviders returns the providers serving method, in chain order.
func (r *Registry) MethodProviders(method string) []CommandProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.methods[method])
}

// NewChain snapshots the auth providers into a Chain that can be
// reordered for a single login attempt without touching the registry.
func (r *Registry) NewChain() *Chain {
	return &Chain{providers: r.AuthProviders()}
}

// Chain is the ordered auth providers consulted for one login attempt.
// It is not safe for concurrent use.
type Chain struct {
	providers []AuthProvider
}

// Prepend moves p to the front of the chain.
func (c *Chain) Prepend(p AuthProvider) {
	c.providers = insert(c.providers, p, true)
}

// Providers returns the providers supporting authType, in order.
func (c *Chain) Providers(authType string) []AuthProvider {
	out := make([]AuthProvider, 0, len(c.providers))
	for _, p := range c.providers {
		if Supports(p, authType) {
			out = append(out, p)
		}
	}
	return out
}

// Methods returns the union of the chain's login methods, deduplicated
// by type, first occurrence wins.
func (c *Chain) Methods() []AuthMethod {
	return collectMethods(c.providers)
}

// AuthMethods returns the union of all registered login methods.
func (r *Registry) AuthMethods() []AuthMethod {
	return collectMethods(r.AuthProviders())
}

func collectMethods(providers []AuthProvider) []AuthMethod {
	seen := make(map[string]bool)
	var out []AuthMethod
	for _, p := range providers {
		for _, m := range p.AuthMethods() {
			if seen[m.Type] {
				continue
			}
			seen[m.Type] = true
			out = append(out, m)
		}
	}
	return out
}

// Supports reports whether p advertises a method of authType.
func Supports(p AuthProvider, authType string) bool {
	for _, m := range p.AuthMethods() {
		if m.Type == authType {
			return true
		}
	}
	return false
}

// insert adds p to list, deduplicating by instance.
func insert[T Provider](list []T, p T, front bool) []T {
	idx := slices.IndexFunc(list, func(e T) bool { return same(e, p) })
	if idx >= 0 {
		if !front {
			return list
		}
		list = slices.Delete(list, idx, idx+1)
	}
	if front {
		return slices.Insert(list, 0, p)
	}
	return append(list, p)
}

// same compares provider instances, treating non-comparable values as distinct.
func same(a, b Provider) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta == nil || ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
