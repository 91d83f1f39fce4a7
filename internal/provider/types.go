package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
)

// AuthMethod is a login method advertised to clients, e.g. {"type":"password"}.
type AuthMethod struct {
	Type       string
	Properties map[string]any
}

// MarshalJSON flattens Properties next to "type".
func (m AuthMethod) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Properties)+1)
	maps.Copy(out, m.Properties)
	out["type"] = m.Type
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (m *AuthMethod) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t, _ := raw["type"].(string)
	delete(raw, "type")
	m.Type = t
	m.Properties = nil
	if len(raw) > 0 {
		m.Properties = raw
	}
	return nil
}

// Identity is the authenticated principal produced by an auth provider.
type Identity struct {
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
	// URI locates the principal's upstream session, if any.
	URI        string         `json:"uri,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Clone returns a deep enough copy for per-request mutation.
func (id *Identity) Clone() *Identity {
	if id == nil {
		return nil
	}
	c := *id
	c.Attributes = maps.Clone(id.Attributes)
	return &c
}

// Account is one account visible to an identity.
//
// Services holds the has<Service> capability flags, keyed by flag name
// ("hasMail"). Properties holds any further fields a provider or plugin
// attaches. Both are flattened into the JSON object.
type Account struct {
	ID         string
	Name       string
	IsPrimary  bool
	IsReadOnly bool
	Services   map[string]bool
	Properties map[string]any
}

// ServiceFlag returns the capability flag name for a service, "Mail" -> "hasMail".
func ServiceFlag(service string) string {
	if service == "" {
		return ""
	}
	return "has" + strings.ToUpper(service[:1]) + service[1:]
}

// Map returns the flattened JSON object of the account.
func (a Account) Map() map[string]any {
	out := make(map[string]any, len(a.Properties)+len(a.Services)+4)
	maps.Copy(out, a.Properties)
	for flag, v := range a.Services {
		out[flag] = v
	}
	out["id"] = a.ID
	out["name"] = a.Name
	out["isPrimary"] = a.IsPrimary
	out["isReadOnly"] = a.IsReadOnly
	return out
}

func (a Account) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Map())
}

func (a *Account) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*a = Account{}
	for k, v := range raw {
		switch k {
		case "id":
			a.ID, _ = v.(string)
		case "name":
			a.Name, _ = v.(string)
		case "isPrimary":
			a.IsPrimary, _ = v.(bool)
		case "isReadOnly":
			a.IsReadOnly, _ = v.(bool)
		default:
			if b, ok := v.(bool); ok && strings.HasPrefix(k, "has") {
				if a.Services == nil {
					a.Services = make(map[string]bool)
				}
				a.Services[k] = b
				continue
			}
			if a.Properties == nil {
				a.Properties = make(map[string]any)
			}
			a.Properties[k] = v
		}
	}
	return nil
}

// Fill copies into a every field that a leaves at its zero value.
// Fields already set on a win, except IsPrimary, IsReadOnly and the
// service flags, which are ORed: a later provider can set a flag an
// earlier one left false, but never clear it.
func (a *Account) Fill(from Account) {
	if a.Name == "" {
		a.Name = from.Name
	}
	a.IsPrimary = a.IsPrimary || from.IsPrimary
	a.IsReadOnly = a.IsReadOnly || from.IsReadOnly
	if len(from.Services) > 0 && a.Services == nil {
		a.Services = make(map[string]bool, len(from.Services))
	}
	for flag, v := range from.Services {
		a.Services[flag] = a.Services[flag] || v
	}
	for k, v := range from.Properties {
		if _, ok := a.Properties[k]; ok {
			continue
		}
		if a.Properties == nil {
			a.Properties = make(map[string]any)
		}
		a.Properties[k] = v
	}
}

// Invocation is a JMAP method call or result: the wire triple
// [name, arguments, callId].
type Invocation struct {
	Name   string
	Args   map[string]any
	CallID string
}

// ErrorResult builds an "error" result of the given JMAP error type.
// details is omitted when empty.
func ErrorResult(errType, details string) Invocation {
	args := map[string]any{"type": errType}
	if details != "" {
		args["details"] = details
	}
	return Invocation{Name: "error", Args: args}
}

// JMAP error types produced by the gateway.
const (
	ErrorUnknownMethod     = "unknownMethod"
	ErrorRuntime           = "runtimeError"
	ErrorServerUnavailable = "serverUnavailable"
)

func (inv Invocation) MarshalJSON() ([]byte, error) {
	args := inv.Args
	if args == nil {
		args = map[string]any{}
	}
	return json.Marshal([]any{inv.Name, args, inv.CallID})
}

func (inv *Invocation) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("invocation must be an array: %w", err)
	}
	if len(parts) != 3 {
		return fmt.Errorf("invocation must have 3 elements, got %d", len(parts))
	}
	if err := json.Unmarshal(parts[0], &inv.Name); err != nil {
		return fmt.Errorf("invocation name: %w", err)
	}
	inv.Args = nil
	if string(parts[1]) != "null" {
		if err := json.Unmarshal(parts[1], &inv.Args); err != nil {
			return fmt.Errorf("invocation arguments: %w", err)
		}
	}
	if err := json.Unmarshal(parts[2], &inv.CallID); err != nil {
		return fmt.Errorf("invocation id: %w", err)
	}
	return nil
}

type identityKey struct{}

// WithIdentity returns a context carrying the authenticated identity of the request.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by WithIdentity, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
