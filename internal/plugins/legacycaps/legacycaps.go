// Package legacycaps adds the per-service capability objects of older
// JMAP drafts to getAccounts results.
package legacycaps

import (
	"context"

	"github.com/teemow/jmapgate/internal/events"
	"github.com/teemow/jmapgate/internal/jmap"
)

// Plugin adds mail, contacts and calendars objects to accounts that have
// the matching service flag.
type Plugin struct{}

// New returns the plugin.
func New() *Plugin { return &Plugin{} }

func (*Plugin) Name() string { return "legacycaps" }

func (p *Plugin) Attach(bus *events.Bus) {
	events.On(bus, events.ResponseFor(jmap.MethodGetAccounts), p.onAccounts)
}

func (*Plugin) onAccounts(_ context.Context, e *jmap.ResponseEvent) {
	if e.Result.Name != "accounts" {
		return
	}
	list, _ := e.Result.Args["list"].([]any)
	for _, item := range list {
		acc, ok := item.(map[string]any)
		if !ok {
			continue
		}
		readOnly, _ := acc["isReadOnly"].(bool)

		if has(acc, "hasMail") && acc["mail"] == nil {
			acc["mail"] = map[string]any{"isReadOnly": readOnly, "canDelaySend": false}
		}
		if has(acc, "hasContacts") && acc["contacts"] == nil {
			acc["contacts"] = map[string]any{"isReadOnly": readOnly}
		}
		if has(acc, "hasCalendars") && acc["calendars"] == nil {
			acc["calendars"] = map[string]any{"isReadOnly": readOnly}
		}
	}
}

func has(acc map[string]any, flag string) bool {
	v, _ := acc[flag].(bool)
	return v
}
