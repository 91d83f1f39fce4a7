// Package mailboxfilter hides mailboxes from getMailboxes results.
package mailboxfilter

import (
	"context"
	"slices"

	"github.com/teemow/jmapgate/internal/events"
	"github.com/teemow/jmapgate/internal/jmap"
)

// MethodGetMailboxes is the method whose results are filtered.
const MethodGetMailboxes = "getMailboxes"

// Options lists the filter rules. Empty lists do not filter.
type Options struct {
	// Allow keeps only mailboxes with these names.
	Allow []string `toml:"allow"`
	// Disallow drops mailboxes with these names.
	Disallow []string `toml:"disallow"`
	// Roles keeps only mailboxes with one of these roles.
	Roles []string `toml:"roles"`
}

// Plugin filters mailbox lists.
type Plugin struct {
	opts Options
}

// New returns a plugin applying opts.
func New(opts Options) *Plugin {
	return &Plugin{opts: opts}
}

func (*Plugin) Name() string { return "mailboxfilter" }

func (p *Plugin) Attach(bus *events.Bus) {
	events.On(bus, events.ResponseFor(MethodGetMailboxes), p.onMailboxes)
}

func (p *Plugin) onMailboxes(_ context.Context, e *jmap.ResponseEvent) {
	if e.Result.Name != "mailboxes" {
		return
	}
	list, ok := e.Result.Args["list"].([]any)
	if !ok {
		return
	}
	e.Result.Args["list"] = slices.DeleteFunc(slices.Clone(list), func(item any) bool {
		return !p.Allowed(item)
	})
}

// Allowed reports whether a mailbox object passes every rule.
func (p *Plugin) Allowed(item any) bool {
	mbox, ok := item.(map[string]any)
	if !ok {
		return true
	}
	name, _ := mbox["name"].(string)
	role, _ := mbox["role"].(string)

	if len(p.opts.Allow) > 0 && !slices.Contains(p.opts.Allow, name) {
		return false
	}
	if slices.Contains(p.opts.Disallow, name) {
		return false
	}
	if len(p.opts.Roles) > 0 && !slices.Contains(p.opts.Roles, role) {
		return false
	}
	return true
}
