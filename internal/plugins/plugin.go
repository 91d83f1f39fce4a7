// Package plugins holds optional extensions that hook into the request
// lifecycle. Each plugin lives in its own subpackage.
package plugins

import "github.com/teemow/jmapgate/internal/events"

// Plugin subscribes to lifecycle events.
type Plugin interface {
	Name() string
	Attach(bus *events.Bus)
}

// AttachAll attaches plugins to bus in order. Hooks of earlier plugins
// run first.
func AttachAll(bus *events.Bus, plugins ...Plugin) {
	for _, p := range plugins {
		p.Attach(bus)
	}
}
