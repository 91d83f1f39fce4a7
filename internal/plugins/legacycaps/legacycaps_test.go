package legacycaps

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/teemow/jmapgate/internal/events"
	"github.com/teemow/jmapgate/internal/jmap"
	"github.com/teemow/jmapgate/internal/logging"
	"github.com/teemow/jmapgate/internal/provider"
)

func emit(bus *events.Bus, method string, res provider.Invocation) provider.Invocation {
	ev := &jmap.ResponseEvent{Command: provider.Invocation{Name: method, CallID: "#0"}, Result: &res}
	bus.Emit(context.Background(), events.ResponseFor(method), ev)
	return *ev.Result
}

func TestLegacyCapabilities(t *testing.T) {
	bus := events.NewBus(logging.Discard())
	New().Attach(bus)

	existing := map[string]any{"custom": true}
	res := emit(bus, "getAccounts", provider.Invocation{Name: "accounts", Args: map[string]any{
		"state": "0000",
		"list": []any{
			map[string]any{"id": "1", "isReadOnly": true, "hasMail": true, "hasContacts": true, "hasCalendars": false},
			map[string]any{"id": "2", "hasMail": true, "mail": existing},
			map[string]any{"id": "3", "hasCalendars": true},
			"garbage",
		},
	}})

	list := res.Args["list"].([]any)
	assert.Equal(t, map[string]any{
		"id": "1", "isReadOnly": true, "hasMail": true, "hasContacts": true, "hasCalendars": false,
		"mail":     map[string]any{"isReadOnly": true, "canDelaySend": false},
		"contacts": map[string]any{"isReadOnly": true},
	}, list[0])
	assert.Equal(t, existing, list[1].(map[string]any)["mail"], "existing objects are kept")
	assert.Equal(t, map[string]any{"isReadOnly": false}, list[2].(map[string]any)["calendars"])
	assert.Equal(t, "garbage", list[3])
}

func TestLegacyCapabilities_IgnoresOtherResults(t *testing.T) {
	bus := events.NewBus(logging.Discard())
	New().Attach(bus)

	res := emit(bus, "getAccounts", provider.Invocation{Name: "error", Args: map[string]any{"type": "runtimeError"}})
	assert.Equal(t, map[string]any{"type": "runtimeError"}, res.Args)

	acc := map[string]any{"id": "1", "hasMail": true}
	emit(bus, "getMailboxes", provider.Invocation{Name: "accounts", Args: map[string]any{"list": []any{acc}}})
	assert.NotContains(t, acc, "mail")
}
