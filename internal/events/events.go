// Package events implements the request lifecycle hooks.
//
// Hooks run synchronously, in subscription order, on the goroutine that
// emits the event. Payloads are pointers to structs owned by the emitter,
// so a hook can rewrite a response before it is written. Components
// that only watch (audit, debugging) use Observe instead, which delivers
// attribute snapshots over a channel and never blocks the request.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Name identifies a lifecycle event.
type Name string

// Lifecycle events.
const (
	ProcessBefore Name = "process:before"
	ProcessAfter  Name = "process:after"
	ProcessError  Name = "process:error"

	AuthInit     Name = "jmap:auth:init"
	AuthMore     Name = "jmap:auth:more"
	AuthContinue Name = "jmap:auth:continue"
	AuthRestart  Name = "jmap:auth:restart"
	AuthFailure  Name = "jmap:auth:failure"
	AuthSuccess  Name = "jmap:auth:success"

	Query    Name = "jmap:query"
	Response Name = "jmap:response"
	Error    Name = "jmap:error"
)

// ResponseFor is the per-method variant of Response, e.g. "jmap:response:getAccounts".
func ResponseFor(method string) Name {
	return Name(string(Response) + ":" + method)
}

// Payload is implemented by every event payload. LogAttrs must not
// retain references into the payload.
type Payload interface {
	LogAttrs() []slog.Attr
}

// Handler receives an event payload.
type Handler func(ctx context.Context, p Payload)

// Delivery is an immutable snapshot handed to observers.
type Delivery struct {
	Name  Name
	At    time.Time
	Attrs []slog.Attr
}

type observer struct {
	ch chan Delivery
}

// Bus dispatches lifecycle events to hooks and observers.
type Bus struct {
	mu        sync.RWMutex
	handlers  map[Name][]Handler
	observers []*observer
	dropped   atomic.Int64
	logger    *slog.Logger
}

// NewBus returns an empty bus. A nil logger means slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[Name][]Handler),
		logger:   logger,
	}
}

// Subscribe adds h to the hooks of name.
func (b *Bus) Subscribe(name Name, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// On subscribes a hook typed to one payload type. Payloads of any other
// type are ignored by it.
func On[T Payload](b *Bus, name Name, fn func(ctx context.Context, p T)) {
	b.Subscribe(name, func(ctx context.Context, p Payload) {
		if typed, ok := p.(T); ok {
			fn(ctx, typed)
		}
	})
}

// Emit runs the hooks of name with p, then notifies observers.
// A panicking hook is logged and skipped.
func (b *Bus) Emit(ctx context.Context, name Name, p Payload) {
	b.mu.RLock()
	handlers := b.handlers[name]
	b.mu.RUnlock()

	for _, h := range handlers {
		b.run(ctx, name, h, p)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.observers) == 0 {
		return
	}
	d := Delivery{Name: name, At: time.Now(), Attrs: p.LogAttrs()}
	for _, o := range b.observers {
		select {
		case o.ch <- d:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) run(ctx context.Context, name Name, h Handler, p Payload) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(ctx, "lifecycle hook panicked",
				slog.String("event", string(name)),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()
	h(ctx, p)
}

// Observe registers an observer with a buffer of size buffer. Deliveries
// that do not fit are dropped. The returned cancel function unregisters
// the observer and closes the channel.
func (b *Bus) Observe(buffer int) (<-chan Delivery, func()) {
	o := &observer{ch: make(chan Delivery, buffer)}

	b.mu.Lock()
	b.observers = append(b.observers, o)
	b.mu.Unlock()

	var once sync.Once
	return o.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, existing := range b.observers {
				if existing == o {
					b.observers = append(b.observers[:i], b.observers[i+1:]...)
					break
				}
			}
			close(o.ch)
		})
	}
}

// Dropped returns how many observer deliveries were dropped.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
