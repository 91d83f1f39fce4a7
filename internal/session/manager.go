package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teemow/jmapgate/internal/instrumentation"
	"github.com/teemow/jmapgate/internal/logging"
)

// Default lifetimes.
const (
	DefaultLifetime   = 24 * time.Hour
	DefaultGCInterval = 10 * time.Minute
)

// GCFunc is an extra garbage collection step run with the configured
// maximum lifetime.
type GCFunc func(ctx context.Context, maxLifetime time.Duration)

// Options configures a Manager.
type Options struct {
	// Lifetime is how long a session lives after its last write.
	Lifetime time.Duration
	// GCInterval is the minimum time between two garbage collections.
	GCInterval time.Duration
	Logger     *slog.Logger
	Metrics    *instrumentation.Metrics
}

type gcHandler struct {
	name string
	fn   GCFunc
}

// Manager binds requests to sessions of a Store. It is safe for
// concurrent use.
type Manager struct {
	store      Store
	lifetime   time.Duration
	gcInterval time.Duration
	logger     *slog.Logger
	metrics    *instrumentation.Metrics
	now        func() time.Time

	lastGC    atomic.Int64
	gcPending atomic.Bool

	mu         sync.Mutex
	gcHandlers []gcHandler
}

// NewManager creates a Manager over store.
func NewManager(store Store, opts Options) *Manager {
	if opts.Lifetime <= 0 {
		opts.Lifetime = DefaultLifetime
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = DefaultGCInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Manager{
		store:      store,
		lifetime:   opts.Lifetime,
		gcInterval: opts.GCInterval,
		logger:     opts.Logger.With(slog.String("component", "session"), slog.String("backend", store.Name())),
		metrics:    opts.Metrics,
		now:        time.Now,
	}
	m.lastGC.Store(m.now().UnixNano())
	return m
}

// Lifetime returns the configured session lifetime.
func (m *Manager) Lifetime() time.Duration { return m.lifetime }

// Start binds the request to the session addressed by token. An empty,
// unknown or expired token yields a new session with a fresh token; it is
// not persisted until Save. Callers compare Key with the presented token
// to tell the two apart.
func (m *Manager) Start(ctx context.Context, token string) (*Session, error) {
	m.scheduleGC()

	if token != "" {
		rec, err := m.store.Load(ctx, token)
		switch {
		case err == nil:
			return &Session{m: m, rec: rec}, nil
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
		m.logger.DebugContext(ctx, "unknown session token", logging.LoginID(token))
	}

	fresh, err := GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("session: failed to generate token: %w", err)
	}
	now := m.now()
	return &Session{
		m:     m,
		rec:   &Record{Token: fresh, CreatedAt: now, UpdatedAt: now},
		isNew: true,
	}, nil
}

// OnGC registers an extra garbage collection step. Registering the same
// name twice keeps the first.
func (m *Manager) OnGC(name string, fn GCFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.gcHandlers {
		if h.name == name {
			return
		}
	}
	m.gcHandlers = append(m.gcHandlers, gcHandler{name: name, fn: fn})
}

func (m *Manager) scheduleGC() {
	last := time.Unix(0, m.lastGC.Load())
	if m.now().Sub(last) >= m.gcInterval {
		m.gcPending.Store(true)
	}
}

// RunDeferredGC runs garbage collection if a Start since the last run
// found it due. It is meant to run after the response has been sent.
func (m *Manager) RunDeferredGC(ctx context.Context) {
	if !m.gcPending.CompareAndSwap(true, false) {
		return
	}
	m.lastGC.Store(m.now().UnixNano())
	m.CollectGarbage(ctx)
}

// CollectGarbage runs the backend GC and all registered GC steps now.
func (m *Manager) CollectGarbage(ctx context.Context) {
	removed, err := m.store.GC(ctx, m.lifetime)
	if err != nil {
		m.logger.WarnContext(ctx, "session garbage collection failed", logging.Err(err))
	} else if removed > 0 {
		m.logger.DebugContext(ctx, "expired sessions removed", slog.Int("count", removed))
		m.metrics.RecordSessionsCollected(ctx, m.store.Name(), removed)
	}

	m.mu.Lock()
	handlers := append([]gcHandler(nil), m.gcHandlers...)
	m.mu.Unlock()

	for _, h := range handlers {
		h.fn(ctx, m.lifetime)
	}
}

// healthProbeToken is shorter than any GenerateToken output, so it is
// never issued.
const healthProbeToken = "health-probe"

// Ping checks that the store answers. A lookup of a token that cannot
// exist must come back as ErrNotFound.
func (m *Manager) Ping(ctx context.Context) error {
	_, err := m.store.Load(ctx, healthProbeToken)
	if err == nil || errors.Is(err, ErrNotFound) {
		return nil
	}
	return fmt.Errorf("session store %s: %w", m.store.Name(), err)
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}
