package server

import (
	"context"
	"maps"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const (
	healthStatusOK           = "ok"
	healthStatusNotReady     = "not ready"
	healthStatusShuttingDown = "shutting down"

	readinessCheckTimeout = 2 * time.Second
)

// CheckFunc reports whether a dependency, such as the session backend,
// is usable.
type CheckFunc func(ctx context.Context) error

// HealthChecker serves the Kubernetes liveness and readiness probes.
type HealthChecker struct {
	ready        atomic.Bool
	shuttingDown atomic.Bool
	startTime    time.Time

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewHealthChecker creates a HealthChecker that starts out ready.
func NewHealthChecker() *HealthChecker {
	h := &HealthChecker{
		startTime: time.Now(),
		checks:    make(map[string]CheckFunc),
	}
	h.ready.Store(true)
	return h
}

func (h *HealthChecker) SetReady(ready bool) { h.ready.Store(ready) }

// SetShuttingDown marks the process as draining. Readiness fails from then on.
func (h *HealthChecker) SetShuttingDown() { h.shuttingDown.Store(true) }

// AddCheck registers a named readiness check.
func (h *HealthChecker) AddCheck(name string, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = fn
}

// HealthResponse is the JSON body of the health endpoints.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Uptime string            `json:"uptime,omitempty"`
}

// LivenessHandler serves /healthz. It only reports that the process runs.
func (h *HealthChecker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = WriteJSON(w, http.StatusOK, HealthResponse{Status: healthStatusOK})
	})
}

// ReadinessHandler serves /readyz.
func (h *HealthChecker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, ok := h.evaluate(r.Context())
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		_ = WriteJSON(w, status, resp)
	})
}

// DetailedHealthHandler serves /healthz/detailed: readiness plus uptime.
func (h *HealthChecker) DetailedHealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, ok := h.evaluate(r.Context())
		resp.Uptime = time.Since(h.startTime).Truncate(time.Second).String()
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		_ = WriteJSON(w, status, resp)
	})
}

func (h *HealthChecker) evaluate(ctx context.Context) (HealthResponse, bool) {
	checks := map[string]string{
		"ready":    healthStatusOK,
		"shutdown": healthStatusOK,
	}
	ok := true
	if !h.ready.Load() {
		checks["ready"] = healthStatusNotReady
		ok = false
	}
	if h.shuttingDown.Load() {
		checks["shutdown"] = healthStatusShuttingDown
		ok = false
	}

	h.mu.RLock()
	checkFns := maps.Clone(h.checks)
	h.mu.RUnlock()

	for _, name := range slices.Sorted(maps.Keys(checkFns)) {
		cctx, cancel := context.WithTimeout(ctx, readinessCheckTimeout)
		err := checkFns[name](cctx)
		cancel()
		if err != nil {
			checks[name] = err.Error()
			ok = false
			continue
		}
		checks[name] = healthStatusOK
	}

	status := healthStatusOK
	switch {
	case h.shuttingDown.Load():
		status = healthStatusShuttingDown
	case !ok:
		status = healthStatusNotReady
	}
	return HealthResponse{Status: status, Checks: checks}, ok
}

// RegisterHealthEndpoints mounts the probes on mux.
func (h *HealthChecker) RegisterHealthEndpoints(mux *http.ServeMux) {
	mux.Handle("/healthz", h.LivenessHandler())
	mux.Handle("/readyz", h.ReadinessHandler())
	mux.Handle("/healthz/detailed", h.DetailedHealthHandler())
}
