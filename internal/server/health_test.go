package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func probe(t *testing.T, h http.Handler) (int, HealthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker()
	h.SetShuttingDown()

	code, resp := probe(t, h.LivenessHandler())
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, healthStatusOK, resp.Status)
}

func TestHealthChecker_Readiness(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(h *HealthChecker)
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "ready",
			setup:      func(*HealthChecker) {},
			wantCode:   http.StatusOK,
			wantStatus: healthStatusOK,
			wantChecks: map[string]string{"ready": "ok", "shutdown": "ok"},
		},
		{
			name:       "not ready",
			setup:      func(h *HealthChecker) { h.SetReady(false) },
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: healthStatusNotReady,
			wantChecks: map[string]string{"ready": healthStatusNotReady, "shutdown": "ok"},
		},
		{
			name:       "shutting down",
			setup:      func(h *HealthChecker) { h.SetShuttingDown() },
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: healthStatusShuttingDown,
			wantChecks: map[string]string{"ready": "ok", "shutdown": healthStatusShuttingDown},
		},
		{
			name: "failing dependency",
			setup: func(h *HealthChecker) {
				h.AddCheck("sessions", func(context.Context) error { return errors.New("connection refused") })
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: healthStatusNotReady,
			wantChecks: map[string]string{"ready": "ok", "shutdown": "ok", "sessions": "connection refused"},
		},
		{
			name: "healthy dependency",
			setup: func(h *HealthChecker) {
				h.AddCheck("sessions", func(context.Context) error { return nil })
			},
			wantCode:   http.StatusOK,
			wantStatus: healthStatusOK,
			wantChecks: map[string]string{"ready": "ok", "shutdown": "ok", "sessions": "ok"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker()
			tt.setup(h)

			code, resp := probe(t, h.ReadinessHandler())
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.wantChecks, resp.Checks)
		})
	}
}

func TestHealthChecker_Detailed(t *testing.T) {
	h := NewHealthChecker()
	code, resp := probe(t, h.DetailedHealthHandler())
	assert.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, resp.Uptime)
}

func TestHealthChecker_RegisterHealthEndpoints(t *testing.T) {
	h := NewHealthChecker()
	mux := http.NewServeMux()
	h.RegisterHealthEndpoints(mux)

	for _, path := range []string{"/healthz", "/readyz", "/healthz/detailed"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
