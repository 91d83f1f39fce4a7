package nfactor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/jmapgate/internal/auth"
	"github.com/teemow/jmapgate/internal/events"
	"github.com/teemow/jmapgate/internal/logging"
	"github.com/teemow/jmapgate/internal/provider"
	"github.com/teemow/jmapgate/internal/provider/providertest"
	"github.com/teemow/jmapgate/internal/server"
	"github.com/teemow/jmapgate/internal/session"
)

const testSecret = "JBSWY3DPEHPK3PXP"

var testNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestPlugin(t *testing.T, opts Options) *Plugin {
	t.Helper()
	opts.Logger = logging.Discard()
	p, err := New(opts)
	require.NoError(t, err)
	p.now = func() time.Time { return testNow }
	return p
}

func code(t *testing.T, at time.Time) string {
	t.Helper()
	c, err := totp.GenerateCode(testSecret, at)
	require.NoError(t, err)
	return c
}

type flow struct {
	t          *testing.T
	controller *server.Controller
	registry   *provider.Registry
}

func newFlow(t *testing.T, p *Plugin) *flow {
	t.Helper()
	logger := logging.Discard()

	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(&providertest.Password{Secret: "123456", AccountList: providertest.FakeAccounts()}))

	bus := events.NewBus(logger)
	p.Attach(bus)

	processor, err := auth.NewProcessor(auth.Options{
		Registry: registry,
		Sessions: session.NewManager(session.NewMemoryStore(), session.Options{Logger: logger}),
		Bus:      bus,
		Logger:   logger,
	})
	require.NoError(t, err)

	controller := server.NewController(server.Options{Bus: bus, Logger: logger})
	controller.AddProcessor(processor)
	return &flow{t: t, controller: controller, registry: registry}
}

func (f *flow) post(body string) (int, map[string]any) {
	f.t.Helper()
	rec := httptest.NewRecorder()
	f.controller.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth", strings.NewReader(body)))
	var out map[string]any
	require.NoError(f.t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func (f *flow) answer(loginID, authType, value string) (int, map[string]any) {
	body, _ := json.Marshal(map[string]string{"loginId": loginID, "type": authType, "value": value})
	return f.post(string(body))
}

func (f *flow) refetch(token string) int {
	req := httptest.NewRequest(http.MethodGet, "/auth", nil)
	req.Header.Set("Authorization", "X-JMAP "+token)
	rec := httptest.NewRecorder()
	f.controller.ServeHTTP(rec, req)
	return rec.Code
}

func (f *flow) firstFactor() string {
	f.t.Helper()
	status, start := f.post(`{"username":"jane"}`)
	require.Equal(f.t, http.StatusOK, status)
	assert.Equal(f.t, []any{map[string]any{"type": "password"}}, start["methods"], "totp is not offered up front")

	status, challenge := f.answer(start["loginId"].(string), "password", "123456")
	require.Equal(f.t, http.StatusOK, status)
	assert.NotContains(f.t, challenge, "accessToken")
	assert.Equal(f.t, []any{map[string]any{"type": "totp"}}, challenge["methods"])
	assert.Equal(f.t, DefaultPrompt, challenge["prompt"])
	loginID := challenge["loginId"].(string)
	assert.NotEqual(f.t, start["loginId"], loginID)
	return loginID
}

func TestSecondFactor_TOTP(t *testing.T) {
	f := newFlow(t, newTestPlugin(t, Options{Secret: testSecret}))

	loginID := f.firstFactor()
	assert.Equal(t, http.StatusUnauthorized, f.refetch(loginID))

	status, resp := f.answer(loginID, MethodTOTP, code(t, testNow))
	require.Equal(t, http.StatusCreated, status)
	token := resp["accessToken"].(string)
	assert.Equal(t, "jane", resp["username"])
	assert.Len(t, resp["accounts"], 2)
	assert.Equal(t, http.StatusOK, f.refetch(token))

	assert.Len(t, f.registry.AuthProviders(), 1, "plugin is never added to the shared registry")
}

func TestSecondFactor_WrongCodeAbortsAndKeepsChallenge(t *testing.T) {
	f := newFlow(t, newTestPlugin(t, Options{Secret: testSecret}))
	loginID := f.firstFactor()

	status, retry := f.answer(loginID, MethodTOTP, "000000")
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, loginID, retry["loginId"])
	assert.Equal(t, []any{map[string]any{"type": "totp"}}, retry["methods"])
	assert.Equal(t, DefaultPrompt, retry["prompt"])

	status, _ = f.answer(loginID, MethodTOTP, code(t, testNow))
	assert.Equal(t, http.StatusCreated, status)
}

func TestSecondFactor_PrimaryAgainRechallenges(t *testing.T) {
	f := newFlow(t, newTestPlugin(t, Options{Secret: testSecret}))
	loginID := f.firstFactor()

	status, again := f.answer(loginID, "password", "123456")
	require.Equal(t, http.StatusOK, status)
	assert.NotContains(t, again, "accessToken")
	assert.Equal(t, []any{map[string]any{"type": "totp"}}, again["methods"])
}

func TestSecondFactor_StaticCode(t *testing.T) {
	f := newFlow(t, newTestPlugin(t, Options{StaticCode: "424242"}))
	loginID := f.firstFactor()

	status, _ := f.answer(loginID, MethodTOTP, "424242")
	assert.Equal(t, http.StatusCreated, status)
}

func TestSecondFactor_NotEnrolledUserSkips(t *testing.T) {
	f := newFlow(t, newTestPlugin(t, Options{Users: map[string]string{"bob": testSecret}}))

	_, start := f.post(`{"username":"jane"}`)
	status, resp := f.answer(start["loginId"].(string), "password", "123456")
	assert.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, resp["accessToken"])
}

func TestAuthenticate(t *testing.T) {
	p := newTestPlugin(t, Options{Secret: testSecret, Users: map[string]string{"bob": "GEZDGNBVGY3TQOJQ"}})
	id := &provider.Identity{Username: "jane"}

	tests := []struct {
		name        string
		req         provider.AuthRequest
		wantOutcome provider.Outcome
	}{
		{name: "current code", req: provider.AuthRequest{Username: "jane", Value: code(t, testNow), Identity: id}, wantOutcome: provider.OutcomeSuccess},
		{name: "previous step", req: provider.AuthRequest{Username: "jane", Value: code(t, testNow.Add(-30*time.Second)), Identity: id}, wantOutcome: provider.OutcomeSuccess},
		{name: "too old", req: provider.AuthRequest{Username: "jane", Value: code(t, testNow.Add(-5*time.Minute)), Identity: id}, wantOutcome: provider.OutcomeAbort},
		{name: "no identity", req: provider.AuthRequest{Username: "jane", Value: code(t, testNow)}, wantOutcome: provider.OutcomeAbort},
		{name: "empty code", req: provider.AuthRequest{Username: "jane", Identity: id}, wantOutcome: provider.OutcomeAbort},
		{name: "wrong length", req: provider.AuthRequest{Username: "jane", Value: "12", Identity: id}, wantOutcome: provider.OutcomeAbort},
		{name: "per-user secret", req: provider.AuthRequest{Username: "bob", Value: code(t, testNow), Identity: id}, wantOutcome: provider.OutcomeAbort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := p.Authenticate(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOutcome, res.Outcome)
			if tt.wantOutcome == provider.OutcomeSuccess {
				assert.Same(t, id, res.Identity)
			}
		})
	}
}

func TestNew_RequiresSecret(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
