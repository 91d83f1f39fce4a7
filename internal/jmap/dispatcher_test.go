package jmap_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/jmapgate/internal/auth"
	"github.com/teemow/jmapgate/internal/events"
	"github.com/teemow/jmapgate/internal/jmap"
	"github.com/teemow/jmapgate/internal/logging"
	"github.com/teemow/jmapgate/internal/provider"
	"github.com/teemow/jmapgate/internal/provider/providertest"
	"github.com/teemow/jmapgate/internal/server"
	"github.com/teemow/jmapgate/internal/session"
)

type harness struct {
	controller *server.Controller
	dispatcher *jmap.Dispatcher
	bus        *events.Bus
	token      string
}

func newHarness(t *testing.T, opts jmap.Options, providers ...provider.Provider) *harness {
	t.Helper()
	logger := logging.Discard()

	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(&providertest.Password{Secret: "s"}))
	for _, p := range providers {
		require.NoError(t, registry.Register(p))
	}

	bus := events.NewBus(logger)
	processor, err := auth.NewProcessor(auth.Options{
		Registry: registry,
		Sessions: session.NewManager(session.NewMemoryStore(), session.Options{Logger: logger}),
		Bus:      bus,
		Logger:   logger,
	})
	require.NoError(t, err)

	opts.Registry = registry
	opts.Authorizer = processor
	opts.Bus = bus
	opts.Logger = logger
	dispatcher, err := jmap.NewDispatcher(opts)
	require.NoError(t, err)

	controller := server.NewController(server.Options{Bus: bus, Logger: logger})
	controller.AddProcessor(processor)
	controller.AddProcessor(dispatcher)

	h := &harness{controller: controller, dispatcher: dispatcher, bus: bus}
	h.token = h.login(t)
	return h
}

func (h *harness) do(method, target, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "X-JMAP "+token)
	}
	rec := httptest.NewRecorder()
	h.controller.ServeHTTP(rec, req)
	return rec
}

func (h *harness) login(t *testing.T) string {
	t.Helper()
	rec := h.do(http.MethodPost, "/auth", `{"username":"jane"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var start auth.LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &start))

	rec = h.do(http.MethodPost, "/auth", `{"loginId":"`+start.LoginID+`","type":"password","value":"s"}`, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp auth.SuccessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.AccessToken
}

func (h *harness) query(t *testing.T, body string) string {
	t.Helper()
	rec := h.do(http.MethodPost, "/jmap", body, h.token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	return rec.Body.String()
}

func TestDispatch_UnknownMethod(t *testing.T) {
	h := newHarness(t, jmap.Options{})
	assert.JSONEq(t, `[["error",{"type":"unknownMethod"},"#1"]]`, h.query(t, `[["getFoo",{},"#1"]]`))
}

func TestDispatch_OrderAndFanOut(t *testing.T) {
	cp := &providertest.Commands{Handlers: map[string]providertest.HandlerFunc{
		"getFoo": func(_ context.Context, call provider.Call) ([]provider.Invocation, error) {
			return []provider.Invocation{
				{Name: "foo", Args: map[string]any{"n": 1}, CallID: "ignored"},
				{Name: "foo", Args: map[string]any{"n": 2}},
			}, nil
		},
		"getBar": providertest.Reply("bar", nil),
	}}
	h := newHarness(t, jmap.Options{}, cp)

	got := h.query(t, `[["getBar",{},"a"],["getFoo",{},"b"],["nope",null,"c"],["getBar",{},"d"]]`)
	assert.JSONEq(t, `[
		["bar",{},"a"],
		["foo",{"n":1},"b"],
		["foo",{"n":2},"b"],
		["error",{"type":"unknownMethod"},"c"],
		["bar",{},"d"]
	]`, got)
}

func TestDispatch_ProviderChainSeesPriorResults(t *testing.T) {
	first := &providertest.Commands{ProviderName: "first", Handlers: map[string]providertest.HandlerFunc{
		"getFoo": providertest.Reply("foo", map[string]any{"from": "first"}),
	}}
	var prior []provider.Invocation
	second := &providertest.Commands{ProviderName: "second", Handlers: map[string]providertest.HandlerFunc{
		"getFoo": func(_ context.Context, call provider.Call) ([]provider.Invocation, error) {
			prior = call.Prior
			assert.Equal(t, "jane", call.Identity.Username)
			return []provider.Invocation{{Name: "foo", Args: map[string]any{"from": "second"}}}, nil
		},
	}}
	h := newHarness(t, jmap.Options{}, first, second)

	got := h.query(t, `[["getFoo",{"x":1},"#1"]]`)
	assert.JSONEq(t, `[["foo",{"from":"first"},"#1"],["foo",{"from":"second"},"#1"]]`, got)
	require.Len(t, prior, 1)
	assert.Equal(t, "#1", prior[0].CallID)
}

func TestDispatch_Failures(t *testing.T) {
	cp := &providertest.Commands{Handlers: map[string]providertest.HandlerFunc{
		"fail": func(context.Context, provider.Call) ([]provider.Invocation, error) {
			return nil, errors.New("mailbox locked")
		},
		"panic": func(context.Context, provider.Call) ([]provider.Invocation, error) {
			panic("kaboom")
		},
		"down": func(context.Context, provider.Call) ([]provider.Invocation, error) {
			return nil, fmt.Errorf("dial upstream: %w", provider.ErrUnavailable)
		},
		"slow": func(ctx context.Context, _ provider.Call) ([]provider.Invocation, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		"silent": func(context.Context, provider.Call) ([]provider.Invocation, error) {
			return nil, nil
		},
		"ok": providertest.Reply("fine", nil),
	}}
	h := newHarness(t, jmap.Options{CallTimeout: 20 * time.Millisecond}, cp)

	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "runtime error does not abort the batch",
			body: `[["fail",{},"1"],["ok",{},"2"]]`,
			want: `[["error",{"type":"runtimeError","details":"mailbox locked"},"1"],["fine",{},"2"]]`,
		},
		{
			name: "panic",
			body: `[["panic",{},"1"],["ok",{},"2"]]`,
			want: `[["error",{"type":"runtimeError","details":"provider commands-mock panicked: kaboom"},"1"],["fine",{},"2"]]`,
		},
		{
			name: "unavailable backend",
			body: `[["down",{},"1"]]`,
			want: `[["error",{"type":"serverUnavailable"},"1"]]`,
		},
		{
			name: "timeout",
			body: `[["slow",{},"1"],["ok",{},"2"]]`,
			want: `[["error",{"type":"serverUnavailable"},"1"],["fine",{},"2"]]`,
		},
		{
			name: "no result",
			body: `[["silent",{},"1"]]`,
			want: `[["error",{"type":"runtimeError","details":"silent produced no result"},"1"]]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.JSONEq(t, tt.want, h.query(t, tt.body))
		})
	}
}

func TestDispatch_ErrorHookReplacesResult(t *testing.T) {
	h := newHarness(t, jmap.Options{})

	var seen []string
	events.On(h.bus, events.Error, func(_ context.Context, e *jmap.ErrorEvent) {
		seen = append(seen, e.Command.Name)
		if e.Command.Name == "echo" {
			*e.Result = provider.Invocation{Name: "echo", Args: e.Command.Args}
		}
	})

	got := h.query(t, `[["echo",{"v":1},"#1"],["other",{},"#2"]]`)
	assert.JSONEq(t, `[["echo",{"v":1},"#1"],["error",{"type":"unknownMethod"},"#2"]]`, got)
	assert.Equal(t, []string{"echo", "other"}, seen)
}

func TestDispatch_ResponseHooks(t *testing.T) {
	cp := &providertest.Commands{Handlers: map[string]providertest.HandlerFunc{
		"getFoo": providertest.Reply("foo", map[string]any{"list": []any{}}),
	}}
	h := newHarness(t, jmap.Options{}, cp)

	var all []string
	events.On(h.bus, events.Response, func(_ context.Context, e *jmap.ResponseEvent) {
		all = append(all, e.Result.Name)
	})
	events.On(h.bus, events.ResponseFor("getFoo"), func(_ context.Context, e *jmap.ResponseEvent) {
		e.Result.Args["hooked"] = true
		e.Result.CallID = "tampered"
	})

	got := h.query(t, `[["getFoo",{},"#1"],["nope",{},"#2"]]`)
	assert.JSONEq(t, `[["foo",{"list":[],"hooked":true},"#1"],["error",{"type":"unknownMethod"},"#2"]]`, got)
	assert.Equal(t, []string{"foo", "error"}, all)
}

func TestDispatch_QueryHookRewritesBatch(t *testing.T) {
	h := newHarness(t, jmap.Options{})
	events.On(h.bus, events.Query, func(_ context.Context, e *jmap.QueryEvent) {
		assert.Equal(t, "jane", e.Identity.Username)
		e.Commands = e.Commands[:1]
	})

	got := h.query(t, `[["a",{},"1"],["b",{},"2"]]`)
	assert.JSONEq(t, `[["error",{"type":"unknownMethod"},"1"]]`, got)
}

func TestServeAPI_Rejections(t *testing.T) {
	h := newHarness(t, jmap.Options{MaxCalls: 2})

	tests := []struct {
		name       string
		body       string
		token      string
		wantStatus int
	}{
		{name: "no token", body: `[]`, wantStatus: http.StatusUnauthorized},
		{name: "bad token", body: `[]`, token: "bogus", wantStatus: http.StatusUnauthorized},
		{name: "not json", body: `nope`, token: h.token, wantStatus: http.StatusBadRequest},
		{name: "not an array", body: `{"a":1}`, token: h.token, wantStatus: http.StatusBadRequest},
		{name: "short triple", body: `[["a",{}]]`, token: h.token, wantStatus: http.StatusBadRequest},
		{name: "too many calls", body: `[["a",{},"1"],["a",{},"2"],["a",{},"3"]]`, token: h.token, wantStatus: http.StatusBadRequest},
		{name: "empty batch", body: `[]`, token: h.token, wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(http.MethodPost, "/jmap", tt.body, tt.token)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}

	rec := h.do(http.MethodPost, "/jmap", `[]`, h.token)
	assert.Equal(t, "[]", rec.Body.String())

	rec = h.do(http.MethodGet, "/jmap", "", h.token)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServeAPI_EndpointsPublished(t *testing.T) {
	h := newHarness(t, jmap.Options{})
	rec := h.do(http.MethodGet, "/auth", "", h.token)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp auth.SuccessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "http://example.com/jmap", resp.APIURL)
	assert.Equal(t, "http://example.com/download/{blobId}/{name}", resp.DownloadURL)
}

func TestNewDispatcher_RequiresDependencies(t *testing.T) {
	_, err := jmap.NewDispatcher(jmap.Options{})
	assert.Error(t, err)
	_, err = jmap.NewDispatcher(jmap.Options{Registry: provider.NewRegistry()})
	assert.Error(t, err)
}
