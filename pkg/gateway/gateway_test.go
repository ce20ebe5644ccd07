package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vx11/vx11/pkg/apierr"
	"github.com/vx11/vx11/pkg/auth"
	"github.com/vx11/vx11/pkg/backend"
	"github.com/vx11/vx11/pkg/clock"
	"github.com/vx11/vx11/pkg/events"
	"github.com/vx11/vx11/pkg/fallback"
	"github.com/vx11/vx11/pkg/policy"
	"github.com/vx11/vx11/pkg/results"
	"github.com/vx11/vx11/pkg/router"
	"github.com/vx11/vx11/pkg/storage"
	"github.com/vx11/vx11/pkg/types"
	"github.com/vx11/vx11/pkg/window"
)

const testToken = "s3cret-operator-token"

type fixture struct {
	server  *httptest.Server
	gateway *Server
	clock   *clock.FakeClock
	windows *window.Manager
	results *results.MemoryStore
	broker  *events.Broker

	// switchHits counts requests that reached the fake switch backend
	switchHits atomic.Int64
}

type setup struct {
	config  Config
	callers []router.Caller
}

type fixtureOption func(*setup)

func withCaller(c router.Caller) fixtureOption {
	return func(s *setup) { s.callers = append(s.callers, c) }
}

func withConfig(fn func(*Config)) fixtureOption {
	return func(s *setup) { fn(&s.config) }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{clock: clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))}
	f.broker = events.NewBroker()
	t.Cleanup(f.broker.Close)

	var err error
	f.windows, err = window.NewManager(window.Config{
		MinTTL:     time.Second,
		MaxTTL:     time.Hour,
		ExpiryTick: 250 * time.Millisecond,
		Gating: map[types.Target]types.Gating{
			types.TargetMadre: types.GatingAlwaysOn,
		},
	}, storage.NewMemoryStore(), f.clock, f.broker)
	require.NoError(t, err)

	switchBackend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.switchHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"reply":"hello from switch","provider":"switch-llm"}`)
	}))
	t.Cleanup(switchBackend.Close)

	client, err := backend.New(backend.Config{
		Target:  types.TargetSwitch,
		BaseURL: switchBackend.URL,
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)

	st := setup{
		config: Config{
			HeartbeatInterval: 15 * time.Second,
			QueueCapacity:     16,
			WriteTimeout:      time.Second,
			ServiceName:       "vx11-test",
			Version:           "test",
		},
		callers: []router.Caller{client},
	}
	for _, opt := range opts {
		opt(&st)
	}

	f.results = results.NewMemoryStore(time.Minute, f.clock)
	rt := router.New(router.Config{RetryDelay: time.Millisecond}, policy.NewEvaluator(f.windows),
		st.callers, fallback.New(), f.results, f.broker, clock.Real())

	validator, err := auth.NewValidator(testToken)
	require.NoError(t, err)
	tickets, err := auth.NewTicketIssuer(testToken, time.Minute, f.clock)
	require.NoError(t, err)

	f.gateway = New(st.config, Deps{
		Windows:   f.windows,
		Router:    rt,
		Results:   f.results,
		Broker:    f.broker,
		Validator: validator,
		Tickets:   tickets,
		Clock:     f.clock,
	})
	f.server = httptest.NewServer(f.gateway.Handler())
	t.Cleanup(func() {
		f.gateway.Shutdown()
		f.server.Close()
	})
	return f
}

// do sends a request carrying the shared token. headers are name/value
// pairs; an empty value removes the header.
func (f *fixture) do(t *testing.T, method, path string, body any, headers ...string) (*http.Response, []byte) {
	t.Helper()
	resp, data, err := f.request(method, path, body, headers...)
	require.NoError(t, err)
	return resp, data
}

func (f *fixture) request(method, path string, body any, headers ...string) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = bytes.NewBufferString(b)
		default:
			data, err := json.Marshal(b)
			if err != nil {
				return nil, nil, err
			}
			reader = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-VX11-Token", testToken)
	for i := 0; i+1 < len(headers); i += 2 {
		if headers[i+1] == "" {
			req.Header.Del(headers[i])
			continue
		}
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return resp, data, err
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestSoloChatDegradesToFallback(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/vx11/intent", map[string]any{"kind": "chat", "text": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	outcome := decode[types.Outcome](t, body)
	assert.Equal(t, types.OutcomeDone, outcome.Status)
	assert.Equal(t, types.ModeFallback, outcome.Mode)
	assert.Equal(t, fallback.Provider, outcome.Provider)
	assert.True(t, outcome.Degraded)
	assert.NotEmpty(t, outcome.Response)
	assert.Equal(t, resp.Header.Get("X-Correlation-ID"), outcome.CorrelationID)
	assert.Zero(t, f.switchHits.Load())
}

func TestOpenWindowEnablesGatedTarget(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/vx11/window/open", map[string]any{"target": "switch", "ttlSeconds": 60})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	opened := decode[OpenWindowResponse](t, body)
	assert.NotEmpty(t, opened.WindowID)
	require.NotNil(t, opened.Deadline)
	assert.Equal(t, f.clock.Now().Add(60*time.Second).UTC(), opened.Deadline.UTC())

	resp, body = f.do(t, http.MethodPost, "/vx11/intent", map[string]any{
		"kind":    "chat",
		"text":    "hi",
		"require": map[string]bool{"switch": true},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	outcome := decode[types.Outcome](t, body)
	assert.Equal(t, types.Mode("switch"), outcome.Mode)
	assert.Equal(t, "switch-llm", outcome.Provider)
	assert.False(t, outcome.Degraded)
	assert.JSONEq(t, `{"reply":"hello from switch","provider":"switch-llm"}`, string(outcome.Response))
	assert.EqualValues(t, 1, f.switchHits.Load())

	// the outcome stays retrievable by correlation id
	resp, body = f.do(t, http.MethodGet, "/vx11/result/"+outcome.CorrelationID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stored := decode[types.Outcome](t, body)
	assert.Equal(t, outcome.CorrelationID, stored.CorrelationID)
}

func TestWindowExpiryReturnsToSolo(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/vx11/window/open", map[string]any{"target": "switch", "ttlSeconds": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = f.do(t, http.MethodGet, "/vx11/window/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[WindowStatusResponse](t, body)
	assert.Equal(t, types.ModeWindowed, st.Mode)
	require.NotNil(t, st.TTLRemainingSeconds)
	assert.InDelta(t, 2.0, *st.TTLRemainingSeconds, 0.001)

	f.clock.Advance(3 * time.Second)

	resp, body = f.do(t, http.MethodGet, "/vx11/window/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st = decode[WindowStatusResponse](t, body)
	assert.Equal(t, types.ModeSolo, st.Mode)
	assert.Nil(t, st.TTLRemainingSeconds)

	// chat has a fallback, so the expired target degrades instead of failing
	resp, body = f.do(t, http.MethodPost, "/vx11/intent", map[string]any{
		"kind":    "chat",
		"text":    "still there?",
		"require": map[string]bool{"switch": true},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	outcome := decode[types.Outcome](t, body)
	assert.True(t, outcome.Degraded)
	assert.Zero(t, f.switchHits.Load())
}

func TestExpiredWindowAfterTickIsReported(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/vx11/window/open", map[string]any{"target": "spawner", "ttlSeconds": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	f.clock.Advance(3 * time.Second)
	require.True(t, f.windows.ExpireIfDue(window.ReasonTTL))
	require.Equal(t, types.ModeSolo, f.windows.Snapshot().Mode)

	resp, body = f.do(t, http.MethodPost, "/vx11/intent", map[string]any{
		"kind":    "spawn",
		"require": map[string]bool{"spawner": true},
	})
	require.Equal(t, http.StatusLocked, resp.StatusCode, string(body))
	assert.Equal(t, apierr.KindWindowExpired, decode[apierr.Envelope](t, body).Error)

	// a fresh window ends the expiry's reach
	resp, _ = f.do(t, http.MethodPost, "/vx11/window/open", map[string]any{"target": "hermes", "hold": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = f.do(t, http.MethodPost, "/vx11/intent", map[string]any{"kind": "spawn"})
	require.Equal(t, http.StatusLocked, resp.StatusCode, string(body))
	assert.Equal(t, apierr.KindOffByPolicy, decode[apierr.Envelope](t, body).Error)
}

func TestIntentCorrelationIDPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		body    string
		wantCID string
	}{
		{name: "header wins", header: "from-header", body: "from-body", wantCID: "from-header"},
		{name: "body used without header", body: "from-body", wantCID: "from-body"},
		{name: "body used over a malformed header", header: "bad id", body: "from-body", wantCID: "from-body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			resp, body := f.do(t, http.MethodPost, "/vx11/intent",
				map[string]any{"kind": "chat", "text": "hi", "correlationId": tt.body},
				"X-Correlation-ID", tt.header)
			require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
			assert.Equal(t, tt.wantCID, decode[types.Outcome](t, body).CorrelationID)
			assert.Equal(t, tt.wantCID, resp.Header.Get("X-Correlation-ID"))

			resp, _ = f.do(t, http.MethodGet, "/vx11/result/"+tt.wantCID, nil)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		})
	}

	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/vx11/intent",
		map[string]any{"kind": "chat", "text": "hi", "correlationId": "not valid!"}, "X-Correlation-ID", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	minted := decode[types.Outcome](t, body).CorrelationID
	assert.NotEqual(t, "not valid!", minted)
	assert.Equal(t, resp.Header.Get("X-Correlation-ID"), minted)
}

func TestDeniedWithoutFallbackIsLocked(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/vx11/intent", map[string]any{"kind": "exec", "payload": map[string]any{"cmd": "ls"}})
	require.Equal(t, http.StatusLocked, resp.StatusCode, string(body))
	env := decode[apierr.Envelope](t, body)
	assert.Equal(t, apierr.KindOffByPolicy, env.Error)
	assert.Equal(t, http.StatusLocked, env.StatusCode)
	assert.Equal(t, resp.Header.Get("X-Correlation-ID"), env.CorrelationID)
}

func TestAuthRejectionsNeverReachBackends(t *testing.T) {
	f := newFixture(t)
	_, err := f.windows.Open(window.OpenRequest{Services: []types.Target{types.TargetSwitch}, TTL: time.Minute})
	require.NoError(t, err)

	intent := map[string]any{"kind": "chat", "text": "x", "require": map[string]bool{"switch": true}}
	tests := []struct {
		name   string
		token  string
		status int
		kind   apierr.Kind
	}{
		{name: "missing token", token: "", status: http.StatusUnauthorized, kind: apierr.KindAuthRequired},
		{name: "wrong token", token: "nope", status: http.StatusForbidden, kind: apierr.KindForbidden},
		{name: "token prefix", token: testToken[:5], status: http.StatusForbidden, kind: apierr.KindForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/vx11/intent", intent, "X-VX11-Token", tt.token)
			require.Equal(t, tt.status, resp.StatusCode)
			env := decode[apierr.Envelope](t, body)
			assert.Equal(t, tt.kind, env.Error)
			assert.NotContains(t, string(body), testToken)
		})
	}
	assert.Zero(t, f.switchHits.Load())
}

func TestConcurrentOpenOnlyOneWins(t *testing.T) {
	f := newFixture(t)

	const attempts = 8
	codes := make([]int, attempts)
	bodies := make([][]byte, attempts)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			resp, body, err := f.request(http.MethodPost, "/vx11/window/open", map[string]any{"target": "switch", "ttlSeconds": 60})
			if err != nil {
				bodies[i] = []byte(err.Error())
				return
			}
			codes[i] = resp.StatusCode
			bodies[i] = body
		}(i)
	}
	close(start)
	wg.Wait()

	won := 0
	for i, code := range codes {
		switch code {
		case http.StatusOK:
			won++
		case http.StatusConflict:
			env := decode[apierr.Envelope](t, bodies[i])
			assert.Equal(t, apierr.KindAlreadyOpen, env.Error)
		default:
			t.Fatalf("unexpected status %d: %s", code, bodies[i])
		}
	}
	assert.Equal(t, 1, won)
}

func TestWindowOpenValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "no ttl or hold", body: `{"target":"switch"}`},
		{name: "ttl and hold", body: `{"target":"switch","ttlSeconds":10,"hold":true}`},
		{name: "ttl too long", body: `{"target":"switch","ttlSeconds":3601}`},
		{name: "ttl wrapping into range", body: `{"target":"switch","ttlSeconds":36028797018964028}`},
		{name: "ttl at int64 max", body: `{"target":"switch","ttlSeconds":9223372036854775807}`},
		{name: "zero ttl", body: `{"target":"switch","ttlSeconds":0}`},
		{name: "always-on target", body: `{"target":"madre","ttlSeconds":10}`},
		{name: "unknown target", body: `{"target":"nobody","ttlSeconds":10}`},
		{name: "no target", body: `{"ttlSeconds":10}`},
		{name: "malformed", body: `{"target":`},
		{name: "empty body", body: ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/vx11/window/open", tt.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
			env := decode[apierr.Envelope](t, body)
			assert.Equal(t, apierr.KindValidation, env.Error)
		})
	}
	assert.Equal(t, types.ModeSolo, f.windows.Snapshot().Mode)
}

func TestWindowCloseAndHistory(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/vx11/window/close", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.False(t, decode[CloseWindowResponse](t, body).Closed)

	resp, _ = f.do(t, http.MethodPost, "/vx11/window/open", map[string]any{"services": []string{"switch", "hermes"}, "hold": true, "reason": "maintenance"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/vx11/window/close", map[string]string{"reason": "done"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	closed := decode[CloseWindowResponse](t, body)
	assert.True(t, closed.Closed)
	assert.Equal(t, types.ModeSolo, closed.State.Mode)

	resp, body = f.do(t, http.MethodGet, "/vx11/window/history?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decode[struct {
		Transitions []types.Transition `json:"transitions"`
	}](t, body)
	require.Len(t, history.Transitions, 2)
	assert.Equal(t, types.CauseOpen, history.Transitions[0].Cause)
	assert.Equal(t, types.CauseClose, history.Transitions[1].Cause)
	assert.Equal(t, "done", history.Transitions[1].Reason)

	resp, _ = f.do(t, http.MethodGet, "/vx11/window/history?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResultLifecycle(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/vx11/intent", map[string]any{"kind": "plan", "text": "ship it"}, "X-Correlation-ID", "plan-42")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "plan-42", resp.Header.Get("X-Correlation-ID"))

	resp, _ = f.do(t, http.MethodGet, "/vx11/result/plan-42", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f.clock.Advance(90 * time.Second)
	resp, body = f.do(t, http.MethodGet, "/vx11/result/plan-42", nil)
	require.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Equal(t, apierr.KindGone, decode[apierr.Envelope](t, body).Error)

	f.clock.Advance(time.Minute)
	resp, _ = f.do(t, http.MethodGet, "/vx11/result/plan-42", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/vx11/result/never-seen", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnknownRoutesAndMethods(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{name: "unknown path", method: http.MethodGet, path: "/vx11/nope", status: http.StatusNotFound},
		{name: "catch-all is absent", method: http.MethodGet, path: "/vx11/window/open/extra", status: http.StatusNotFound},
		{name: "wrong method", method: http.MethodGet, path: "/vx11/intent", status: http.StatusMethodNotAllowed},
		{name: "wrong method on window", method: http.MethodDelete, path: "/vx11/window/status", status: http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, tt.method, tt.path, nil)
			require.Equal(t, tt.status, resp.StatusCode)
			env := decode[apierr.Envelope](t, body)
			assert.Equal(t, apierr.KindNotFound, env.Error)
			assert.Equal(t, tt.status, env.StatusCode)
		})
	}
}

func TestPublicEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/health", nil, "X-VX11-Token", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]any](t, body)["status"])
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	resp, _ = f.do(t, http.MethodGet, "/vx11/status", nil, "X-VX11-Token", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/metrics", nil, "X-VX11-Token", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStatusReportsWindowAndBackends(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/vx11/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	st := decode[StatusResponse](t, body)

	assert.Equal(t, types.ModeSolo, st.Window.Mode)
	require.Len(t, st.Backends, len(types.AllTargets))
	for _, b := range st.Backends {
		if b.Target == types.TargetMadre {
			assert.Equal(t, types.GatingAlwaysOn, b.Gating)
		} else {
			assert.Equal(t, types.GatingWindow, b.Gating)
		}
		assert.Equal(t, "unprobed", b.Reason)
	}
	assert.Len(t, st.Routes, 5)
	assert.Zero(t, f.switchHits.Load())
}

func TestVerifyWithoutSigner(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/vx11/window/verify", map[string]string{"token": "abc"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	v := decode[VerifyResponse](t, body)
	assert.False(t, v.Valid)
	assert.NotEmpty(t, v.Reason)

	resp, _ = f.do(t, http.MethodPost, "/vx11/window/verify", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBackendClientErrorKeepsStatus(t *testing.T) {
	hermes := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"error":"bad command"}`)
	}))
	defer hermes.Close()
	client, err := backend.New(backend.Config{Target: types.TargetHermes, BaseURL: hermes.URL, Timeout: time.Second})
	require.NoError(t, err)

	f := newFixture(t, withCaller(client))
	_, err = f.windows.Open(window.OpenRequest{Services: []types.Target{types.TargetHermes}, TTL: time.Minute})
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodPost, "/vx11/intent", map[string]any{"kind": "exec", "payload": map[string]string{"cmd": "??"}})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(body))
	outcome := decode[types.Outcome](t, body)
	assert.Equal(t, types.OutcomeError, outcome.Status)
	assert.JSONEq(t, `{"error":"bad command"}`, string(outcome.Error))
}
