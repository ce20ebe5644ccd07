package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vx11/vx11/pkg/types"
)

func newClient(t *testing.T, url string, timeout time.Duration) *Client {
	t.Helper()
	c, err := New(Config{
		Target:     types.TargetSwitch,
		BaseURL:    url,
		HealthPath: "/health",
		Timeout:    timeout,
	})
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Target: types.TargetSwitch, BaseURL: "switch:8002", Timeout: time.Second})
	assert.Error(t, err)
	_, err = New(Config{Target: types.TargetSwitch, BaseURL: "http://switch:8002"})
	assert.Error(t, err)
}

func TestCallSuccessPropagatesCorrelationID(t *testing.T) {
	var seenCID, seenPath string
	var seenBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenCID = r.Header.Get("X-Correlation-ID")
		seenPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&seenBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"done","reply":"hi"}`))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, time.Second)
	resp, err := c.Call(context.Background(), "/switch/chat", map[string]string{"text": "hello"}, CallOptions{CorrelationID: "cid-42"})
	require.NoError(t, err)

	assert.Equal(t, "cid-42", seenCID)
	assert.Equal(t, "/switch/chat", seenPath)
	assert.Equal(t, "hello", seenBody["text"])
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"done","reply":"hi"}`, string(resp.Body))
}

func TestCallFailureKinds(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		kind      FailureKind
		status    int
		transient bool
		body      string
	}{
		{
			name: "client error kept verbatim",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = w.Write([]byte(`{"error":"bad prompt","field":"text"}`))
			},
			kind:   FailureClientStatus,
			status: http.StatusUnprocessableEntity,
			body:   `{"error":"bad prompt","field":"text"}`,
		},
		{
			name: "server error with text body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte("kaboom"))
			},
			kind:   FailureServerStatus,
			status: http.StatusInternalServerError,
			body:   `{"status":500,"detail":"kaboom"}`,
		},
		{
			name: "malformed success",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("<html>"))
			},
			kind:   FailureMalformed,
			status: http.StatusOK,
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-time.After(time.Second):
				case <-r.Context().Done():
				}
			},
			kind:      FailureTimeout,
			transient: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := newClient(t, srv.URL, 50*time.Millisecond)
			_, err := c.Call(context.Background(), "/x", nil, CallOptions{})

			var callErr *CallError
			require.True(t, errors.As(err, &callErr), "got %v", err)
			assert.Equal(t, tt.kind, callErr.Kind)
			assert.Equal(t, tt.status, callErr.StatusCode)
			assert.Equal(t, tt.transient, callErr.Transient())
			assert.True(t, json.Valid(callErr.Body) || callErr.Body == nil)
			if tt.body != "" {
				assert.JSONEq(t, tt.body, string(callErr.Body))
			}
		})
	}
}

func TestCallConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := newClient(t, "http://"+addr, time.Second)
	_, err = c.Call(context.Background(), "/x", nil, CallOptions{})

	var callErr *CallError
	require.True(t, errors.As(err, &callErr))
	assert.Equal(t, FailureConnectionRefused, callErr.Kind)
	assert.True(t, callErr.Transient())
}

func TestCallTimeoutOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(80 * time.Millisecond)
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 20*time.Millisecond)
	_, err := c.Call(context.Background(), "/x", nil, CallOptions{Timeout: time.Second})
	assert.NoError(t, err)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	report := newClient(t, srv.URL, time.Second).Health(context.Background())
	assert.True(t, report.Healthy)
	assert.Empty(t, report.Reason)
	assert.GreaterOrEqual(t, report.LatencyMs, int64(0))

	srv.Close()
	report = newClient(t, srv.URL, time.Second).Health(context.Background())
	assert.False(t, report.Healthy)
	assert.Equal(t, "connection_refused", report.Reason)
}

func TestHealthTCPWhenNoPath(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c, err := New(Config{Target: types.TargetHormiguero, BaseURL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)
	assert.True(t, c.Health(context.Background()).Healthy)
}
