package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vx11/vx11/pkg/health"
	"github.com/vx11/vx11/pkg/metrics"
	"github.com/vx11/vx11/pkg/types"
)

const maxResponseBytes = 4 << 20

// FailureKind categorizes a failed call
type FailureKind string

const (
	FailureTimeout           FailureKind = "timeout"
	FailureConnectionRefused FailureKind = "connection_refused"
	FailureNetwork           FailureKind = "network"
	FailureClientStatus      FailureKind = "client_status"
	FailureServerStatus      FailureKind = "server_status"
	FailureMalformed         FailureKind = "malformed"
)

// CallError is returned by Call for every failure. Body is always valid
// JSON: the backend's own error document when it sent one.
type CallError struct {
	Target     types.Target
	Kind       FailureKind
	StatusCode int
	Body       json.RawMessage
	Err        error
}

func (e *CallError) Error() string {
	switch e.Kind {
	case FailureClientStatus, FailureServerStatus:
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Target, e.Kind, e.StatusCode)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Target, e.Kind, e.Err)
	}
}

func (e *CallError) Unwrap() error { return e.Err }

// Transient reports whether a retry could plausibly succeed
func (e *CallError) Transient() bool {
	return e.Kind == FailureTimeout || e.Kind == FailureConnectionRefused
}

// Config describes one backend
type Config struct {
	Target            types.Target
	BaseURL           string
	HealthPath        string
	Timeout           time.Duration
	HealthTimeout     time.Duration
	CorrelationHeader string
	// Transport defaults to a dedicated http.Transport per client
	Transport http.RoundTripper
}

// CallOptions are per-call overrides
type CallOptions struct {
	Timeout       time.Duration
	CorrelationID string
	Headers       map[string]string
}

// Response is a successful backend answer
type Response struct {
	StatusCode int
	Body       json.RawMessage
}

// HealthReport is the result of a health probe
type HealthReport struct {
	Healthy   bool      `json:"healthy"`
	LatencyMs int64     `json:"latencyMs"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Client calls one backend. It never retries and holds no state beyond its
// own connection pool.
type Client struct {
	target            types.Target
	base              *url.URL
	timeout           time.Duration
	correlationHeader string
	http              *http.Client
	checker           health.Checker
}

// New creates a client for cfg
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend %s: invalid base URL %q", cfg.Target, cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("backend %s: timeout must be positive", cfg.Target)
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 2 * time.Second
	}
	if cfg.CorrelationHeader == "" {
		cfg.CorrelationHeader = "X-Correlation-ID"
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}

	var checker health.Checker
	if cfg.HealthPath == "" {
		checker = health.NewTCPChecker(base.Host).WithTimeout(cfg.HealthTimeout)
	} else {
		checker = health.NewHTTPChecker(base.JoinPath(cfg.HealthPath).String()).
			WithTimeout(cfg.HealthTimeout).
			WithTransport(transport).
			WithHeader(cfg.CorrelationHeader, "health-"+string(cfg.Target))
	}

	return &Client{
		target:            cfg.Target,
		base:              base,
		timeout:           cfg.Timeout,
		correlationHeader: cfg.CorrelationHeader,
		// Deadlines come from the call context, not the client.
		http:    &http.Client{Transport: transport},
		checker: checker,
	}, nil
}

// Target returns the backend this client talks to
func (c *Client) Target() types.Target { return c.target }

// Health probes the backend
func (c *Client) Health(ctx context.Context) HealthReport {
	r := c.checker.Check(ctx)
	metrics.BackendHealthy.WithLabelValues(string(c.target)).Set(boolGauge(r.Healthy))
	return HealthReport{
		Healthy:   r.Healthy,
		LatencyMs: r.Duration.Milliseconds(),
		Reason:    r.Reason,
		CheckedAt: r.CheckedAt,
	}
}

// Call POSTs payload as JSON to path and returns the backend's JSON answer.
// The call is bounded by the target timeout unless opts overrides it.
func (c *Client) Call(ctx context.Context, path string, payload any, opts CallOptions) (*Response, error) {
	timeout := c.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("backend %s: encoding payload: %w", c.target, err)
	}

	endpoint := c.base.JoinPath(path).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("backend %s: building request: %w", c.target, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if opts.CorrelationID != "" {
		req.Header.Set(c.correlationHeader, opts.CorrelationID)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	timer := metrics.NewTimer()
	resp, err := c.http.Do(req)
	timer.ObserveDurationVec(metrics.UpstreamCallDuration, string(c.target))
	if err != nil {
		callErr := c.transportError(err)
		c.record(string(callErr.Kind))
		return nil, callErr
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		callErr := c.transportError(err)
		c.record(string(callErr.Kind))
		return nil, callErr
	}
	if len(raw) > maxResponseBytes {
		c.record(string(FailureMalformed))
		return nil, &CallError{Target: c.target, Kind: FailureMalformed, StatusCode: resp.StatusCode,
			Body: errorDocument(resp.StatusCode, "response too large"), Err: errors.New("response exceeds size limit")}
	}

	switch {
	case resp.StatusCode >= 500:
		c.record(string(FailureServerStatus))
		return nil, &CallError{Target: c.target, Kind: FailureServerStatus, StatusCode: resp.StatusCode, Body: asJSON(resp.StatusCode, raw)}
	case resp.StatusCode >= 400:
		c.record(string(FailureClientStatus))
		return nil, &CallError{Target: c.target, Kind: FailureClientStatus, StatusCode: resp.StatusCode, Body: asJSON(resp.StatusCode, raw)}
	}

	if len(bytes.TrimSpace(raw)) == 0 || !json.Valid(raw) {
		c.record(string(FailureMalformed))
		return nil, &CallError{Target: c.target, Kind: FailureMalformed, StatusCode: resp.StatusCode,
			Body: errorDocument(resp.StatusCode, "response is not JSON"), Err: errors.New("malformed response body")}
	}

	c.record("ok")
	return &Response{StatusCode: resp.StatusCode, Body: raw}, nil
}

func (c *Client) transportError(err error) *CallError {
	kind := FailureNetwork
	switch health.Categorize(err) {
	case health.ReasonTimeout:
		kind = FailureTimeout
	case health.ReasonConnectionRefused:
		kind = FailureConnectionRefused
	}
	var opErr *net.OpError
	if kind == FailureNetwork && errors.As(err, &opErr) && opErr.Op == "dial" {
		// Nothing accepted the connection; treat like a refusal.
		kind = FailureConnectionRefused
	}
	return &CallError{Target: c.target, Kind: kind, Err: err}
}

func (c *Client) record(result string) {
	metrics.UpstreamCallsTotal.WithLabelValues(string(c.target), result).Inc()
}

// asJSON returns the backend body untouched when it is JSON, otherwise an
// error document that carries it as a string.
func asJSON(status int, raw []byte) json.RawMessage {
	if len(bytes.TrimSpace(raw)) > 0 && json.Valid(raw) {
		return raw
	}
	return errorDocument(status, strings.TrimSpace(string(raw)))
}

func errorDocument(status int, detail string) json.RawMessage {
	doc, _ := json.Marshal(map[string]any{"status": status, "detail": detail})
	return doc
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
