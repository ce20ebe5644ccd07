package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vx11/vx11/pkg/apierr"
	"github.com/vx11/vx11/pkg/events"
	"github.com/vx11/vx11/pkg/gateway"
	"github.com/vx11/vx11/pkg/types"
)

// ErrUnavailable wraps every failure to reach the gateway at all
var ErrUnavailable = errors.New("gateway unavailable")

// APIError is a non-2xx answer from the gateway. Envelope is set for
// gateway errors; Outcome is set when an intent reached a backend that
// rejected it.
type APIError struct {
	StatusCode int
	Envelope   *apierr.Envelope
	Outcome    *types.Outcome
}

func (e *APIError) Error() string {
	if e.Envelope != nil {
		if e.Envelope.Detail != "" {
			return fmt.Sprintf("%s (HTTP %d): %s", e.Envelope.Error, e.StatusCode, e.Envelope.Detail)
		}
		return fmt.Sprintf("%s (HTTP %d)", e.Envelope.Error, e.StatusCode)
	}
	if e.Outcome != nil && len(e.Outcome.Error) > 0 {
		return fmt.Sprintf("backend %s rejected the intent (HTTP %d): %s", e.Outcome.Target, e.StatusCode, e.Outcome.Error)
	}
	return fmt.Sprintf("unexpected HTTP %d", e.StatusCode)
}

// Kind returns the envelope's error kind, or "" when there is none
func (e *APIError) Kind() apierr.Kind {
	if e.Envelope == nil {
		return ""
	}
	return e.Envelope.Error
}

// Client talks to the VX11 gateway over HTTP
type Client struct {
	baseURL       *url.URL
	token         string
	tokenHeader   string
	cidHeader     string
	correlationID string
	timeout       time.Duration
	http          *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds every non-streaming call. Default 10s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithCorrelationID sends a fixed correlation id instead of minting one per call
func WithCorrelationID(cid string) Option {
	return func(c *Client) { c.correlationID = cid }
}

// WithHeaders overrides the token and correlation header names
func WithHeaders(tokenHeader, correlationHeader string) Option {
	return func(c *Client) {
		if tokenHeader != "" {
			c.tokenHeader = tokenHeader
		}
		if correlationHeader != "" {
			c.cidHeader = correlationHeader
		}
	}
}

// New creates a client for the gateway at baseURL
func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid gateway URL %q", baseURL)
	}
	c := &Client{
		baseURL:     u,
		token:       token,
		tokenHeader: "X-VX11-Token",
		cidHeader:   "X-Correlation-ID",
		timeout:     10 * time.Second,
		http:        &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Status returns policy, backend health and the routing table
func (c *Client) Status(ctx context.Context) (*gateway.StatusResponse, error) {
	var out gateway.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/vx11/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OpenWindow opens a window over req's services
func (c *Client) OpenWindow(ctx context.Context, req gateway.OpenWindowRequest) (*gateway.OpenWindowResponse, error) {
	var out gateway.OpenWindowResponse
	if err := c.do(ctx, http.MethodPost, "/vx11/window/open", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CloseWindow returns the gateway to solo mode
func (c *Client) CloseWindow(ctx context.Context, reason string) (*gateway.CloseWindowResponse, error) {
	var out gateway.CloseWindowResponse
	body := map[string]string{}
	if reason != "" {
		body["reason"] = reason
	}
	if err := c.do(ctx, http.MethodPost, "/vx11/window/close", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WindowStatus returns the current window and its remaining TTL
func (c *Client) WindowStatus(ctx context.Context) (*gateway.WindowStatusResponse, error) {
	var out gateway.WindowStatusResponse
	if err := c.do(ctx, http.MethodGet, "/vx11/window/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WindowHistory returns up to limit recent transitions, oldest first
func (c *Client) WindowHistory(ctx context.Context, limit int) ([]types.Transition, error) {
	var out struct {
		Transitions []types.Transition `json:"transitions"`
	}
	path := "/vx11/window/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Transitions, nil
}

// VerifyToken asks the gateway whether a capability token is still good
func (c *Client) VerifyToken(ctx context.Context, token string) (*gateway.VerifyResponse, error) {
	var out gateway.VerifyResponse
	if err := c.do(ctx, http.MethodPost, "/vx11/window/verify", map[string]string{"token": token}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendIntent routes one intent. When a backend rejects the intent the
// outcome is returned together with an *APIError.
func (c *Client) SendIntent(ctx context.Context, intent *types.Intent) (*types.Outcome, error) {
	// the gateway takes the correlation id from the header, not the body
	call := c
	if intent.CorrelationID != "" {
		cp := *c
		cp.correlationID = intent.CorrelationID
		call = &cp
	}
	var out types.Outcome
	err := call.do(ctx, http.MethodPost, "/vx11/intent", intent, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Outcome != nil {
		return apiErr.Outcome, err
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Result fetches a stored outcome by correlation id
func (c *Client) Result(ctx context.Context, correlationID string) (*types.Outcome, error) {
	var out types.Outcome
	if err := c.do(ctx, http.MethodGet, "/vx11/result/"+url.PathEscape(correlationID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ticket mints a short-lived event stream credential
func (c *Client) Ticket(ctx context.Context) (*gateway.TicketResponse, error) {
	var out gateway.TicketResponse
	if err := c.do(ctx, http.MethodPost, "/operator/api/events/ticket", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health reports whether the gateway answers its liveness probe
func (c *Client) Health(ctx context.Context) error {
	var out map[string]any
	return c.do(ctx, http.MethodGet, "/health", nil, &out)
}

// TailEvents streams events to fn until ctx is cancelled, the stream ends
// or fn returns an error. A clean end of stream returns nil.
func (c *Client) TailEvents(ctx context.Context, fn func(*events.Event) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/operator/api/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var event events.Event
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return fmt.Errorf("malformed event: %w", err)
		}
		if err := fn(&event); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: stream interrupted: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(c.tokenHeader, c.token)
	}
	cid := c.correlationID
	if cid == "" {
		cid = uuid.NewString()
	}
	req.Header.Set(c.cidHeader, cid)
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeError tells a gateway envelope apart from an outcome carrying a
// backend rejection: only outcomes have a kind.
func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || len(data) == 0 {
		return apiErr
	}

	var probe struct {
		Kind  types.IntentKind `json:"kind"`
		Error json.RawMessage  `json:"error"`
	}
	if json.Unmarshal(data, &probe) != nil {
		return apiErr
	}
	if probe.Kind != "" {
		var outcome types.Outcome
		if json.Unmarshal(data, &outcome) == nil {
			apiErr.Outcome = &outcome
		}
		return apiErr
	}
	var env apierr.Envelope
	if json.Unmarshal(data, &env) == nil && env.Error != "" {
		apiErr.Envelope = &env
	}
	return apiErr
}
