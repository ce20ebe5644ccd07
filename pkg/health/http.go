package health

import (
	"context"
	"io"
	"net/http"
	"time"
)

// HTTPChecker GETs a backend's health URL. 2xx and 3xx count as healthy
// unless WithStatusRange says otherwise.
type HTTPChecker struct {
	url      string
	header   http.Header
	min, max int
	client   *http.Client
}

// NewHTTPChecker probes url with a 10s client timeout
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		url:    url,
		header: make(http.Header),
		min:    http.StatusOK,
		max:    399,
		client: &http.Client{
			Timeout: 10 * time.Second,
			// a redirect is an answer; following it would probe something else
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

// Check performs one probe
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return failed(start, ReasonNetwork, "bad probe url %q: %v", h.url, err)
	}
	for k, vs := range h.header {
		req.Header[k] = vs
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return failed(start, Categorize(err), "GET %s: %v", h.url, err)
	}
	defer resp.Body.Close()
	// drain so the next probe can reuse the connection
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < h.min || resp.StatusCode > h.max {
		return failed(start, StatusReason(resp.StatusCode), "HTTP %d, want %d-%d", resp.StatusCode, h.min, h.max)
	}
	return passed(start, "HTTP %d", resp.StatusCode)
}

// WithHeader adds a request header to every probe
func (h *HTTPChecker) WithHeader(key, value string) *HTTPChecker {
	h.header.Set(key, value)
	return h
}

// WithStatusRange sets the inclusive range of healthy status codes
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.min, h.max = min, max
	return h
}

func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.client.Timeout = timeout
	return h
}

// WithTransport swaps the round tripper, e.g. for an instrumented one
func (h *HTTPChecker) WithTransport(rt http.RoundTripper) *HTTPChecker {
	h.client.Transport = rt
	return h
}
