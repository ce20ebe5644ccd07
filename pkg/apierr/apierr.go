// Package apierr is the closed error taxonomy of the VX11 HTTP surface.
//
// Components return *Error values (or wrap them); the gateway renders any
// error through From, so anything unrecognised becomes internal_error.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is the machine-readable error name sent in the envelope.
type Kind string

const (
	KindAuthRequired        Kind = "auth_required"        // 401
	KindForbidden           Kind = "forbidden"            // 403
	KindOffByPolicy         Kind = "off_by_policy"        // 423
	KindWindowExpired       Kind = "window_expired"       // 423
	KindValidation          Kind = "validation_error"     // 400
	KindUpstreamUnavailable Kind = "upstream_unavailable" // 502, 503, 408
	KindNotFound            Kind = "not_found"            // 404, 405
	KindInternal            Kind = "internal_error"       // 500
	KindAlreadyOpen         Kind = "already_open"         // 409
	KindGone                Kind = "gone"                 // 410
	KindRateLimited         Kind = "rate_limited"         // 429
)

// Error is a structured error with kind, HTTP status and a caller-safe detail.
type Error struct {
	Kind   Kind
	Status int
	Detail string
	Cause  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// AuthRequired is returned when no token was presented.
func AuthRequired() *Error {
	return &Error{Kind: KindAuthRequired, Status: http.StatusUnauthorized, Detail: "authentication required"}
}

// Forbidden is returned for any presented token that does not validate.
// The detail never says why.
func Forbidden() *Error {
	return &Error{Kind: KindForbidden, Status: http.StatusForbidden, Detail: "invalid token"}
}

// OffByPolicy is returned when the current window policy forbids a gated target.
func OffByPolicy(detail string) *Error {
	return &Error{Kind: KindOffByPolicy, Status: http.StatusLocked, Detail: detail}
}

// WindowExpired is returned when the target's window has passed its deadline.
func WindowExpired(detail string) *Error {
	return &Error{Kind: KindWindowExpired, Status: http.StatusLocked, Detail: detail}
}

// Validation is returned for malformed caller input.
func Validation(detail string) *Error {
	return &Error{Kind: KindValidation, Status: http.StatusBadRequest, Detail: detail}
}

// Validationf formats a validation detail.
func Validationf(format string, args ...any) *Error {
	return Validation(fmt.Sprintf(format, args...))
}

// UpstreamUnavailable is returned when a backend cannot serve the request.
// status is 502 or 503.
func UpstreamUnavailable(status int, detail string, cause error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Status: status, Detail: detail, Cause: cause}
}

// UpstreamTimeout is the 408 flavour of upstream_unavailable.
func UpstreamTimeout(detail string, cause error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Status: http.StatusRequestTimeout, Detail: detail, Cause: cause}
}

// NotFound is returned for unknown paths and unknown result ids.
func NotFound(detail string) *Error {
	return &Error{Kind: KindNotFound, Status: http.StatusNotFound, Detail: detail}
}

// MethodNotAllowed is a not_found with status 405.
func MethodNotAllowed(method, path string) *Error {
	return &Error{Kind: KindNotFound, Status: http.StatusMethodNotAllowed, Detail: fmt.Sprintf("%s not allowed on %s", method, path)}
}

// Internal wraps an unexpected error. The cause is logged, never sent.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Detail: "internal error", Cause: cause}
}

// AlreadyOpen is returned when a window is opened while another is active.
func AlreadyOpen(windowID string) *Error {
	return &Error{Kind: KindAlreadyOpen, Status: http.StatusConflict, Detail: fmt.Sprintf("window %s is already open", windowID)}
}

// Gone is returned for result ids that aged out of retention.
func Gone(detail string) *Error {
	return &Error{Kind: KindGone, Status: http.StatusGone, Detail: detail}
}

// RateLimited is returned when a client exceeds its request budget.
func RateLimited() *Error {
	return &Error{Kind: KindRateLimited, Status: http.StatusTooManyRequests, Detail: "rate limit exceeded"}
}

// From extracts an *Error from err, mapping anything else to internal_error.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Envelope is the uniform JSON error body.
type Envelope struct {
	Error         Kind      `json:"error"`
	StatusCode    int       `json:"statusCode"`
	Detail        string    `json:"detail,omitempty"`
	CorrelationID string    `json:"correlationId"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewEnvelope renders e for the wire.
func NewEnvelope(e *Error, correlationID string, now time.Time) Envelope {
	return Envelope{
		Error:         e.Kind,
		StatusCode:    e.Status,
		Detail:        e.Detail,
		CorrelationID: correlationID,
		Timestamp:     now.UTC(),
	}
}
