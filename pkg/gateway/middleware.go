package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/vx11/vx11/pkg/apierr"
	"github.com/vx11/vx11/pkg/auth"
	"github.com/vx11/vx11/pkg/events"
	"github.com/vx11/vx11/pkg/log"
	"github.com/vx11/vx11/pkg/metrics"
)

// maxBodyBytes bounds every request body
const maxBodyBytes = 1 << 20

type ctxKey int

const correlationKey ctxKey = iota

// CorrelationID returns the request's correlation id
func CorrelationID(ctx context.Context) string {
	cid, _ := ctx.Value(correlationKey).(string)
	return cid
}

// validCorrelationID accepts caller ids that are safe to echo into logs and headers
func validCorrelationID(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return false
		}
	}
	return true
}

// recoverer turns panics into internal_error envelopes. It runs outside the
// correlation middleware, so it reads the id back from the response header.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			cid := w.Header().Get(s.config.CorrelationHeader)
			logger := log.WithCorrelationID(s.logger, cid)
			logger.Error().
				Str("panic", fmt.Sprint(rec)).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
			e := apierr.Internal(fmt.Errorf("panic: %v", rec))
			writeJSON(w, e.Status, apierr.NewEnvelope(e, cid, s.clock.Now()))
		}()
		next.ServeHTTP(w, r)
	})
}

// correlation reads the inbound correlation id or mints one, and echoes it
// on the response.
func (s *Server) correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get(s.config.CorrelationHeader)
		if !validCorrelationID(cid) {
			cid = uuid.NewString()
		}
		w.Header().Set(s.config.CorrelationHeader, cid)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey, cid)))
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// instrument records request counts and latency by route pattern, never by
// raw path, so unknown paths cannot blow up label cardinality.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		timer := metrics.NewTimer()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, r.Method, fmt.Sprint(status)).Inc()
		timer.ObserveDurationVec(metrics.HTTPRequestDuration, route)
		logger := log.WithCorrelationID(s.logger, CorrelationID(r.Context()))
		logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", timer.Duration()).
			Msg("request served")
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate guards every non-public route with the shared token header
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.checkToken(r, r.Header.Get(s.config.TokenHeader), false); err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkToken validates a presented credential. Stream tickets are only
// accepted where allowTicket is set. The error never says why a token was
// rejected.
func (s *Server) checkToken(r *http.Request, presented string, allowTicket bool) error {
	reason := ""
	switch {
	case presented == "":
		reason = "missing"
	case allowTicket && s.tickets != nil && auth.LooksLikeTicket(presented) && s.ticketValid(presented):
		return nil
	case !s.validator.Validate(presented):
		reason = "invalid"
	default:
		return nil
	}

	metrics.AuthFailuresTotal.WithLabelValues(reason).Inc()
	cid := CorrelationID(r.Context())
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:          events.EventAuthRejected,
			Severity:      events.SeverityInfo,
			CorrelationID: cid,
			Summary:       "request rejected: " + reason + " token",
			Payload:       map[string]any{"reason": reason, "method": r.Method, "path": r.URL.Path},
		})
	}
	if reason == "missing" {
		return apierr.AuthRequired()
	}
	return apierr.Forbidden()
}

func (s *Server) ticketValid(ticket string) bool {
	_, err := s.tickets.Verify(ticket)
	return err == nil
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client IP
type rateLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	clients map[string]*limiterEntry
}

func newRateLimiter(perSecond float64, burst int, now func() time.Time) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idle:    10 * time.Minute,
		now:     now,
		clients: make(map[string]*limiterEntry),
	}
}

func (l *rateLimiter) allow(ip string) bool {
	now := l.now()
	l.mu.Lock()
	entry, ok := l.clients[ip]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = entry
	}
	entry.lastSeen = now
	l.mu.Unlock()
	return entry.limiter.AllowN(now, 1)
}

// cleanup forgets clients idle for longer than l.idle
func (l *rateLimiter) cleanup() int {
	cutoff := l.now().Add(-l.idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for ip, entry := range l.clients {
		if entry.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
			removed++
		}
	}
	return removed
}

func (l *rateLimiter) run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.allow(clientIP(r)) {
			metrics.RateLimitedTotal.Inc()
			s.writeError(w, r, apierr.RateLimited())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP uses the socket peer only. Forwarding headers are caller
// controlled and would let a client pick its own bucket.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
