package gateway

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vx11/vx11/pkg/apierr"
	"github.com/vx11/vx11/pkg/backend"
	"github.com/vx11/vx11/pkg/metrics"
	"github.com/vx11/vx11/pkg/results"
	"github.com/vx11/vx11/pkg/router"
	"github.com/vx11/vx11/pkg/types"
	"github.com/vx11/vx11/pkg/window"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   s.config.ServiceName,
		"version":   s.config.Version,
		"timestamp": s.clock.Now().UTC(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	metrics.ReadyHandler()(w, r)
}

func (s *Server) metricsHandler() http.Handler {
	return metrics.Handler()
}

// BackendStatus is one row of the status page
type BackendStatus struct {
	Target types.Target `json:"target"`
	Gating types.Gating `json:"gating"`
	backend.HealthReport
}

// StatusResponse is the body of GET /vx11/status
type StatusResponse struct {
	Window            WindowStatusResponse `json:"window"`
	Health            string               `json:"health"`
	Backends          []BackendStatus      `json:"backends"`
	Routes            []router.Route       `json:"routes"`
	StreamSubscribers int                  `json:"streamSubscribers"`
	Timestamp         time.Time            `json:"timestamp"`
}

// handleStatus reports policy and the last known backend health. It reads
// the monitor's cache and never probes inline.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.windows.ExpireIfDue(window.ReasonTTL)

	var reports map[types.Target]backend.HealthReport
	if s.monitor != nil {
		reports = s.monitor.Snapshot()
	}
	backends := make([]BackendStatus, 0, len(types.AllTargets))
	for _, t := range types.AllTargets {
		row := BackendStatus{Target: t, Gating: s.windows.Gating(t)}
		if report, ok := reports[t]; ok {
			row.HealthReport = report
		} else {
			row.Reason = "unprobed"
		}
		backends = append(backends, row)
	}

	subscribers := 0
	if s.broker != nil {
		subscribers = s.broker.SubscriberCount()
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Window:            newWindowStatus(s.windows.Status()),
		Health:            metrics.GetHealth().Status,
		Backends:          backends,
		Routes:            router.Routes(),
		StreamSubscribers: subscribers,
		Timestamp:         s.clock.Now().UTC(),
	})
}

// handleIntent routes one intent. A backend 4xx is answered with the
// backend's status code and the outcome as body.
func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	var intent types.Intent
	if err := decodeBody(r, &intent, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	// the body's id stands in only when the caller sent no usable header
	cid := CorrelationID(r.Context())
	if !validCorrelationID(r.Header.Get(s.config.CorrelationHeader)) && validCorrelationID(intent.CorrelationID) {
		cid = intent.CorrelationID
		w.Header().Set(s.config.CorrelationHeader, cid)
		r = r.WithContext(context.WithValue(r.Context(), correlationKey, cid))
	}
	intent.CorrelationID = cid

	outcome, err := s.router.Route(r.Context(), &intent)
	if err != nil {
		if r.Context().Err() != nil {
			// client went away; nobody is listening for the answer
			return
		}
		s.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if outcome.Status == types.OutcomeError && outcome.UpstreamStatus >= 400 {
		status = outcome.UpstreamStatus
	}
	writeJSON(w, status, outcome)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "correlationId")
	if !validCorrelationID(id) {
		s.writeError(w, r, apierr.Validation("malformed correlation id"))
		return
	}
	outcome, err := s.results.Get(r.Context(), id)
	switch {
	case errors.Is(err, results.ErrNotFound):
		s.writeError(w, r, apierr.NotFound("no outcome for "+id))
	case errors.Is(err, results.ErrExpired):
		s.writeError(w, r, apierr.Gone("outcome for "+id+" is past retention"))
	case err != nil:
		s.writeError(w, r, apierr.Internal(err))
	default:
		writeJSON(w, http.StatusOK, outcome)
	}
}

// OpenWindowRequest is the body of POST /vx11/window/open. Target is the
// single-service shorthand for Services.
type OpenWindowRequest struct {
	Target     types.Target   `json:"target,omitempty"`
	Services   []types.Target `json:"services,omitempty"`
	TTLSeconds *int64         `json:"ttlSeconds,omitempty"`
	Hold       bool           `json:"hold,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// OpenWindowResponse is the window after open plus its capability tokens
type OpenWindowResponse struct {
	types.WindowState
	Tokens map[types.Target]string `json:"tokens,omitempty"`
}

const maxTTLSeconds = math.MaxInt64 / int64(time.Second)

func (s *Server) handleWindowOpen(w http.ResponseWriter, r *http.Request) {
	var body OpenWindowRequest
	if err := decodeBody(r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	services := body.Services
	if body.Target != "" {
		services = append([]types.Target{body.Target}, services...)
	}
	req := window.OpenRequest{
		Services:      services,
		Hold:          body.Hold,
		Reason:        body.Reason,
		CorrelationID: CorrelationID(r.Context()),
	}
	switch {
	case body.TTLSeconds == nil && !body.Hold:
		s.writeError(w, r, apierr.Validation("one of ttlSeconds or hold is required"))
		return
	case body.TTLSeconds != nil:
		if *body.TTLSeconds <= 0 {
			s.writeError(w, r, apierr.Validationf("ttlSeconds must be positive, got %d", *body.TTLSeconds))
			return
		}
		// larger values would wrap when scaled to a Duration
		if *body.TTLSeconds > maxTTLSeconds {
			s.writeError(w, r, apierr.Validationf("ttlSeconds %d is out of range", *body.TTLSeconds))
			return
		}
		req.TTL = time.Duration(*body.TTLSeconds) * time.Second
	}

	result, err := s.windows.Open(req)
	switch {
	case errors.Is(err, window.ErrAlreadyOpen):
		s.writeError(w, r, apierr.AlreadyOpen(s.windows.Snapshot().WindowID))
	case errors.Is(err, window.ErrBadTTL), errors.Is(err, window.ErrInvalidServices):
		s.writeError(w, r, apierr.Validation(err.Error()))
	case err != nil:
		s.writeError(w, r, apierr.Internal(err))
	default:
		writeJSON(w, http.StatusOK, OpenWindowResponse{WindowState: result.State, Tokens: result.Tokens})
	}
}

// CloseWindowResponse reports whether a window was closed by this call
type CloseWindowResponse struct {
	Closed bool              `json:"closed"`
	State  types.WindowState `json:"state"`
}

func (s *Server) handleWindowClose(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason,omitempty"`
	}
	if err := decodeBody(r, &body, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	closed, state, err := s.windows.Close(body.Reason, CorrelationID(r.Context()))
	if err != nil {
		s.writeError(w, r, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, CloseWindowResponse{Closed: closed, State: state})
}

// WindowStatusResponse is the window state plus its remaining TTL. The TTL
// is absent for solo and hold.
type WindowStatusResponse struct {
	types.WindowState
	TTLRemainingSeconds *float64  `json:"ttlRemainingSeconds,omitempty"`
	Now                 time.Time `json:"now"`
}

func newWindowStatus(st window.Status) WindowStatusResponse {
	resp := WindowStatusResponse{WindowState: st.State, Now: st.Now}
	if st.HasDeadline {
		secs := st.TTLRemaining.Seconds()
		resp.TTLRemainingSeconds = &secs
	}
	return resp
}

// handleWindowStatus lets an overdue window expire before reporting, so a
// caller never sees a windowed state past its deadline.
func (s *Server) handleWindowStatus(w http.ResponseWriter, r *http.Request) {
	s.windows.ExpireIfDue(window.ReasonTTL)
	writeJSON(w, http.StatusOK, newWindowStatus(s.windows.Status()))
}

func (s *Server) handleWindowHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			s.writeError(w, r, apierr.Validationf("limit must be between 1 and %d", maxHistoryLimit))
			return
		}
		limit = n
	}
	transitions, err := s.windows.History(limit)
	if err != nil {
		s.writeError(w, r, apierr.Internal(err))
		return
	}
	if transitions == nil {
		transitions = []*types.Transition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": transitions})
}

// VerifyResponse answers a backend asking whether a capability token is good
type VerifyResponse struct {
	Valid    bool           `json:"valid"`
	Target   types.Target   `json:"target,omitempty"`
	WindowID string         `json:"windowId,omitempty"`
	Services []types.Target `json:"services,omitempty"`
	Deadline *time.Time     `json:"deadline,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

func (s *Server) handleWindowVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Token == "" {
		s.writeError(w, r, apierr.Validation("token is required"))
		return
	}
	v := s.windows.VerifyToken(body.Token)
	writeJSON(w, http.StatusOK, VerifyResponse{
		Valid:    v.Valid,
		Target:   v.Target,
		WindowID: v.WindowID,
		Services: v.Services,
		Deadline: v.Deadline,
		Reason:   v.Reason,
	})
}

// TicketResponse carries a short-lived credential for opening the event
// stream from a browser, which cannot set headers on EventSource.
type TicketResponse struct {
	Ticket    string    `json:"ticket"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) handleEventTicket(w http.ResponseWriter, r *http.Request) {
	if s.tickets == nil {
		s.writeError(w, r, apierr.NotFound("stream tickets are not enabled"))
		return
	}
	ticket, expires, err := s.tickets.Issue(CorrelationID(r.Context()))
	if err != nil {
		s.writeError(w, r, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, TicketResponse{Ticket: ticket, ExpiresAt: expires.UTC()})
}
