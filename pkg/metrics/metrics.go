package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Gateway metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vx11_http_requests_total",
			Help: "Total number of gateway requests by route, method and status code",
		},
		[]string{"route", "method", "code"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vx11_http_request_duration_seconds",
			Help:    "Gateway request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	AuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vx11_auth_failures_total",
			Help: "Rejected requests by reason (missing, invalid)",
		},
		[]string{"reason"},
	)

	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vx11_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter",
		},
	)

	// Routing metrics
	IntentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vx11_intents_total",
			Help: "Routed intents by kind, mode and outcome status",
		},
		[]string{"kind", "mode", "status"},
	)

	PolicyDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vx11_policy_decisions_total",
			Help: "Policy evaluations by target and decision",
		},
		[]string{"target", "decision"},
	)

	UpstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vx11_upstream_calls_total",
			Help: "Outbound backend calls by target and result",
		},
		[]string{"target", "result"},
	)

	UpstreamCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vx11_upstream_call_duration_seconds",
			Help:    "Outbound backend call duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"target"},
	)

	BackendHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vx11_backend_healthy",
			Help: "Last health probe result per backend (1 = healthy)",
		},
		[]string{"target"},
	)

	// Window metrics
	WindowOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vx11_window_open",
			Help: "Whether a window is currently open (1 = windowed, 0 = solo)",
		},
	)

	WindowTTLRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vx11_window_ttl_remaining_seconds",
			Help: "Seconds until the active window expires (0 in solo mode or hold)",
		},
	)

	WindowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vx11_window_transitions_total",
			Help: "Window state transitions by cause",
		},
		[]string{"cause"},
	)

	WindowPersistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vx11_window_persist_failures_total",
			Help: "Transitions that could not be written to durable state",
		},
	)

	// Event stream metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vx11_events_published_total",
			Help: "Events published to the operator stream by type",
		},
		[]string{"type"},
	)

	EventSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vx11_event_subscribers",
			Help: "Currently connected event stream subscribers",
		},
	)

	EventSubscribersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vx11_event_subscribers_dropped_total",
			Help: "Subscribers dropped because their queue overflowed",
		},
	)
)

func init() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(AuthFailuresTotal)
	prometheus.MustRegister(RateLimitedTotal)
	prometheus.MustRegister(IntentsTotal)
	prometheus.MustRegister(PolicyDecisionsTotal)
	prometheus.MustRegister(UpstreamCallsTotal)
	prometheus.MustRegister(UpstreamCallDuration)
	prometheus.MustRegister(BackendHealthy)
	prometheus.MustRegister(WindowOpen)
	prometheus.MustRegister(WindowTTLRemaining)
	prometheus.MustRegister(WindowTransitionsTotal)
	prometheus.MustRegister(WindowPersistFailures)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(EventSubscribers)
	prometheus.MustRegister(EventSubscribersDropped)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
