package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/vx11/vx11/pkg/apierr"
	"github.com/vx11/vx11/pkg/auth"
	"github.com/vx11/vx11/pkg/backend"
	"github.com/vx11/vx11/pkg/clock"
	"github.com/vx11/vx11/pkg/events"
	"github.com/vx11/vx11/pkg/log"
	"github.com/vx11/vx11/pkg/results"
	"github.com/vx11/vx11/pkg/router"
	"github.com/vx11/vx11/pkg/telemetry"
	"github.com/vx11/vx11/pkg/window"
)

// Config holds the gateway's listener and stream settings
type Config struct {
	ListenAddr        string
	TokenHeader       string
	CorrelationHeader string

	HeartbeatInterval time.Duration
	QueueCapacity     int
	WriteTimeout      time.Duration

	// RateLimit is requests per second per client IP. Zero disables limiting.
	RateLimit float64
	Burst     int

	ServiceName string
	Version     string
}

// Deps are the components the gateway fronts. Monitor may be nil.
type Deps struct {
	Windows   *window.Manager
	Router    *router.Router
	Results   results.Store
	Monitor   *backend.Monitor
	Broker    *events.Broker
	Validator *auth.Validator
	Tickets   *auth.TicketIssuer
	Clock     clock.Clock
}

// Server is the single HTTP entry point of the control plane
type Server struct {
	config    Config
	windows   *window.Manager
	router    *router.Router
	results   results.Store
	monitor   *backend.Monitor
	broker    *events.Broker
	validator *auth.Validator
	tickets   *auth.TicketIssuer
	clock     clock.Clock
	logger    zerolog.Logger
	limiter   *rateLimiter
	handler   http.Handler

	httpServer   *http.Server
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// New builds the gateway and its route table
func New(config Config, deps Deps) *Server {
	if config.TokenHeader == "" {
		config.TokenHeader = "X-VX11-Token"
	}
	if config.CorrelationHeader == "" {
		config.CorrelationHeader = "X-Correlation-ID"
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 15 * time.Second
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = 64
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}

	s := &Server{
		config:     config,
		windows:    deps.Windows,
		router:     deps.Router,
		results:    deps.Results,
		monitor:    deps.Monitor,
		broker:     deps.Broker,
		validator:  deps.Validator,
		tickets:    deps.Tickets,
		clock:      deps.Clock,
		logger:     log.WithComponent("gateway"),
		shutdownCh: make(chan struct{}),
	}
	if config.RateLimit > 0 {
		s.limiter = newRateLimiter(config.RateLimit, config.Burst, deps.Clock.Now)
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverer)
	r.Use(s.correlation)
	r.Use(securityHeaders)
	r.Use(s.instrument)
	if s.config.ServiceName != "" {
		r.Use(telemetry.HTTPMiddleware(s.config.ServiceName))
	}
	r.Use(s.rateLimit)
	r.Use(limitBody)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, apierr.NotFound("no route for "+r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, apierr.MethodNotAllowed(r.Method, r.URL.Path))
	})

	r.Get("/health", s.handleHealth)
	r.Get("/vx11/health", s.handleReadiness)
	r.Get("/operator/api/events", s.handleEvents)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/vx11/status", s.handleStatus)
		r.Post("/vx11/intent", s.handleIntent)
		r.Get("/vx11/result/{correlationId}", s.handleResult)

		r.Post("/vx11/window/open", s.handleWindowOpen)
		r.Post("/vx11/window/close", s.handleWindowClose)
		r.Get("/vx11/window/status", s.handleWindowStatus)
		r.Get("/vx11/window/history", s.handleWindowHistory)
		r.Post("/vx11/window/verify", s.handleWindowVerify)

		r.Post("/operator/api/events/ticket", s.handleEventTicket)
		r.Handle("/metrics", s.metricsHandler())
	})
	return r
}

// Handler returns the gateway's root handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, then drains in-flight requests.
// Open event streams are told to finish first so Shutdown does not wait on
// them.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Start on an existing listener
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	if s.limiter != nil {
		go s.limiter.run(ctx, time.Minute)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("gateway listening")

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down gateway")
	s.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown gateway: %w", err)
	}
	return <-errCh
}

// Shutdown ends open event streams. Start calls it on cancellation; tests
// using Handler directly call it themselves.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}
