// Package app wires the control plane together: one Window Manager, one
// router, one gateway, the backend clients and everything they report to.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vx11/vx11/pkg/auth"
	"github.com/vx11/vx11/pkg/backend"
	"github.com/vx11/vx11/pkg/captoken"
	"github.com/vx11/vx11/pkg/clock"
	"github.com/vx11/vx11/pkg/config"
	"github.com/vx11/vx11/pkg/events"
	"github.com/vx11/vx11/pkg/fallback"
	"github.com/vx11/vx11/pkg/gateway"
	"github.com/vx11/vx11/pkg/health"
	"github.com/vx11/vx11/pkg/log"
	"github.com/vx11/vx11/pkg/metrics"
	"github.com/vx11/vx11/pkg/policy"
	"github.com/vx11/vx11/pkg/results"
	"github.com/vx11/vx11/pkg/router"
	"github.com/vx11/vx11/pkg/storage"
	"github.com/vx11/vx11/pkg/telemetry"
	"github.com/vx11/vx11/pkg/types"
	"github.com/vx11/vx11/pkg/window"
)

var _ policy.Source = (*window.Manager)(nil)

// Options are the knobs that do not belong in the config file
type Options struct {
	Version string
	// Clock defaults to the wall clock
	Clock clock.Clock
	// SkipTelemetry leaves the global tracer provider alone
	SkipTelemetry bool
}

// App is a fully wired control plane
type App struct {
	config *config.Config
	logger zerolog.Logger

	store     storage.Store
	results   results.Store
	broker    *events.Broker
	windows   *window.Manager
	monitor   *backend.Monitor
	router    *router.Router
	gateway   *gateway.Server
	collector *metrics.Collector

	shutdownTelemetry func(context.Context) error
}

// New builds every component from cfg. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	a := &App{config: cfg, logger: log.WithComponent("app")}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.shutdownTelemetry = func(context.Context) error { return nil }
	if !opts.SkipTelemetry {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Endpoint:    cfg.Telemetry.OTLPEndpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Sampler:     cfg.Telemetry.Sampler,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		a.shutdownTelemetry = shutdown
	}

	if cfg.DataDir == "" {
		a.logger.Warn().Msg("no data dir configured, window state will not survive restarts")
		a.store = storage.NewMemoryStore()
	} else {
		bolt, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open window store: %w", err)
		}
		a.store = bolt
	}

	a.broker = events.NewBroker()

	var signer *captoken.Signer
	key, err := cfg.SigningPrivateKey()
	if err != nil {
		return nil, err
	}
	if key != nil {
		signer = captoken.NewSigner(key, cfg.Window.CapabilityMaxTTL)
	}

	a.windows, err = window.NewManager(window.Config{
		MinTTL:     cfg.Window.MinTTL,
		MaxTTL:     cfg.Window.MaxTTL,
		ExpiryTick: cfg.Window.ExpiryTick,
		Gating:     cfg.GatingMap(),
		Signer:     signer,
	}, a.store, opts.Clock, a.broker)
	if err != nil {
		return nil, fmt.Errorf("failed to start window manager: %w", err)
	}

	clients, probers, err := newClients(cfg, opts.Clock)
	if err != nil {
		return nil, err
	}
	a.monitor = backend.NewMonitor(probers, health.Config{
		Interval: cfg.Health.Interval,
		Timeout:  cfg.Health.Timeout,
	}, a.broker)

	if cfg.Results.RedisURL != "" {
		redisStore, err := results.DialRedis(ctx, cfg.Results.RedisURL, cfg.Results.Retention)
		if err != nil {
			return nil, err
		}
		a.results = redisStore
	} else {
		a.results = results.NewMemoryStore(cfg.Results.Retention, opts.Clock)
	}

	a.router = router.New(router.Config{RetryDelay: cfg.Router.RetryDelay},
		policy.NewEvaluator(a.windows), clients, fallback.New(), a.results, a.broker, opts.Clock)

	validator, err := auth.NewValidator(cfg.Token)
	if err != nil {
		return nil, err
	}
	tickets, err := auth.NewTicketIssuer(cfg.Token, cfg.Stream.TicketTTL, opts.Clock)
	if err != nil {
		return nil, err
	}

	a.gateway = gateway.New(gateway.Config{
		ListenAddr:        cfg.ListenAddr,
		TokenHeader:       cfg.TokenHeader,
		CorrelationHeader: cfg.CorrelationHeader,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		QueueCapacity:     cfg.Stream.QueueCapacity,
		WriteTimeout:      cfg.Stream.WriteTimeout,
		RateLimit:         cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		ServiceName:       cfg.Telemetry.ServiceName,
		Version:           opts.Version,
	}, gateway.Deps{
		Windows:   a.windows,
		Router:    a.router,
		Results:   a.results,
		Monitor:   a.monitor,
		Broker:    a.broker,
		Validator: validator,
		Tickets:   tickets,
		Clock:     opts.Clock,
	})
	a.collector = metrics.NewCollector(a.windows, time.Second)

	metrics.SetVersion(opts.Version)
	metrics.UpdateComponent("window", true, "state restored")
	metrics.UpdateComponent("storage", true, storeDescription(a.store))
	return a, nil
}

// newClients builds one HTTP client per remote target. madre is served in
// process and only gets a prober.
func newClients(cfg *config.Config, clk clock.Clock) ([]router.Caller, []backend.Prober, error) {
	var callers []router.Caller
	probers := []backend.Prober{backend.NewInProcess(types.TargetMadre, clk)}
	for _, target := range types.AllTargets {
		if target == types.TargetMadre {
			continue
		}
		tc := cfg.Targets[target]
		client, err := backend.New(backend.Config{
			Target:            target,
			BaseURL:           tc.BaseURL,
			HealthPath:        tc.HealthPath,
			Timeout:           tc.Timeout,
			HealthTimeout:     cfg.Health.Timeout,
			CorrelationHeader: cfg.CorrelationHeader,
			Transport:         telemetry.InstrumentTransport(http.DefaultTransport.(*http.Transport).Clone()),
		})
		if err != nil {
			return nil, nil, err
		}
		callers = append(callers, client)
		probers = append(probers, client)
	}
	return callers, probers, nil
}

func storeDescription(s storage.Store) string {
	if b, ok := s.(*storage.BoltStore); ok {
		return "bolt " + b.Path()
	}
	return "in memory"
}

// Handler exposes the gateway handler for in-process use
func (a *App) Handler() http.Handler {
	return a.gateway.Handler()
}

// Run starts the background loops and serves until ctx is cancelled.
// Everything is stopped and closed before it returns.
func (a *App) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", a.config.ListenAddr)
	if err != nil {
		a.close()
		return fmt.Errorf("failed to listen on %s: %w", a.config.ListenAddr, err)
	}
	return a.Serve(ctx, listener)
}

// Serve is Run on an existing listener
func (a *App) Serve(ctx context.Context, listener net.Listener) error {
	a.windows.Start()
	a.monitor.Start()
	a.collector.Start()

	state := a.windows.Snapshot()
	a.logger.Info().
		Str("addr", listener.Addr().String()).
		Str("mode", string(state.Mode)).
		Str("window_id", state.WindowID).
		Msg("control plane started")

	err := a.gateway.Serve(ctx, listener)

	a.collector.Stop()
	a.monitor.Stop()
	a.windows.Stop()
	a.close()
	a.logger.Info().Msg("control plane stopped")
	return err
}

// close releases stores and flushes telemetry. Safe on a partially built App.
func (a *App) close() {
	if a.broker != nil {
		a.broker.Close()
	}
	if a.results != nil {
		if err := a.results.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close result store")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close window store")
		}
	}
	if a.shutdownTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdownTelemetry(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("failed to flush traces")
		}
	}
}
