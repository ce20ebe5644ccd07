package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vx11/vx11/pkg/clock"
	"github.com/vx11/vx11/pkg/events"
	"github.com/vx11/vx11/pkg/health"
	"github.com/vx11/vx11/pkg/log"
	"github.com/vx11/vx11/pkg/metrics"
	"github.com/vx11/vx11/pkg/types"
)

// Prober is anything that can report a target's health
type Prober interface {
	Target() types.Target
	Health(ctx context.Context) HealthReport
}

// InProcess is the prober for targets served inside the gateway process.
// It is always healthy and stamps reports with the gateway's clock.
type InProcess struct {
	target types.Target
	clock  clock.Clock
}

// NewInProcess creates a prober for target. A nil clock means wall time.
func NewInProcess(target types.Target, clk clock.Clock) *InProcess {
	if clk == nil {
		clk = clock.Real()
	}
	return &InProcess{target: target, clock: clk}
}

func (p *InProcess) Target() types.Target { return p.target }

func (p *InProcess) Health(context.Context) HealthReport {
	return HealthReport{Healthy: true, CheckedAt: p.clock.Now()}
}

// Monitor probes every backend on an interval and caches the last verdict,
// so status reads never wait on a slow or dead backend.
type Monitor struct {
	probers   []Prober
	config    health.Config
	publisher events.Publisher
	logger    zerolog.Logger

	mu       sync.RWMutex
	verdicts map[types.Target]*health.Verdict

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor creates a monitor. publisher may be nil.
func NewMonitor(probers []Prober, config health.Config, publisher events.Publisher) *Monitor {
	config = config.WithDefaults()
	verdicts := make(map[types.Target]*health.Verdict, len(probers))
	for _, p := range probers {
		verdicts[p.Target()] = &health.Verdict{}
	}
	return &Monitor{
		probers:   probers,
		config:    config,
		publisher: publisher,
		logger:    log.WithComponent("backend-monitor"),
		verdicts:  verdicts,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the probe loop in the background
func (m *Monitor) Start() {
	go m.run()
}

// Stop stops the probe loop and waits for it to exit
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-m.stopCh
		cancel()
	}()

	m.ProbeAll(ctx)
	for {
		select {
		case <-ticker.C:
			m.ProbeAll(ctx)
		case <-m.stopCh:
			return
		}
	}
}

// ProbeAll probes every backend concurrently, each bounded by the probe timeout
func (m *Monitor) ProbeAll(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range m.probers {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
			defer cancel()
			m.observe(p.Target(), p.Health(probeCtx))
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) observe(target types.Target, report HealthReport) {
	result := health.Result{
		Healthy:   report.Healthy,
		Reason:    report.Reason,
		CheckedAt: report.CheckedAt,
		Duration:  time.Duration(report.LatencyMs) * time.Millisecond,
	}

	m.mu.Lock()
	verdict, ok := m.verdicts[target]
	if !ok {
		verdict = &health.Verdict{}
		m.verdicts[target] = verdict
	}
	changed := verdict.Observe(result, m.config.Retries)
	healthy := verdict.Healthy()
	m.mu.Unlock()

	metrics.UpdateComponent("backend:"+string(target), healthy, report.Reason)
	if !changed {
		return
	}

	severity := events.SeverityInfo
	word := "healthy"
	if !healthy {
		severity = events.SeverityWarn
		word = "unhealthy"
	}
	m.logger.Info().
		Str("target", string(target)).
		Bool("healthy", healthy).
		Str("reason", report.Reason).
		Msg("backend health changed")
	if m.publisher != nil {
		m.publisher.Publish(&events.Event{
			Type:     events.EventBackendHealthChanged,
			Severity: severity,
			Summary:  fmt.Sprintf("%s is %s", target, word),
			Payload: map[string]any{
				"target":    string(target),
				"healthy":   healthy,
				"reason":    report.Reason,
				"latencyMs": report.LatencyMs,
			},
		})
	}
}

// Snapshot returns the cached verdict for every backend. Backends that have
// not been probed yet report unhealthy with reason "unprobed".
func (m *Monitor) Snapshot() map[types.Target]HealthReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[types.Target]HealthReport, len(m.verdicts))
	for target, v := range m.verdicts {
		if !v.Probed() {
			out[target] = HealthReport{Healthy: false, Reason: "unprobed"}
			continue
		}
		last := v.Last()
		reason := ""
		if !v.Healthy() {
			reason = last.Reason
		}
		out[target] = HealthReport{
			Healthy:   v.Healthy(),
			LatencyMs: last.Duration.Milliseconds(),
			Reason:    reason,
			CheckedAt: last.CheckedAt,
		}
	}
	return out
}
