package window

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/vx11/vx11/pkg/captoken"
	"github.com/vx11/vx11/pkg/clock"
	"github.com/vx11/vx11/pkg/events"
	"github.com/vx11/vx11/pkg/log"
	"github.com/vx11/vx11/pkg/metrics"
	"github.com/vx11/vx11/pkg/storage"
	"github.com/vx11/vx11/pkg/types"
)

var (
	// ErrAlreadyOpen is returned by Open while a window is active
	ErrAlreadyOpen = errors.New("window already open")

	// ErrInvalidServices is returned when a requested target cannot be gated by a window
	ErrInvalidServices = errors.New("invalid window services")

	// ErrBadTTL is returned for a TTL outside the configured bounds
	ErrBadTTL = errors.New("invalid window ttl")
)

// Expiry reasons recorded in the transition log
const (
	ReasonTTL              = "ttl"
	ReasonExpiredWhileDown = "expired_while_down"
	ReasonPolicyRead       = "policy_read"
)

// Config holds the manager's immutable settings
type Config struct {
	MinTTL     time.Duration
	MaxTTL     time.Duration
	ExpiryTick time.Duration

	// Gating classifies targets. Targets missing from the map are treated
	// as window-gated.
	Gating map[types.Target]types.Gating

	// Signer mints capability tokens on open. Optional.
	Signer *captoken.Signer
}

// OpenRequest asks for a new window. Exactly one of TTL and Hold is set.
type OpenRequest struct {
	Services      []types.Target
	TTL           time.Duration
	Hold          bool
	Reason        string
	CorrelationID string
}

// OpenResult is the state after a successful open plus one capability
// token per service when a signer is configured.
type OpenResult struct {
	State  types.WindowState
	Tokens map[types.Target]string
}

// Status is a read-only view of the current state
type Status struct {
	State types.WindowState
	// TTLRemaining is zero and HasDeadline false for solo and hold states
	TTLRemaining time.Duration
	HasDeadline  bool
	Now          time.Time
}

// Verification is the answer to a capability token check
type Verification struct {
	Valid    bool
	Target   types.Target
	WindowID string
	Services []types.Target
	Deadline *time.Time
	Reason   string
}

// Manager is the single owner of the window state. Writes serialize on mu;
// reads load the current snapshot without locking.
type Manager struct {
	config    Config
	store     storage.Store
	clock     clock.Clock
	publisher events.Publisher
	logger    zerolog.Logger

	mu        sync.Mutex
	state     atomic.Pointer[types.WindowState]
	expired   atomic.Pointer[types.ExpiredWindow]
	highWater atomic.Int64
	entropy   *ulid.MonotonicEntropy

	stopCh   chan struct{}
	doneCh   chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// NewManager restores the last persisted state from store. A window whose
// deadline passed while the process was down is expired immediately.
func NewManager(config Config, store storage.Store, clk clock.Clock, publisher events.Publisher) (*Manager, error) {
	if config.MinTTL <= 0 || config.MaxTTL < config.MinTTL {
		return nil, fmt.Errorf("invalid ttl bounds [%s, %s]", config.MinTTL, config.MaxTTL)
	}
	if config.ExpiryTick <= 0 {
		return nil, fmt.Errorf("expiry tick must be positive")
	}
	if clk == nil {
		clk = clock.Real()
	}

	m := &Manager{
		config:    config,
		store:     store,
		clock:     clk,
		publisher: publisher,
		logger:    log.WithComponent("window"),
		entropy:   ulid.Monotonic(rand.Reader, 0),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	snap, err := store.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to load window snapshot: %w", err)
	}
	initial := types.SoloState(0)
	if snap != nil {
		initial = snap.Clone()
	}
	m.state.Store(&initial)
	if !initial.IsWindowed() {
		m.seedExpiry(initial)
	}

	if initial.IsWindowed() {
		if m.ExpireIfDue(ReasonExpiredWhileDown) {
			m.logger.Warn().Str("window_id", initial.WindowID).Msg("window expired while gateway was down")
		} else {
			m.logger.Info().
				Str("window_id", initial.WindowID).
				Int("services", len(initial.Services)).
				Msg("resumed active window")
		}
	}
	m.observeGauges(*m.state.Load(), m.Now())
	return m, nil
}

// Now returns the manager's notion of the current time. It never moves
// backwards, so a wall clock step back cannot revive an expired window.
func (m *Manager) Now() time.Time {
	t := m.clock.Now().UnixNano()
	for {
		hw := m.highWater.Load()
		if t <= hw {
			return time.Unix(0, hw).UTC()
		}
		if m.highWater.CompareAndSwap(hw, t) {
			return time.Unix(0, t).UTC()
		}
	}
}

// Snapshot returns a copy of the current state
func (m *Manager) Snapshot() types.WindowState {
	return m.state.Load().Clone()
}

// LastExpiry returns the window retired by the most recent expiry, if any
func (m *Manager) LastExpiry() (types.ExpiredWindow, bool) {
	e := m.expired.Load()
	if e == nil {
		return types.ExpiredWindow{}, false
	}
	return types.ExpiredWindow{WindowID: e.WindowID, Services: append([]types.Target(nil), e.Services...), Version: e.Version}, true
}

// seedExpiry recovers the last expiry after a restart, when the persisted
// solo state is the one that expiry produced.
func (m *Manager) seedExpiry(state types.WindowState) {
	last, err := m.store.Transitions(1)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to read last transition")
		return
	}
	if len(last) == 0 || last[0].Cause != types.CauseExpire || last[0].Version != state.Version {
		return
	}
	m.expired.Store(&types.ExpiredWindow{
		WindowID: last[0].WindowID,
		Services: append([]types.Target(nil), last[0].Services...),
		Version:  last[0].Version,
	})
}

// Gating returns how target is gated
func (m *Manager) Gating(target types.Target) types.Gating {
	if g, ok := m.config.Gating[target]; ok {
		return g
	}
	return types.GatingWindow
}

// Status reports the current state and remaining TTL. It never triggers expiry.
func (m *Manager) Status() Status {
	now := m.Now()
	state := m.Snapshot()
	remaining, ok := state.Remaining(now)
	return Status{State: state, TTLRemaining: remaining, HasDeadline: ok, Now: now}
}

// Open starts a window over req.Services
func (m *Manager) Open(req OpenRequest) (*OpenResult, error) {
	services, err := m.validate(req)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	current := *m.state.Load()
	if current.IsWindowed() {
		if !current.Expired(now) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, current.WindowID)
		}
		m.expireLocked(now, ReasonTTL, req.CorrelationID)
		current = *m.state.Load()
	}

	id, err := ulid.New(ulid.Timestamp(now), m.entropy)
	if err != nil {
		return nil, fmt.Errorf("failed to generate window id: %w", err)
	}

	openedAt := now
	next := types.WindowState{
		Mode:     types.ModeWindowed,
		WindowID: id.String(),
		Services: services,
		OpenedAt: &openedAt,
		Hold:     req.Hold,
		Reason:   req.Reason,
		Version:  current.Version + 1,
	}
	if !req.Hold {
		deadline := now.Add(req.TTL)
		next.Deadline = &deadline
	}

	rec := &types.Transition{
		Timestamp: now,
		From:      current.Mode,
		To:        next.Mode,
		WindowID:  next.WindowID,
		Services:  services,
		Reason:    reasonOr(req.Reason, "operator"),
		Cause:     types.CauseOpen,
		Version:   next.Version,
	}
	if err := m.store.Append(rec, next); err != nil {
		return nil, fmt.Errorf("failed to persist window open: %w", err)
	}
	m.state.Store(&next)

	logger := log.WithCorrelationID(m.logger, req.CorrelationID).With().Str("window_id", next.WindowID).Logger()
	tokens := m.issueTokens(next, now, logger)

	metrics.WindowTransitionsTotal.WithLabelValues(string(types.CauseOpen)).Inc()
	m.observeGauges(next, now)
	logger.Info().
		Strs("services", targetStrings(services)).
		Bool("hold", next.Hold).
		Str("reason", rec.Reason).
		Msg("window opened")
	m.publish(events.EventWindowOpened, events.SeverityInfo, req.CorrelationID,
		fmt.Sprintf("window %s opened for %v", next.WindowID, targetStrings(services)), next, rec.Reason)

	return &OpenResult{State: next.Clone(), Tokens: tokens}, nil
}

// Close ends the active window. It reports closed=false when there was no
// window to close, which is not an error.
func (m *Manager) Close(reason, correlationID string) (bool, types.WindowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	current := *m.state.Load()
	if !current.IsWindowed() {
		return false, current.Clone(), nil
	}
	if current.Expired(now) {
		m.expireLocked(now, ReasonTTL, correlationID)
		return false, m.state.Load().Clone(), nil
	}

	next := types.SoloState(current.Version + 1)
	rec := &types.Transition{
		Timestamp: now,
		From:      current.Mode,
		To:        next.Mode,
		WindowID:  current.WindowID,
		Services:  current.Services,
		Reason:    reasonOr(reason, "operator"),
		Cause:     types.CauseClose,
		Version:   next.Version,
	}
	if err := m.store.Append(rec, next); err != nil {
		return false, current.Clone(), fmt.Errorf("failed to persist window close: %w", err)
	}
	m.state.Store(&next)

	metrics.WindowTransitionsTotal.WithLabelValues(string(types.CauseClose)).Inc()
	m.observeGauges(next, now)
	logger := log.WithCorrelationID(m.logger, correlationID)
	logger.Info().
		Str("window_id", current.WindowID).
		Str("reason", rec.Reason).
		Msg("window closed")
	m.publish(events.EventWindowClosed, events.SeverityInfo, correlationID,
		fmt.Sprintf("window %s closed", current.WindowID), current, rec.Reason)

	return true, next.Clone(), nil
}

// ExpireIfDue moves a window whose deadline has passed back to solo and
// reports whether it did. It is the only expiry path: the background loop,
// policy reads and restarts all go through it.
func (m *Manager) ExpireIfDue(reason string) bool {
	now := m.Now()
	if !m.state.Load().Expired(now) {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Load().Expired(now) {
		return false
	}
	m.expireLocked(now, reason, "")
	return true
}

// expireLocked transitions to solo even when the transition cannot be
// persisted: a window must never outlive its deadline.
func (m *Manager) expireLocked(now time.Time, reason, correlationID string) {
	current := *m.state.Load()
	next := types.SoloState(current.Version + 1)
	rec := &types.Transition{
		Timestamp: now,
		From:      current.Mode,
		To:        next.Mode,
		WindowID:  current.WindowID,
		Services:  current.Services,
		Reason:    reason,
		Cause:     types.CauseExpire,
		Version:   next.Version,
	}
	if err := m.store.Append(rec, next); err != nil {
		metrics.WindowPersistFailures.Inc()
		m.logger.Error().Err(err).
			Str("window_id", current.WindowID).
			Msg("failed to persist window expiry, expiring in memory only")
	}
	// published before the state so a reader of the new solo state sees it
	m.expired.Store(&types.ExpiredWindow{
		WindowID: current.WindowID,
		Services: append([]types.Target(nil), current.Services...),
		Version:  next.Version,
	})
	m.state.Store(&next)

	metrics.WindowTransitionsTotal.WithLabelValues(string(types.CauseExpire)).Inc()
	m.observeGauges(next, now)
	m.logger.Info().
		Str("window_id", current.WindowID).
		Str("reason", reason).
		Msg("window expired")
	m.publish(events.EventWindowExpired, events.SeverityWarn, correlationID,
		fmt.Sprintf("window %s expired (%s)", current.WindowID, reason), current, reason)
}

// VerifyToken checks a capability token's signature and expiry, and that
// the window it names is still the active one.
func (m *Manager) VerifyToken(encoded string) Verification {
	if m.config.Signer == nil {
		return Verification{Reason: "capability tokens are not enabled"}
	}
	now := m.Now()
	token, err := m.config.Signer.Verify(encoded, now)
	if err != nil {
		return Verification{Reason: err.Error()}
	}

	v := Verification{Target: token.Target, WindowID: token.WindowID}
	state := m.Snapshot()
	switch {
	case !state.IsWindowed() || state.WindowID != token.WindowID || state.Expired(now):
		v.Reason = "window is no longer active"
	case !state.Includes(token.Target):
		v.Reason = "target is not part of the window"
	default:
		v.Valid = true
		v.Services = state.Services
		v.Deadline = state.Deadline
	}
	return v
}

// History returns up to limit most recent transitions, oldest first
func (m *Manager) History(limit int) ([]*types.Transition, error) {
	return m.store.Transitions(limit)
}

// Start runs the expiry loop in the background
func (m *Manager) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.run()
}

// Stop stops the expiry loop and waits for it to exit
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.started.Load() {
			<-m.doneCh
		}
	})
}

func (m *Manager) run() {
	defer close(m.doneCh)
	ticker := m.clock.NewTicker(m.config.ExpiryTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.ExpireIfDue(ReasonTTL)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) validate(req OpenRequest) ([]types.Target, error) {
	switch {
	case req.Hold && req.TTL != 0:
		return nil, fmt.Errorf("%w: ttl and hold are mutually exclusive", ErrBadTTL)
	case !req.Hold && (req.TTL < m.config.MinTTL || req.TTL > m.config.MaxTTL):
		return nil, fmt.Errorf("%w: ttl must be between %s and %s", ErrBadTTL, m.config.MinTTL, m.config.MaxTTL)
	}

	if len(req.Services) == 0 {
		return nil, fmt.Errorf("%w: at least one service is required", ErrInvalidServices)
	}
	seen := make(map[types.Target]bool, len(req.Services))
	services := make([]types.Target, 0, len(req.Services))
	for _, s := range req.Services {
		target, err := types.ParseTarget(string(s))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidServices, err)
		}
		if m.Gating(target) != types.GatingWindow {
			return nil, fmt.Errorf("%w: %s is always on", ErrInvalidServices, target)
		}
		if !seen[target] {
			seen[target] = true
			services = append(services, target)
		}
	}
	sort.Slice(services, func(i, j int) bool { return services[i] < services[j] })
	return services, nil
}

func (m *Manager) issueTokens(state types.WindowState, now time.Time, logger zerolog.Logger) map[types.Target]string {
	if m.config.Signer == nil {
		return nil
	}
	tokens := make(map[types.Target]string, len(state.Services))
	for _, target := range state.Services {
		encoded, _, err := m.config.Signer.Issue(target, state.WindowID, state.Deadline, now)
		if err != nil {
			logger.Error().Err(err).Str("target", string(target)).Msg("failed to issue capability token")
			continue
		}
		tokens[target] = encoded
	}
	return tokens
}

func (m *Manager) observeGauges(state types.WindowState, now time.Time) {
	if !state.IsWindowed() {
		metrics.WindowOpen.Set(0)
		metrics.WindowTTLRemaining.Set(0)
		return
	}
	metrics.WindowOpen.Set(1)
	remaining, ok := state.Remaining(now)
	if !ok {
		metrics.WindowTTLRemaining.Set(-1)
		return
	}
	metrics.WindowTTLRemaining.Set(remaining.Seconds())
}

func (m *Manager) publish(typ events.EventType, severity events.Severity, correlationID, summary string, state types.WindowState, reason string) {
	if m.publisher == nil {
		return
	}
	payload := map[string]any{
		"windowId": state.WindowID,
		"services": targetStrings(state.Services),
		"reason":   reason,
		"version":  m.state.Load().Version,
	}
	if state.Deadline != nil {
		payload["deadline"] = state.Deadline.Format(time.RFC3339Nano)
	}
	m.publisher.Publish(&events.Event{
		Type:          typ,
		Severity:      severity,
		CorrelationID: correlationID,
		Summary:       summary,
		Payload:       payload,
	})
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}

func targetStrings(targets []types.Target) []string {
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = string(t)
	}
	return out
}
