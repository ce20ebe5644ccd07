package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Target identifies one backend of the VX11 fleet
type Target string

const (
	TargetMadre        Target = "madre"
	TargetSwitch       Target = "switch"
	TargetHermes       Target = "hermes"
	TargetSpawner      Target = "spawner"
	TargetHormiguero   Target = "hormiguero"
	TargetManifestator Target = "manifestator"
)

// AllTargets is the closed list of known targets in display order
var AllTargets = []Target{
	TargetMadre,
	TargetSwitch,
	TargetHermes,
	TargetSpawner,
	TargetHormiguero,
	TargetManifestator,
}

// ParseTarget validates a target name
func ParseTarget(s string) (Target, error) {
	t := Target(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllTargets {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown target %q", s)
}

// Gating classifies whether a target is reachable unconditionally or only inside a window
type Gating string

const (
	GatingAlwaysOn Gating = "always_on"
	GatingWindow   Gating = "window"
)

// IntentKind is the closed set of work a caller can ask for
type IntentKind string

const (
	IntentChat  IntentKind = "chat"
	IntentPlan  IntentKind = "plan"
	IntentExec  IntentKind = "exec"
	IntentSpawn IntentKind = "spawn"
	IntentScan  IntentKind = "scan"
)

// Priority of an intent
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Intent is one unit of work submitted through the gateway
type Intent struct {
	Kind          IntentKind        `json:"kind"`
	Text          string            `json:"text,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Require       map[Target]bool   `json:"require,omitempty"`
	Priority      Priority          `json:"priority,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	UserID        string            `json:"userId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// RequiredTargets returns the targets flagged true in Require, sorted by name.
func (i *Intent) RequiredTargets() []Target {
	var out []Target
	for t, needed := range i.Require {
		if needed {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// Validate checks the caller-controlled fields of an intent
func (i *Intent) Validate() error {
	switch i.Kind {
	case IntentChat, IntentPlan, IntentExec, IntentSpawn, IntentScan:
	case "":
		return fmt.Errorf("kind is required")
	default:
		return fmt.Errorf("unknown intent kind %q", i.Kind)
	}
	switch i.Priority {
	case "", PriorityLow, PriorityNormal, PriorityHigh:
	default:
		return fmt.Errorf("unknown priority %q", i.Priority)
	}
	for t := range i.Require {
		if _, err := ParseTarget(string(t)); err != nil {
			return err
		}
	}
	if len(i.Payload) > 0 && !json.Valid(i.Payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}

// OutcomeStatus is the lifecycle state reported for an intent
type OutcomeStatus string

const (
	OutcomeQueued  OutcomeStatus = "queued"
	OutcomeRunning OutcomeStatus = "running"
	OutcomeDone    OutcomeStatus = "done"
	OutcomeError   OutcomeStatus = "error"
)

// Valid reports whether s is one of the known statuses
func (s OutcomeStatus) Valid() bool {
	switch s {
	case OutcomeQueued, OutcomeRunning, OutcomeDone, OutcomeError:
		return true
	}
	return false
}

// Mode names who produced an outcome: "fallback" or the target that served it
type Mode string

const ModeFallback Mode = "fallback"

// ModeFor returns the outcome mode for a target
func ModeFor(t Target) Mode {
	return Mode(t)
}

// Outcome is the result of routing one intent
type Outcome struct {
	CorrelationID  string          `json:"correlationId"`
	Kind           IntentKind      `json:"kind"`
	Status         OutcomeStatus   `json:"status"`
	Mode           Mode            `json:"mode"`
	Provider       string          `json:"provider"`
	Target         Target          `json:"target,omitempty"`
	Response       json.RawMessage `json:"response,omitempty"`
	Error          json.RawMessage `json:"error,omitempty"`
	UpstreamStatus int             `json:"upstreamStatus,omitempty"`
	Degraded       bool            `json:"degraded"`
	CompletedAt    time.Time       `json:"completedAt"`
}

// WindowMode tags a WindowState
type WindowMode string

const (
	ModeSolo     WindowMode = "solo"
	ModeWindowed WindowMode = "windowed"
)

// WindowState is the policy register owned by the window manager.
// Solo states carry only Mode and Version.
type WindowState struct {
	Mode     WindowMode `json:"mode"`
	WindowID string     `json:"windowId,omitempty"`
	Services []Target   `json:"services,omitempty"`
	OpenedAt *time.Time `json:"openedAt,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"` // nil while windowed means hold
	Hold     bool       `json:"hold,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	Version  uint64     `json:"version"`
}

// SoloState returns the default state at the given version
func SoloState(version uint64) WindowState {
	return WindowState{Mode: ModeSolo, Version: version}
}

// IsWindowed reports whether a window is active
func (s WindowState) IsWindowed() bool {
	return s.Mode == ModeWindowed
}

// Includes reports whether target is in the window's service set
func (s WindowState) Includes(t Target) bool {
	if !s.IsWindowed() {
		return false
	}
	for _, svc := range s.Services {
		if svc == t {
			return true
		}
	}
	return false
}

// Expired reports whether a windowed state has reached its deadline at now.
func (s WindowState) Expired(now time.Time) bool {
	if !s.IsWindowed() || s.Deadline == nil {
		return false
	}
	return !now.Before(*s.Deadline)
}

// Remaining returns the time left before the deadline. ok is false for solo and hold states.
func (s WindowState) Remaining(now time.Time) (remaining time.Duration, ok bool) {
	if !s.IsWindowed() || s.Deadline == nil {
		return 0, false
	}
	remaining = s.Deadline.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Clone returns a deep copy so snapshots can be handed out safely
func (s WindowState) Clone() WindowState {
	out := s
	if s.Services != nil {
		out.Services = append([]Target(nil), s.Services...)
	}
	if s.OpenedAt != nil {
		t := *s.OpenedAt
		out.OpenedAt = &t
	}
	if s.Deadline != nil {
		t := *s.Deadline
		out.Deadline = &t
	}
	return out
}

// ExpiredWindow describes the window retired by the latest expiry. Version
// is the version of the solo state that expiry produced.
type ExpiredWindow struct {
	WindowID string
	Services []Target
	Version  uint64
}

// Covers reports whether state is still the solo state this expiry left
// behind and target belonged to the retired window. Any later transition
// bumps the version and ends the coverage.
func (e ExpiredWindow) Covers(state WindowState, target Target) bool {
	if state.IsWindowed() || state.Version != e.Version {
		return false
	}
	for _, svc := range e.Services {
		if svc == target {
			return true
		}
	}
	return false
}

// TransitionCause records what moved the window state
type TransitionCause string

const (
	CauseOpen   TransitionCause = "open"
	CauseClose  TransitionCause = "close"
	CauseExpire TransitionCause = "expire"
)

// Transition is one durable record in the window history log
type Transition struct {
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	From      WindowMode      `json:"from"`
	To        WindowMode      `json:"to"`
	WindowID  string          `json:"windowId,omitempty"`
	Services  []Target        `json:"services,omitempty"`
	Reason    string          `json:"reason"`
	Cause     TransitionCause `json:"cause"`
	Version   uint64          `json:"version"`
}
