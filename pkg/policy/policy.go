// Package policy decides whether a target may be called under the current
// window state.
package policy

import (
	"time"

	"github.com/vx11/vx11/pkg/metrics"
	"github.com/vx11/vx11/pkg/types"
)

// Decision is the outcome of a policy evaluation
type Decision string

const (
	Allow       Decision = "allow"
	DenySolo    Decision = "deny_solo"
	DenyExpired Decision = "deny_expired"
)

// Allowed reports whether the decision permits the call
func (d Decision) Allowed() bool { return d == Allow }

// Evaluate is pure: always-on targets are allowed, an expired window is
// reported before a scope miss, and everything else needs an active window
// that includes the target.
func Evaluate(target types.Target, gating types.Gating, now time.Time, state types.WindowState) Decision {
	switch {
	case gating == types.GatingAlwaysOn:
		return Allow
	case !state.IsWindowed():
		return DenySolo
	case state.Expired(now):
		return DenyExpired
	case !state.Includes(target):
		return DenySolo
	default:
		return Allow
	}
}

// Source is the view of the window manager the evaluator needs
type Source interface {
	Snapshot() types.WindowState
	Now() time.Time
	Gating(target types.Target) types.Gating
	ExpireIfDue(reason string) bool
	LastExpiry() (types.ExpiredWindow, bool)
}

// Evaluator evaluates against a live Source and nudges it to expire a
// window whose deadline it observed as passed. Once a window has expired,
// its targets keep answering DenyExpired until the next transition, however
// the expiry was triggered.
type Evaluator struct {
	source Source
}

// NewEvaluator creates an evaluator over source
func NewEvaluator(source Source) *Evaluator {
	return &Evaluator{source: source}
}

// Evaluate returns the decision for target together with the state it was
// made against.
func (e *Evaluator) Evaluate(target types.Target) (Decision, types.WindowState) {
	state := e.source.Snapshot()
	decision := Evaluate(target, e.source.Gating(target), e.source.Now(), state)
	switch decision {
	case DenyExpired:
		e.source.ExpireIfDue("policy_read")
	case DenySolo:
		if expired, ok := e.source.LastExpiry(); ok && expired.Covers(state, target) {
			decision = DenyExpired
		}
	}
	metrics.PolicyDecisionsTotal.WithLabelValues(string(target), string(decision)).Inc()
	return decision, state
}
