// Package fallback is the in-process executor the router degrades to when
// a gated backend cannot be used. Each intent kind either has a fallback or
// it does not; the table is fixed at compile time.
package fallback

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vx11/vx11/pkg/types"
)

// Provider is the provider name stamped on fallback outcomes
const Provider = "madre-local"

// ErrNoFallback is returned by Execute for kinds without a local handler
var ErrNoFallback = errors.New("no local fallback for intent kind")

var available = map[types.IntentKind]bool{
	types.IntentChat:  true,
	types.IntentPlan:  true,
	types.IntentExec:  false,
	types.IntentSpawn: false,
	types.IntentScan:  false,
}

// Available reports whether kind has a local fallback
func Available(kind types.IntentKind) bool {
	return available[kind]
}

// Executor runs intents locally
type Executor struct{}

// New returns an executor
func New() *Executor { return &Executor{} }

// ChatReply is the fallback chat response
type ChatReply struct {
	Reply        string `json:"reply"`
	Acknowledged bool   `json:"acknowledged"`
	Provider     string `json:"provider"`
}

// Plan is the fallback plan response
type Plan struct {
	Goal     string     `json:"goal"`
	Steps    []PlanStep `json:"steps"`
	NoOp     bool       `json:"noop"`
	Provider string     `json:"provider"`
}

type PlanStep struct {
	Order  int    `json:"order"`
	Action string `json:"action"`
	Detail string `json:"detail"`
}

// Execute returns the deterministic local response for intent
func (e *Executor) Execute(intent *types.Intent) (json.RawMessage, error) {
	var body any
	switch intent.Kind {
	case types.IntentChat:
		body = ChatReply{
			Reply:        "ack: " + strings.TrimSpace(intent.Text),
			Acknowledged: true,
			Provider:     Provider,
		}
	case types.IntentPlan:
		goal := strings.TrimSpace(intent.Text)
		if goal == "" {
			goal = "unspecified"
		}
		body = Plan{
			Goal: goal,
			Steps: []PlanStep{
				{Order: 1, Action: "review", Detail: "restate the goal: " + goal},
				{Order: 2, Action: "defer", Detail: "planning backends are not reachable in the current window"},
				{Order: 3, Action: "retry", Detail: "open a window for switch and resubmit"},
			},
			NoOp:     true,
			Provider: Provider,
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoFallback, intent.Kind)
	}
	return json.Marshal(body)
}
