package router

import (
	"github.com/vx11/vx11/pkg/fallback"
	"github.com/vx11/vx11/pkg/types"
)

// Route is one row of the routing table. Targets[0] is the default target;
// callers may pick another row target through Intent.Require.
type Route struct {
	Kind       types.IntentKind `json:"kind"`
	Targets    []types.Target   `json:"targets"`
	Path       string           `json:"path"`
	Idempotent bool             `json:"idempotent"`
	Fallback   bool             `json:"fallback"`
}

var table = map[types.IntentKind]Route{
	types.IntentChat: {
		Kind:       types.IntentChat,
		Targets:    []types.Target{types.TargetSwitch, types.TargetMadre},
		Path:       "/switch/chat",
		Idempotent: true,
	},
	types.IntentPlan: {
		Kind:       types.IntentPlan,
		Targets:    []types.Target{types.TargetSwitch, types.TargetMadre},
		Path:       "/switch/plan",
		Idempotent: true,
	},
	types.IntentExec: {
		Kind:    types.IntentExec,
		Targets: []types.Target{types.TargetHermes},
		Path:    "/hermes/execute",
	},
	types.IntentSpawn: {
		Kind:    types.IntentSpawn,
		Targets: []types.Target{types.TargetSpawner},
		Path:    "/spawner/spawn",
	},
	types.IntentScan: {
		Kind:       types.IntentScan,
		Targets:    []types.Target{types.TargetHormiguero, types.TargetManifestator},
		Path:       "/scan",
		Idempotent: true,
	},
}

func init() {
	for kind, route := range table {
		route.Fallback = fallback.Available(kind)
		table[kind] = route
	}
}

// Lookup returns the route for kind
func Lookup(kind types.IntentKind) (Route, bool) {
	r, ok := table[kind]
	return r, ok
}

// Routes returns the whole table in intent kind order
func Routes() []Route {
	kinds := []types.IntentKind{types.IntentChat, types.IntentPlan, types.IntentExec, types.IntentSpawn, types.IntentScan}
	out := make([]Route, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, table[k])
	}
	return out
}

// Serves reports whether t is one of the route's targets
func (r Route) Serves(t types.Target) bool {
	for _, candidate := range r.Targets {
		if candidate == t {
			return true
		}
	}
	return false
}

// selectTarget picks the first row target the caller required, or the
// default when nothing was required. ok is false when a required target is
// outside the row.
func (r Route) selectTarget(required []types.Target) (types.Target, types.Target, bool) {
	if len(required) == 0 {
		return r.Targets[0], "", true
	}
	want := make(map[types.Target]bool, len(required))
	for _, t := range required {
		if !r.Serves(t) {
			return "", t, false
		}
		want[t] = true
	}
	for _, t := range r.Targets {
		if want[t] {
			return t, "", true
		}
	}
	return r.Targets[0], "", true
}
