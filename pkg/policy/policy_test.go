package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vx11/vx11/pkg/types"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func windowed(deadline *time.Time, services ...types.Target) types.WindowState {
	opened := now.Add(-time.Minute)
	return types.WindowState{
		Mode:     types.ModeWindowed,
		WindowID: "01W",
		Services: services,
		OpenedAt: &opened,
		Deadline: deadline,
		Hold:     deadline == nil,
		Version:  1,
	}
}

func at(d time.Duration) *time.Time {
	t := now.Add(d)
	return &t
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name   string
		target types.Target
		gating types.Gating
		state  types.WindowState
		want   Decision
	}{
		{"always-on in solo", types.TargetMadre, types.GatingAlwaysOn, types.SoloState(0), Allow},
		{"always-on in expired window", types.TargetMadre, types.GatingAlwaysOn, windowed(at(-time.Second), types.TargetSwitch), Allow},
		{"gated in solo", types.TargetSwitch, types.GatingWindow, types.SoloState(3), DenySolo},
		{"gated in window", types.TargetSwitch, types.GatingWindow, windowed(at(time.Minute), types.TargetSwitch), Allow},
		{"gated outside scope", types.TargetHermes, types.GatingWindow, windowed(at(time.Minute), types.TargetSwitch), DenySolo},
		{"deadline equals now", types.TargetSwitch, types.GatingWindow, windowed(at(0), types.TargetSwitch), DenyExpired},
		{"expired and out of scope reports expiry", types.TargetHermes, types.GatingWindow, windowed(at(-time.Second), types.TargetSwitch), DenyExpired},
		{"hold window", types.TargetSpawner, types.GatingWindow, windowed(nil, types.TargetSpawner), Allow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.target, tt.gating, now, tt.state))
		})
	}
}

func TestExpiredNeverAllowsLater(t *testing.T) {
	state := windowed(at(time.Second), types.TargetSwitch)
	for _, offset := range []time.Duration{time.Second, time.Minute, 24 * time.Hour} {
		d := Evaluate(types.TargetSwitch, types.GatingWindow, now.Add(offset), state)
		assert.False(t, d.Allowed(), "offset %s", offset)
	}
}

type fakeSource struct {
	state   types.WindowState
	now     time.Time
	nudges  []string
	expires bool
	expired *types.ExpiredWindow
}

func (f *fakeSource) Snapshot() types.WindowState { return f.state }
func (f *fakeSource) Now() time.Time              { return f.now }

func (f *fakeSource) Gating(t types.Target) types.Gating {
	if t == types.TargetMadre {
		return types.GatingAlwaysOn
	}
	return types.GatingWindow
}

func (f *fakeSource) ExpireIfDue(reason string) bool {
	f.nudges = append(f.nudges, reason)
	return f.expires
}

func (f *fakeSource) LastExpiry() (types.ExpiredWindow, bool) {
	if f.expired == nil {
		return types.ExpiredWindow{}, false
	}
	return *f.expired, true
}

func TestEvaluatorNudgesOnExpiry(t *testing.T) {
	src := &fakeSource{state: windowed(at(-time.Second), types.TargetSwitch), now: now, expires: true}
	e := NewEvaluator(src)

	d, state := e.Evaluate(types.TargetSwitch)
	assert.Equal(t, DenyExpired, d)
	assert.Equal(t, "01W", state.WindowID)
	assert.Equal(t, []string{"policy_read"}, src.nudges)

	d, _ = e.Evaluate(types.TargetMadre)
	assert.Equal(t, Allow, d)
	assert.Len(t, src.nudges, 1)
}

func TestEvaluatorNoNudgeWhenActive(t *testing.T) {
	src := &fakeSource{state: windowed(at(time.Minute), types.TargetSwitch), now: now}
	d, _ := NewEvaluator(src).Evaluate(types.TargetSwitch)
	assert.Equal(t, Allow, d)
	assert.Empty(t, src.nudges)
}

func TestEvaluatorReportsExpiryAfterTheFact(t *testing.T) {
	retired := &types.ExpiredWindow{WindowID: "01W", Services: []types.Target{types.TargetSpawner}, Version: 2}

	tests := []struct {
		name   string
		state  types.WindowState
		target types.Target
		want   Decision
	}{
		{"retired target", types.SoloState(2), types.TargetSpawner, DenyExpired},
		{"target outside the retired window", types.SoloState(2), types.TargetSwitch, DenySolo},
		{"closed since", types.SoloState(4), types.TargetSpawner, DenySolo},
		{"always-on target", types.SoloState(2), types.TargetMadre, Allow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{state: tt.state, now: now, expired: retired}
			d, _ := NewEvaluator(src).Evaluate(tt.target)
			assert.Equal(t, tt.want, d)
			assert.Empty(t, src.nudges)
		})
	}
}
