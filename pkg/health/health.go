package health

import (
	"context"
	"fmt"
	"time"
)

// Result is the outcome of one probe
type Result struct {
	Healthy   bool
	Message   string
	Reason    string // failure category, empty when healthy
	CheckedAt time.Time
	Duration  time.Duration
}

func passed(start time.Time, format string, args ...any) Result {
	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf(format, args...),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

func failed(start time.Time, reason, format string, args ...any) Result {
	return Result{
		Message:   fmt.Sprintf(format, args...),
		Reason:    reason,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Checker probes one backend endpoint
type Checker interface {
	Check(ctx context.Context) Result
}

// Config controls backend probing
type Config struct {
	Interval time.Duration
	// Timeout bounds a single probe
	Timeout time.Duration
	// Retries is how many consecutive failures mark a healthy backend down
	Retries int
}

// WithDefaults fills unset fields: probe every 10s, give up after 2s,
// flip on the first failure.
func (c Config) WithDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.Retries <= 0 {
		c.Retries = 1
	}
	return c
}

// Verdict folds a stream of results into a debounced healthy flag. The zero
// Verdict is unprobed and unhealthy, so a backend that never answers is
// never advertised.
type Verdict struct {
	healthy  bool
	probed   bool
	failures int
	last     Result
}

// Observe records r and reports whether the verdict changed. The first
// observation always counts as a change.
func (v *Verdict) Observe(r Result, retries int) (flipped bool) {
	before, first := v.healthy, !v.probed
	v.probed = true
	v.last = r

	if r.Healthy {
		v.failures = 0
		v.healthy = true
	} else if v.failures++; v.failures >= retries {
		v.healthy = false
	}
	return first || before != v.healthy
}

// Healthy is the current verdict
func (v *Verdict) Healthy() bool { return v.healthy }

// Probed reports whether any result was observed yet
func (v *Verdict) Probed() bool { return v.probed }

// Last returns the most recent result
func (v *Verdict) Last() Result { return v.last }
