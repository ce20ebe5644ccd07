package metrics

import (
	"time"

	"github.com/vx11/vx11/pkg/types"
)

// WindowSource exposes the window manager's lock-free snapshot
type WindowSource interface {
	Snapshot() types.WindowState
	Now() time.Time
}

// Collector samples window gauges on an interval
type Collector struct {
	windows  WindowSource
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(windows WindowSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Collector{
		windows:  windows,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer close(c.doneCh)
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector and waits for the loop to exit
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

// Collect samples the gauges once
func (c *Collector) Collect() {
	state := c.windows.Snapshot()
	if state.IsWindowed() {
		WindowOpen.Set(1)
	} else {
		WindowOpen.Set(0)
	}
	remaining, ok := state.Remaining(c.windows.Now())
	if !ok {
		remaining = 0
	}
	WindowTTLRemaining.Set(remaining.Seconds())
}
