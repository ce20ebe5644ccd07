package clock

import (
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock. Time only moves when Advance or
// Set is called; tickers and After channels fire synchronously inside
// those calls.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
	added   chan struct{}
}

type fakeWaiter struct {
	at       time.Time
	interval time.Duration // zero for one-shot
	ch       chan time.Time
	stopped  bool
}

// Fake returns a FakeClock starting at initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{now: initial, added: make(chan struct{}, 64)}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.addLocked(&fakeWaiter{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	w := &fakeWaiter{interval: d, ch: make(chan time.Time, 1)}
	c.mu.Lock()
	w.at = c.now.Add(d)
	c.addLocked(w)
	c.mu.Unlock()
	return &Ticker{C: w.ch, stop: func() {
		c.mu.Lock()
		w.stopped = true
		c.mu.Unlock()
	}}
}

func (c *FakeClock) addLocked(w *fakeWaiter) {
	c.waiters = append(c.waiters, w)
	select {
	case c.added <- struct{}{}:
	default:
	}
}

// Advance moves time forward by d and fires every waiter that comes due.
// Tickers deliver at most one pending tick, like time.Ticker.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	live := c.waiters[:0]
	for _, w := range c.waiters {
		if w.stopped {
			continue
		}
		if !now.Before(w.at) {
			select {
			case w.ch <- now:
			default:
			}
			if w.interval == 0 {
				continue
			}
			for !now.Before(w.at) {
				w.at = w.at.Add(w.interval)
			}
		}
		live = append(live, w)
	}
	c.waiters = live
	c.mu.Unlock()
}

// Set jumps the clock to t without firing waiters. Used to simulate wall
// clock steps, including steps backwards.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// WaitForWaiters blocks until at least n tickers or After calls are pending.
func (c *FakeClock) WaitForWaiters(n int) {
	for {
		c.mu.Lock()
		count := 0
		for _, w := range c.waiters {
			if !w.stopped {
				count++
			}
		}
		c.mu.Unlock()
		if count >= n {
			return
		}
		<-c.added
	}
}
