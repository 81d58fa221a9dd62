package vibemq

import (
	"sync"
	"time"
)

// cancelTimer wraps a *time.Timer so it can be (re)armed and cancelled from
// multiple goroutines without the caller having to reason about the
// Stop/already-fired race itself.
type cancelTimer struct {
	mu sync.Mutex
	t  *time.Timer
}

// arm schedules fn to run after d, replacing any previously armed timer.
func (c *cancelTimer) arm(d time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.t != nil {
		c.t.Stop()
	}
	c.t = time.AfterFunc(d, fn)
}

// cancel stops the timer if armed. Safe to call when not armed.
func (c *cancelTimer) cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.t != nil {
		c.t.Stop()
		c.t = nil
	}
}
