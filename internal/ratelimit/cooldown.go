// Package ratelimit implements the per-device cooldown gate for high-cost
// triggers (push pings).
package ratelimit

import (
	"sync"
	"time"
)

// Result reports the outcome of a trigger attempt.
type Result struct {
	Allowed bool
	// RetryAfter is the remaining cooldown when denied, zero when allowed.
	RetryAfter time.Duration
}

// Cooldown gates repeated triggers per device key. Entries are in-memory
// only; losing them on restart just means one extra ping is allowed.
type Cooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// New creates a cooldown gate.
func New() *Cooldown {
	return &Cooldown{
		last: make(map[string]time.Time),
		now:  time.Now,
	}
}

// TryTrigger reports whether a trigger for key is allowed given the window.
// On allow, the trigger time is recorded inside the same critical section,
// so two concurrent calls for the same key can never both pass.
func (c *Cooldown) TryTrigger(key string, window time.Duration) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if last, ok := c.last[key]; ok {
		elapsed := now.Sub(last)
		if elapsed <= window {
			return Result{Allowed: false, RetryAfter: window - elapsed}
		}
	}
	c.last[key] = now
	return Result{Allowed: true}
}

// Reset clears the entry for key.
func (c *Cooldown) Reset(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.last, key)
}
