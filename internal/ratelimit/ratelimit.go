// Package ratelimit polices per-connection request frequency with a fixed
// time window. When the window expires the counter resets and a new window
// starts at the observation time.
package ratelimit

import "time"

// Limiter counts requests for one connection. Each connection owns exactly
// one limiter and touches it only from its own handler, so there is no
// internal locking.
type Limiter struct {
	max         int
	window      time.Duration
	count       int
	windowStart time.Time
}

// New creates a limiter allowing max requests per window. A zero max or
// window disables limiting.
func New(max int, window time.Duration) *Limiter {
	return &Limiter{max: max, window: window}
}

// Enabled reports whether a limit is configured.
func (l *Limiter) Enabled() bool {
	return l.max > 0 && l.window > 0
}

// Allow records one request at the given instant and reports whether it is
// within the limit. Exactly max requests pass per window; the next is
// refused until the window rolls over.
func (l *Limiter) Allow(now time.Time) bool {
	if !l.Enabled() {
		return true
	}
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.count = 0
	}
	if l.count >= l.max {
		return false
	}
	l.count++
	return true
}

// Remaining returns how many requests are left in the current window.
func (l *Limiter) Remaining(now time.Time) int {
	if !l.Enabled() {
		return -1
	}
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
		return l.max
	}
	if l.count >= l.max {
		return 0
	}
	return l.max - l.count
}
