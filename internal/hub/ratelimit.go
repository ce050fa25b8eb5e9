package hub

import "time"

const (
	rateWindow     = 10 * time.Second
	rateLimit      = 30
	rateHistoryCap = 64
)

// slidingWindowLimiter admits up to limit events in any trailing window
// duration. It is deliberately not a token bucket (golang.org/x/time/rate
// smooths bursts over time; this counts exact events in the actual
// trailing window, which is what the per-session message cap needs).
// Allow takes an explicit now so it is exercised deterministically in
// tests without real sleeps.
type slidingWindowLimiter struct {
	window  time.Duration
	limit   int
	history []time.Time // bounded slice, oldest first
}

func newSlidingWindowLimiter(window time.Duration, limit, historyCap int) *slidingWindowLimiter {
	return &slidingWindowLimiter{
		window:  window,
		limit:   limit,
		history: make([]time.Time, 0, historyCap),
	}
}

// Allow reports whether an event at time now is admitted, recording it if
// so. The history never grows past its configured capacity: once full,
// the oldest entry is dropped to make room for the newly admitted one.
func (l *slidingWindowLimiter) Allow(now time.Time) bool {
	cutoff := now.Add(-l.window)

	kept := l.history[:0]
	for _, t := range l.history {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.history = kept

	if len(l.history) >= l.limit {
		return false
	}

	if len(l.history) == cap(l.history) {
		// history is bounded; drop the oldest admitted timestamp to make
		// room rather than grow past the configured capacity. Shifting in
		// place keeps the backing array, so the capacity stays fixed.
		copy(l.history, l.history[1:])
		l.history = l.history[:len(l.history)-1]
	}
	l.history = append(l.history, now)
	return true
}
