// Package ratelimit throttles abuse-prone operations with a fixed window
// counter per key. Approximate by design: two half-windows can briefly
// double-count across a boundary, in exchange for O(1) state per key.
package ratelimit

import (
	"fmt"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Error surfaces a denial as a typed error the API layer maps to 429.
type Error struct {
	RetryAfter time.Duration
}

func (e Error) Error() string {
	return fmt.Sprintf("rate limited; retry after %s", e.RetryAfter.Round(time.Second))
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter keeps one fixed window per key. Distinct operations use distinct
// keys (see Key), so login and session-start never share a budget.
type Limiter struct {
	now     func() time.Time
	windows cmap.ConcurrentMap[string, *window]
}

func New() *Limiter {
	return &Limiter{
		now:     time.Now,
		windows: cmap.New[*window](),
	}
}

// Key builds the canonical "<operation>:<actor-or-ip>" limiter key.
func Key(operation, actor string) string {
	return operation + ":" + actor
}

// Allow counts one attempt against the key's current window. The first call
// in a window starts the counter at 1; once count reaches maxAttempts,
// further calls are denied until resetAt, after which the window restarts.
func (l *Limiter) Allow(key string, maxAttempts int, windowSize time.Duration) Decision {
	if maxAttempts <= 0 || windowSize <= 0 {
		return Decision{Allowed: true}
	}
	now := l.now()
	var d Decision
	// Upsert runs under the shard lock, so count-and-decide is atomic per key.
	l.windows.Upsert(key, nil, func(exists bool, w *window, _ *window) *window {
		if !exists || w == nil || !now.Before(w.resetAt) {
			w = &window{count: 1, resetAt: now.Add(windowSize)}
			d = Decision{Allowed: true, Remaining: maxAttempts - 1}
			return w
		}
		if w.count >= maxAttempts {
			d = Decision{Allowed: false, RetryAfter: w.resetAt.Sub(now)}
			return w
		}
		w.count++
		d = Decision{Allowed: true, Remaining: maxAttempts - w.count}
		return w
	})
	return d
}

// Sweep drops expired windows. Callers may run it periodically; correctness
// does not depend on it since expired windows restart on next use.
func (l *Limiter) Sweep() {
	now := l.now()
	for _, key := range l.windows.Keys() {
		l.windows.RemoveCb(key, func(_ string, w *window, exists bool) bool {
			return exists && w != nil && !now.Before(w.resetAt)
		})
	}
}
