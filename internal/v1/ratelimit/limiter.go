// Package ratelimit implements admission control. The sliding-window
// Limiter is the engine behind per-application, per-player room-creation,
// and per-player join-attempt budgets; the upgrade middleware throttles the
// HTTP upgrade path by client IP before any socket work happens.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrLimitExceeded is returned when a key has exhausted its window budget.
var ErrLimitExceeded = errors.New("rate limit exceeded")

type entry struct {
	mu     sync.Mutex
	stamps []time.Time
}

// Limiter is a sliding-window request counter. Each key owns an ordered
// timestamp sequence trimmed to the window on every check; the key table
// itself permits concurrent distinct-key access.
type Limiter struct {
	window time.Duration
	mu     sync.RWMutex
	keys   map[string]*entry

	now func() time.Time
}

// NewLimiter creates a limiter with the given rolling window.
func NewLimiter(window time.Duration) *Limiter {
	return &Limiter{
		window: window,
		keys:   make(map[string]*entry),
		now:    time.Now,
	}
}

// Check admits or rejects one request for key under the given per-window
// limit. On rejection no timestamp is recorded, so a rejected burst does
// not extend the caller's penalty. A limit of zero rejects unconditionally.
func (l *Limiter) Check(key string, limit int) error {
	if limit <= 0 {
		return ErrLimitExceeded
	}

	e := l.entryFor(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	e.stamps = trimBefore(e.stamps, cutoff)

	if len(e.stamps) >= limit {
		return ErrLimitExceeded
	}
	e.stamps = append(e.stamps, l.now())
	return nil
}

func (l *Limiter) entryFor(key string) *entry {
	l.mu.RLock()
	e, ok := l.keys[key]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.keys[key]; ok {
		return e
	}
	e = &entry{}
	l.keys[key] = e
	return e
}

// Cleanup removes keys whose sequences are empty after trimming and
// returns how many were dropped. Run periodically from the cleanup task.
func (l *Limiter) Cleanup() int {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, e := range l.keys {
		e.mu.Lock()
		e.stamps = trimBefore(e.stamps, cutoff)
		empty := len(e.stamps) == 0
		e.mu.Unlock()
		if empty {
			delete(l.keys, key)
			removed++
		}
	}
	return removed
}

// trimBefore drops timestamps at or before the cutoff, preserving order.
func trimBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}
