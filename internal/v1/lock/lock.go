// Package lock provides a named, token-owned, TTL-bounded mutex used to
// serialize room-level operations. The single-instance implementation is an
// in-process table; acquisition under contention retries with exponential
// backoff so racing joiners converge instead of failing fast.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/signalfish/signal-fish/internal/v1/metrics"
)

// ErrNotAcquired is returned when Acquire exhausts its retry budget.
var ErrNotAcquired = errors.New("lock not acquired")

// Handle proves ownership of a named lock. Release and Extend succeed only
// while the stored token matches.
type Handle struct {
	Name       string
	Token      string
	AcquiredAt time.Time
	TTL        time.Duration
}

type lockEntry struct {
	token     string
	expiresAt time.Time
}

// Registry is the lock table. All acquire/release/extend operations run in
// a single critical section over the table.
type Registry struct {
	mu      sync.Mutex
	entries map[string]lockEntry

	now func() time.Time
}

// NewRegistry creates an empty lock table.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]lockEntry),
		now:     time.Now,
	}
}

// TryAcquire attempts to take the named lock. In one critical section it
// trims an expired holder, rejects if the name is still held, and otherwise
// records a fresh token with expiry now+ttl.
func (r *Registry) TryAcquire(name string, ttl time.Duration) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if e, ok := r.entries[name]; ok {
		if e.expiresAt.After(now) {
			metrics.LockContention.Inc()
			return nil, false
		}
		delete(r.entries, name)
	}

	token := uuid.NewString()
	r.entries[name] = lockEntry{token: token, expiresAt: now.Add(ttl)}
	return &Handle{Name: name, Token: token, AcquiredAt: now, TTL: ttl}, true
}

// Acquire retries TryAcquire under a bounded exponential backoff: at most
// 10 attempts, 100 ms initial delay, x1.5 growth capped at 5 s, 20% jitter.
func (r *Registry) Acquire(ctx context.Context, name string, ttl time.Duration) (*Handle, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.Multiplier = 1.5
	policy.MaxInterval = 5 * time.Second
	policy.RandomizationFactor = 0.2
	policy.MaxElapsedTime = 0

	var handle *Handle
	operation := func() error {
		if h, ok := r.TryAcquire(name, ttl); ok {
			handle = h
			return nil
		}
		return ErrNotAcquired
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, 9), ctx))
	if err != nil {
		return nil, ErrNotAcquired
	}
	return handle, nil
}

// Extend pushes the expiry of a held lock to now+ttl. Returns false when
// the handle is stale (expired and reaped, or superseded).
func (r *Registry) Extend(h *Handle, ttl time.Duration) bool {
	if h == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[h.Name]
	if !ok || e.token != h.Token {
		return false
	}
	e.expiresAt = r.now().Add(ttl)
	r.entries[h.Name] = e
	return true
}

// Release drops the lock iff the handle still owns it.
func (r *Registry) Release(h *Handle) bool {
	if h == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[h.Name]
	if !ok || e.token != h.Token {
		return false
	}
	delete(r.entries, h.Name)
	return true
}

// IsLocked reports whether the name is currently held and unexpired.
func (r *Registry) IsLocked(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	return ok && e.expiresAt.After(r.now())
}

// CleanupExpired reaps expired entries and returns the count.
func (r *Registry) CleanupExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for name, e := range r.entries {
		if !e.expiresAt.After(now) {
			delete(r.entries, name)
			removed++
		}
	}
	return removed
}
