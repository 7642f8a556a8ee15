package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/keplerlabs/cadence/errors"
)

// windowDuration is the rolling window for request counting
const windowDuration = 60 * time.Second

// pollInterval bounds how long WaitUntilReady sleeps between checks, so an
// Unblock from another goroutine is noticed promptly.
const pollInterval = 250 * time.Millisecond

// Limiter paces requests per (scope, scopeID) pair and persists its state
// through a Store. All methods are safe for concurrent use within one
// process; cross-process coordination is last-write-wins at the store.
type Limiter struct {
	store       *Store
	minInterval time.Duration
	multiplier  float64
	maxBackoff  time.Duration

	mu      sync.Mutex
	timeNow func() time.Time // Injectable for testing
}

// NewLimiter creates a limiter with real time
func NewLimiter(store *Store, minInterval time.Duration, multiplier float64, maxBackoff time.Duration) *Limiter {
	return NewLimiterWithClock(store, minInterval, multiplier, maxBackoff, time.Now)
}

// NewLimiterWithClock creates a limiter with an injectable clock (for testing)
func NewLimiterWithClock(store *Store, minInterval time.Duration, multiplier float64, maxBackoff time.Duration, timeNow func() time.Time) *Limiter {
	return &Limiter{
		store:       store,
		minInterval: minInterval,
		multiplier:  multiplier,
		maxBackoff:  maxBackoff,
		timeNow:     timeNow,
	}
}

// CanExecute reports whether a request may proceed now. A block whose
// blocked_until has passed is cleared as a side effect.
func (l *Limiter) CanExecute(scope, scopeID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	wait, err := l.waitTimeLocked(scope, scopeID)
	if err != nil {
		return false, err
	}
	return wait == 0, nil
}

// WaitTime returns how long until a request may proceed. Zero means go now.
func (l *Limiter) WaitTime(scope, scopeID string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.waitTimeLocked(scope, scopeID)
}

// waitTimeLocked computes remaining wait and clears expired blocks.
// Must be called with the mutex held.
func (l *Limiter) waitTimeLocked(scope, scopeID string) (time.Duration, error) {
	state, err := l.store.Get(scope, scopeID)
	if err != nil {
		return 0, err
	}
	if state == nil {
		return 0, nil
	}

	now := l.timeNow()

	if state.IsBlocked {
		if state.BlockedUntil == nil {
			// Indefinite block, only Unblock releases it
			return time.Duration(math.MaxInt64), nil
		}
		if now.Before(*state.BlockedUntil) {
			return state.BlockedUntil.Sub(now), nil
		}
		// Block expired, clear it
		state.IsBlocked = false
		state.BlockedUntil = nil
		state.BlockReason = ""
		state.UpdatedAt = now
		if err := l.store.Save(state); err != nil {
			return 0, err
		}
	}

	if state.LastRequestAt != nil {
		elapsed := now.Sub(*state.LastRequestAt)
		if elapsed < l.minInterval {
			return l.minInterval - elapsed, nil
		}
	}

	return 0, nil
}

// RecordRequest notes that a request was made now. The request counter resets
// whenever the rolling window has elapsed since window_start.
func (l *Limiter) RecordRequest(scope, scopeID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeNow()

	state, err := l.store.Get(scope, scopeID)
	if err != nil {
		return err
	}
	if state == nil {
		state = &State{
			Scope:       scope,
			ScopeID:     scopeID,
			WindowStart: now,
		}
	}

	if now.Sub(state.WindowStart) >= windowDuration {
		state.WindowStart = now
		state.RequestCount = 0
	}

	state.RequestCount++
	state.LastRequestAt = &now
	state.UpdatedAt = now

	return l.store.Save(state)
}

// Block suspends a scope for the given duration. A non-positive duration
// blocks indefinitely until Unblock.
func (l *Limiter) Block(scope, scopeID string, d time.Duration, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeNow()

	state, err := l.store.Get(scope, scopeID)
	if err != nil {
		return err
	}
	if state == nil {
		state = &State{
			Scope:       scope,
			ScopeID:     scopeID,
			WindowStart: now,
		}
	}

	state.IsBlocked = true
	state.BlockReason = reason
	state.UpdatedAt = now
	if d > 0 {
		until := now.Add(d)
		state.BlockedUntil = &until
	} else {
		state.BlockedUntil = nil
	}

	return l.store.Save(state)
}

// Unblock lifts a block ahead of its expiry. A no-op for unknown scopes.
func (l *Limiter) Unblock(scope, scopeID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, err := l.store.Get(scope, scopeID)
	if err != nil || state == nil {
		return err
	}

	state.IsBlocked = false
	state.BlockedUntil = nil
	state.BlockReason = ""
	state.UpdatedAt = l.timeNow()

	return l.store.Save(state)
}

// BackoffDelay returns the exponential delay before retry attempt n:
// minInterval * multiplier^n, capped at maxBackoff.
func (l *Limiter) BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := float64(l.minInterval) * math.Pow(l.multiplier, float64(attempt))
	if d > float64(l.maxBackoff) || d < 0 {
		return l.maxBackoff
	}
	return time.Duration(d)
}

// WaitUntilReady blocks until the scope may execute or the context is done.
// This is the only deliberately blocking call in the package.
func (l *Limiter) WaitUntilReady(ctx context.Context, scope, scopeID string) error {
	for {
		wait, err := l.WaitTime(scope, scopeID)
		if err != nil {
			return errors.Wrap(err, "failed to check rate limit")
		}
		if wait == 0 {
			return nil
		}

		if wait > pollInterval {
			wait = pollInterval
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
