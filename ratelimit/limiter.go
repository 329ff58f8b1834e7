// Package ratelimit enforces a cooldown window per (action, subject) pair.
// Correctness under concurrent requests rests entirely on the store's
// atomic set-if-absent primitive; there is no read-then-write anywhere.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"authcache/kv"
)

// Policy decides the outcome when the backing store is unreachable.
type Policy uint8

const (
	// FailOpen permits the action when the store is down. This favors
	// availability over strictness and is the default.
	FailOpen Policy = iota
	// FailClosed denies the action when the store is down, reporting the
	// full window as remaining.
	FailClosed
)

// Config carries the limiter namespace and failure policy.
type Config struct {
	Prefix string
	Policy Policy
}

// Normalize fills unset fields.
func (c Config) Normalize() Config {
	if c.Prefix == "" {
		c.Prefix = "rl"
	}
	return c
}

// Decision is the outcome of TryAcquire. Remaining is only meaningful
// when Allowed is false.
type Decision struct {
	Allowed   bool
	Remaining time.Duration
}

// Limiter is the per-key cooldown enforcer.
type Limiter struct {
	store  kv.Store
	config Config
}

// New creates a Limiter over the given store.
func New(store kv.Store, cfg Config) *Limiter {
	return &Limiter{store: store, config: cfg.Normalize()}
}

// Key exposes the storage key for (action, subject), for administrative
// invalidation.
func (l *Limiter) Key(action, subject string) string {
	return l.config.Prefix + ":" + action + ":" + subject
}

// TryAcquire opens a cooldown window for (action, subject) if none is
// open. It linearizes per key: exactly one of any set of concurrent
// callers wins the window. On denial, Remaining carries the time left in
// the open window.
//
// Store failures never propagate; the configured Policy decides the
// outcome, and the wrapped kv.ErrStoreUnavailable is returned alongside
// the decision for observability only.
func (l *Limiter) TryAcquire(ctx context.Context, action, subject string, window time.Duration) (Decision, error) {
	key := l.Key(action, subject)

	ok, err := l.store.SetIfAbsentWithTTL(ctx, key, []byte{'1'}, window)
	if err != nil {
		if l.config.Policy == FailClosed {
			return Decision{Allowed: false, Remaining: window}, err
		}
		return Decision{Allowed: true}, err
	}
	if ok {
		return Decision{Allowed: true}, nil
	}

	remaining, err := l.store.TTLRemaining(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			// The window expired between the failed set and the TTL read.
			// Deny with zero remaining rather than race a second set.
			return Decision{Allowed: false, Remaining: 0}, nil
		}
		return Decision{Allowed: false, Remaining: window}, err
	}

	return Decision{Allowed: false, Remaining: remaining}, nil
}

// Clear drops any open window for (action, subject).
func (l *Limiter) Clear(ctx context.Context, action, subject string) error {
	_, err := l.store.Delete(ctx, l.Key(action, subject))
	return err
}
