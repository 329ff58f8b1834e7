// Package kv abstracts the remote key/value/TTL store that every other
// component of authcache is built on. All coordination invariants (atomic
// test-and-set, native expiry) live behind this interface so the rest of
// the core stays free of in-process locks.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for absent or expired keys. It is an expected
// outcome, not a failure.
var ErrNotFound = errors.New("key not found")

// ErrStoreUnavailable wraps connectivity or backend failures. Callers
// decide fail-open vs fail-closed on their own.
var ErrStoreUnavailable = errors.New("store unavailable")

// Store is the contract every component consumes. Implementations must be
// safe for concurrent use.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// SetWithTTL writes value under key with the given TTL.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Expire replaces the remaining TTL of key. Missing keys are a no-op.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTLRemaining reports the remaining TTL of key, or ErrNotFound for
	// absent keys.
	TTLRemaining(ctx context.Context, key string) (time.Duration, error)

	// Delete removes the given keys and reports how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)

	// ScanPrefix invokes fn for every key starting with prefix. The scan is
	// restartable per call and is not a stable snapshot under concurrent
	// mutation; keys created or deleted mid-scan may or may not be seen.
	ScanPrefix(ctx context.Context, prefix string, fn func(key string) error) error

	// SetIfAbsentWithTTL atomically writes value under key only when the key
	// does not exist, and reports whether the write happened. This is the
	// building block for rate-limit windows and locks.
	SetIfAbsentWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// IncrWithTTL atomically increments the integer counter at key and
	// returns the new value. The TTL is applied only when the increment
	// created the key, giving fixed-window counter semantics.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
