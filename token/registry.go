// Package token maps opaque session tokens to an identity with pure
// lookup semantics: issue, resolve, revoke one, revoke all. Tokens are
// revocable because resolution always goes through the store, regardless
// of how the token string itself was minted.
package token

import (
	"context"
	"errors"
	"strings"
	"time"

	"authcache/kv"
)

// ErrTokenNotFound is returned when a token is absent or expired.
var ErrTokenNotFound = errors.New("token not found")

// Config carries the registry key namespaces and default TTL.
type Config struct {
	// Prefix namespaces token -> identity mappings.
	Prefix string
	// IndexPrefix namespaces the per-identity secondary index. Each issued
	// token gets an index entry keyed by identity so bulk revocation is
	// O(tokens of that identity), not O(all tokens).
	IndexPrefix string
	// TTL is the default token lifetime when Issue is called with zero.
	TTL time.Duration
}

// Normalize fills unset fields.
func (c Config) Normalize() Config {
	if c.Prefix == "" {
		c.Prefix = "tok"
	}
	if c.IndexPrefix == "" {
		c.IndexPrefix = "toki"
	}
	if c.TTL == 0 {
		c.TTL = 24 * time.Hour
	}
	return c
}

// Registry is the token store. All methods are safe for concurrent use
// when the backing store is.
type Registry struct {
	store  kv.Store
	minter Minter
	config Config
}

// NewRegistry creates a Registry. A nil minter defaults to opaque
// crypto/rand tokens.
func NewRegistry(store kv.Store, minter Minter, cfg Config) *Registry {
	if minter == nil {
		minter = OpaqueMinter{}
	}
	return &Registry{store: store, minter: minter, config: cfg.Normalize()}
}

func (r *Registry) key(token string) string {
	return r.config.Prefix + ":" + token
}

func (r *Registry) indexKey(identity, token string) string {
	return r.config.IndexPrefix + ":" + identity + ":" + token
}

func (r *Registry) indexPrefix(identity string) string {
	return r.config.IndexPrefix + ":" + identity + ":"
}

// Issue mints a fresh token for identity and records the token -> identity
// mapping with the given TTL (zero means the configured default). The
// index entry shares the mapping's TTL so it can never outlive it by more
// than the gap between the two writes.
func (r *Registry) Issue(ctx context.Context, identity string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = r.config.TTL
	}

	tok, err := r.minter.Mint(identity, ttl)
	if err != nil {
		return "", err
	}

	if err := r.store.SetWithTTL(ctx, r.key(tok), []byte(identity), ttl); err != nil {
		return "", err
	}
	if err := r.store.SetWithTTL(ctx, r.indexKey(identity, tok), []byte{'1'}, ttl); err != nil {
		return "", err
	}

	return tok, nil
}

// Resolve returns the identity the token maps to, or ErrTokenNotFound for
// expired, revoked, or never-issued tokens.
func (r *Registry) Resolve(ctx context.Context, tok string) (string, error) {
	identity, err := r.store.Get(ctx, r.key(tok))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return "", ErrTokenNotFound
		}
		return "", err
	}
	return string(identity), nil
}

// Revoke deletes a single token, as on logout. Revoking an already-gone
// token is a no-op, not an error.
func (r *Registry) Revoke(ctx context.Context, tok string) error {
	identity, err := r.store.Get(ctx, r.key(tok))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		return err
	}

	_, err = r.store.Delete(ctx, r.key(tok), r.indexKey(string(identity), tok))
	return err
}

// RevokeAll removes every active token for identity and returns how many
// were removed.
//
// ATOMICITY NOTE: the scan over the identity's index and the deletes that
// follow are not one atomic step. A token issued concurrently may or may
// not be caught, and a token revoked concurrently yields a benign
// "already gone". This matches the intended single-active-session use,
// where RevokeAll runs immediately before Issue for the same identity.
func (r *Registry) RevokeAll(ctx context.Context, identity string) (int, error) {
	prefix := r.indexPrefix(identity)

	var indexKeys []string
	err := r.store.ScanPrefix(ctx, prefix, func(key string) error {
		indexKeys = append(indexKeys, key)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(indexKeys) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(indexKeys)*2)
	revoked := 0
	for _, indexKey := range indexKeys {
		tok := strings.TrimPrefix(indexKey, prefix)
		if tok == "" {
			continue
		}
		keys = append(keys, r.key(tok), indexKey)
		revoked++
	}

	if _, err := r.store.Delete(ctx, keys...); err != nil {
		return 0, err
	}
	return revoked, nil
}

// ActiveCount reports how many index entries exist for identity. Index
// entries expire with their tokens, so this tracks live sessions.
func (r *Registry) ActiveCount(ctx context.Context, identity string) (int, error) {
	count := 0
	err := r.store.ScanPrefix(ctx, r.indexPrefix(identity), func(string) error {
		count++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
