// Package otp stores short-lived one-time codes for the password-reset
// flow. Only a SHA-256 digest of the code is stored; verification is
// constant-time and consumes the code on success.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"authcache/kv"
)

// Config carries the namespace, code length, and lifetime.
type Config struct {
	Prefix string
	Digits int
	TTL    time.Duration
}

// Normalize fills unset fields.
func (c Config) Normalize() Config {
	if c.Prefix == "" {
		c.Prefix = "otp"
	}
	if c.Digits <= 0 {
		c.Digits = 6
	}
	if c.TTL <= 0 {
		c.TTL = 10 * time.Minute
	}
	return c
}

// Store issues and consumes codes over a kv.Store.
type Store struct {
	store  kv.Store
	config Config
}

// New creates a Store.
func New(store kv.Store, cfg Config) *Store {
	return &Store{store: store, config: cfg.Normalize()}
}

func (s *Store) key(identityKey string) string {
	return s.config.Prefix + ":" + identityKey
}

// Issue generates a fresh zero-padded numeric code for identityKey and
// stores its digest with the configured TTL, replacing any prior code.
func (s *Store) Issue(ctx context.Context, identityKey string) (string, error) {
	code, err := randomCode(s.config.Digits)
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256([]byte(code))
	if err := s.store.SetWithTTL(ctx, s.key(identityKey), digest[:], s.config.TTL); err != nil {
		return "", err
	}
	return code, nil
}

// VerifyConsume reports whether code matches the stored one for
// identityKey and deletes it on a match. Absent or expired codes verify
// false without error.
func (s *Store) VerifyConsume(ctx context.Context, identityKey, code string) (bool, error) {
	stored, err := s.store.Get(ctx, s.key(identityKey))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	digest := sha256.Sum256([]byte(code))
	if subtle.ConstantTimeCompare(stored, digest[:]) != 1 {
		return false, nil
	}

	if _, err := s.store.Delete(ctx, s.key(identityKey)); err != nil {
		return false, err
	}
	return true, nil
}

func randomCode(digits int) (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < digits; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}
