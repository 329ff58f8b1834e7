package authcache

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUserNotFound is returned when neither the cache nor the primary
	// store knows the identity.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidCredentials is returned when the credential does not match
	// the stored hash.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnauthorized is returned for absent, expired, or revoked tokens.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRateLimited is the base of every rate-limit denial; match it with
	// errors.Is and read the remaining wait from RateLimitedError.
	ErrRateLimited = errors.New("rate limited")
	// ErrOTPInvalid is returned when a reset code does not match or has
	// expired.
	ErrOTPInvalid = errors.New("invalid or expired one-time code")
	// ErrEngineClosed is returned by operations invoked after Close.
	ErrEngineClosed = errors.New("engine closed")
)

// RateLimitedError is a denial that carries the remaining cooldown so the
// caller can surface a wait time.
type RateLimitedError struct {
	Action    string
	Remaining time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s rate limited, retry in %s", e.Action, e.Remaining.Round(time.Second))
}

func (e *RateLimitedError) Unwrap() error {
	return ErrRateLimited
}
