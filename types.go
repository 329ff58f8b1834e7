package authcache

import (
	"context"
	"time"

	"golang.org/x/crypto/bcrypt"

	"authcache/internal/events"
)

// IdentityRecord is the aggregate the primary datastore returns for an
// identity key. CredentialHash is whatever the external hashing scheme
// produced; this core only compares it through the CredentialVerifier.
type IdentityRecord struct {
	ID             string
	Email          string
	Name           string
	Role           string
	CredentialHash string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UserProvider is the primary datastore collaborator. LoadIdentity is
// consulted only on cache misses and must return ErrUserNotFound for
// unknown identities.
type UserProvider interface {
	LoadIdentity(ctx context.Context, identityKey string) (*IdentityRecord, error)
	// UpdateCredential persists a new credential hash for the identity.
	// Called by the password-reset flow before the cache is refreshed.
	UpdateCredential(ctx context.Context, identityKey, credentialHash string) error
}

// NotificationSender delivers a notification payload. How delivery
// happens (SMTP, webhook, queue bridge) is outside this core; senders
// are invoked from job-queue workers and must tolerate duplicate sends.
type NotificationSender interface {
	Send(ctx context.Context, payload []byte) error
}

// CredentialVerifier compares a presented credential against a stored
// hash and produces hashes for credential updates.
type CredentialVerifier interface {
	Verify(credential, hash string) bool
	Hash(credential string) (string, error)
}

// BcryptVerifier is the stock CredentialVerifier. Zero value uses the
// bcrypt default cost.
type BcryptVerifier struct {
	Cost int
}

func (v BcryptVerifier) Verify(credential, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(credential)) == nil
}

func (v BcryptVerifier) Hash(credential string) (string, error) {
	cost := v.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(credential), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Event, EventKind, and EventSink re-export the event stream types for
// sink implementors.
type (
	Event     = events.Event
	EventKind = events.Kind
	EventSink = events.Sink
)

// Event kinds emitted by the engine.
const (
	EventLogin           = events.KindLogin
	EventLoginFailed     = events.KindLoginFailed
	EventLogout          = events.KindLogout
	EventSessionsRevoked = events.KindSessionsRevoked
	EventRateLimited     = events.KindRateLimited
	EventResetRequested  = events.KindResetRequested
	EventResetCompleted  = events.KindResetCompleted
	EventJobDeadLetter   = events.KindJobDeadLetter
	EventCacheFlushed    = events.KindCacheFlushed
)

// Built-in notification job types. Their handlers forward the payload to
// the configured NotificationSender.
const (
	JobTypeOTPEmail          = "otp_email"
	JobTypeResetSuccessEmail = "reset_success_email"
	JobTypeNotification      = "notification"
)

// FlushScope selects what AdminFlush clears.
type FlushScope struct {
	// All clears every managed cache family.
	All bool
	// IdentityKey clears a single identity's entries across families.
	IdentityKey string
}
