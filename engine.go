// Package authcache is the session/cache core of the auth service: a
// tier-aware sliding-TTL identity cache, a revocable token registry, a
// per-key rate limiter, and a durable background job queue, all
// coordinated through a shared key-value store's atomic primitives. HTTP
// handlers call the Engine's operations; slow side effects (outbound
// email) ride the job queue and never block a request.
package authcache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"authcache/admin"
	"authcache/internal/events"
	"authcache/internal/otp"
	"authcache/jobs"
	"authcache/kv"
	"authcache/ratelimit"
	"authcache/token"
	"authcache/usercache"
)

// Engine exposes the operations request handlers consume. Construct it
// with New()...Build() and Close it on shutdown to stop the worker pool.
type Engine struct {
	config   Config
	logger   *zap.Logger
	metrics  *Metrics
	events   *events.Dispatcher
	provider UserProvider
	verifier CredentialVerifier
	cache    *usercache.Cache
	tokens   *token.Registry
	limiter  *ratelimit.Limiter
	otp      *otp.Store
	queue    *jobs.Queue
	flusher  *admin.Flusher

	// identityFlusher covers only the families whose keys carry the
	// identity; token mappings are revoked through the registry instead.
	identityFlusher *admin.Flusher

	closed atomic.Bool
}

// Close stops the worker pool and the event dispatcher. In-flight jobs
// are abandoned mid-handler and will look Processing until their status
// retention expires; their side effects are covered by the at-least-once
// contract.
func (e *Engine) Close() {
	if e == nil || !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.queue.Close()
	e.events.Close()
}

// Queue exposes the underlying job queue for status lookups and
// dead-letter inspection.
func (e *Engine) Queue() *jobs.Queue {
	return e.queue
}

// EventsDropped reports how many engine events were shed by the
// dispatcher buffer.
func (e *Engine) EventsDropped() uint64 {
	return e.events.Dropped()
}

func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.config.StoreTimeout)
}

func (e *Engine) emit(kind events.Kind, identity, detail string) {
	e.events.Emit(context.Background(), events.Event{
		Kind:     kind,
		Identity: identity,
		Detail:   detail,
	})
}

// fetchIdentity is the cache-first read: a hit renews the entry TTL, a
// miss (including a degraded cache: timeout or store outage) falls back
// to the primary store and writes the result through. Cache trouble never
// fails the read; only an unknown identity does.
func (e *Engine) fetchIdentity(ctx context.Context, identityKey string) (*usercache.CachedUser, error) {
	fetchCtx, cancel := e.storeCtx(ctx)
	cached, err := e.cache.Fetch(fetchCtx, identityKey)
	cancel()
	if err == nil {
		e.metrics.cacheHit()
		return cached, nil
	}
	if !errors.Is(err, usercache.ErrNotCached) && !errors.Is(err, kv.ErrStoreUnavailable) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	e.metrics.cacheMiss()

	record, err := e.provider.LoadIdentity(ctx, identityKey)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	user := &usercache.CachedUser{
		ID:             record.ID,
		Email:          record.Email,
		Name:           record.Name,
		Role:           record.Role,
		CredentialHash: record.CredentialHash,
	}

	storeCtx, cancel := e.storeCtx(ctx)
	if storeErr := e.cache.Store(storeCtx, identityKey, user); storeErr != nil {
		e.logger.Warn("cache write-through failed",
			zap.String("identity", identityKey),
			zap.Error(storeErr))
	}
	cancel()

	return user, nil
}

// Authenticate verifies the credential against the cached hash (falling
// back to the primary store on a miss) and issues a session token.
// Unless MultiSession is set, all prior tokens for the identity are
// revoked first, so at most one survives.
func (e *Engine) Authenticate(ctx context.Context, identityKey, credential string) (string, error) {
	if e.closed.Load() {
		return "", ErrEngineClosed
	}

	user, err := e.fetchIdentity(ctx, identityKey)
	if err != nil {
		return "", err
	}

	if !e.verifier.Verify(credential, user.CredentialHash) {
		e.emit(events.KindLoginFailed, identityKey, "credential mismatch")
		return "", ErrInvalidCredentials
	}

	actCtx, cancel := e.storeCtx(ctx)
	if _, actErr := e.cache.RecordActivity(actCtx, identityKey); actErr != nil {
		e.logger.Warn("activity bump failed", zap.String("identity", identityKey), zap.Error(actErr))
	}
	cancel()

	if !e.config.MultiSession {
		revokeCtx, cancel := e.storeCtx(ctx)
		revoked, revErr := e.tokens.RevokeAll(revokeCtx, identityKey)
		cancel()
		if revErr != nil {
			// Issuing without the revocation would break the
			// single-session invariant, so the login fails instead.
			return "", revErr
		}
		if revoked > 0 {
			e.emit(events.KindSessionsRevoked, identityKey, "login")
		}
	}

	issueCtx, cancel := e.storeCtx(ctx)
	tok, err := e.tokens.Issue(issueCtx, identityKey, e.config.Token.TTL)
	cancel()
	if err != nil {
		return "", err
	}

	e.emit(events.KindLogin, identityKey, "")
	return tok, nil
}

// Authorize resolves a token to its identity and returns the cached
// aggregate, renewing the cache TTL and recording activity as side
// effects. Unknown, expired, and revoked tokens all come back
// ErrUnauthorized.
func (e *Engine) Authorize(ctx context.Context, tok string) (*IdentityRecord, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	resolveCtx, cancel := e.storeCtx(ctx)
	identityKey, err := e.tokens.Resolve(resolveCtx, tok)
	cancel()
	if err != nil {
		if errors.Is(err, token.ErrTokenNotFound) {
			return nil, ErrUnauthorized
		}
		// Token validity has no safe fallback; a store outage here is an
		// error, not a pass.
		return nil, err
	}

	user, err := e.fetchIdentity(ctx, identityKey)
	if err != nil {
		return nil, err
	}

	actCtx, cancel := e.storeCtx(ctx)
	if _, actErr := e.cache.RecordActivity(actCtx, identityKey); actErr != nil {
		e.logger.Warn("activity bump failed", zap.String("identity", identityKey), zap.Error(actErr))
	}
	cancel()

	return &IdentityRecord{
		ID:             user.ID,
		Email:          user.Email,
		Name:           user.Name,
		Role:           user.Role,
		CredentialHash: user.CredentialHash,
	}, nil
}

// Logout revokes the presented token. Revoking an already-expired token
// succeeds.
func (e *Engine) Logout(ctx context.Context, tok string) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	revokeCtx, cancel := e.storeCtx(ctx)
	defer cancel()

	identityKey, err := e.tokens.Resolve(revokeCtx, tok)
	if err != nil && !errors.Is(err, token.ErrTokenNotFound) {
		return err
	}
	if err := e.tokens.Revoke(revokeCtx, tok); err != nil {
		return err
	}

	if identityKey != "" {
		e.emit(events.KindLogout, identityKey, "")
	}
	return nil
}

// RevokeSessions revokes every active token for an identity (operator
// action, or credential-change hygiene) and reports how many were
// removed.
func (e *Engine) RevokeSessions(ctx context.Context, identityKey string) (int, error) {
	if e.closed.Load() {
		return 0, ErrEngineClosed
	}

	revokeCtx, cancel := e.storeCtx(ctx)
	defer cancel()

	revoked, err := e.tokens.RevokeAll(revokeCtx, identityKey)
	if err != nil {
		return 0, err
	}
	if revoked > 0 {
		e.emit(events.KindSessionsRevoked, identityKey, "admin")
	}
	return revoked, nil
}

// CheckRateLimit opens a cooldown window for (action, subject) or returns
// a *RateLimitedError carrying the remaining wait. Store outages follow
// the configured fail-open/fail-closed policy and never surface as
// request failures.
func (e *Engine) CheckRateLimit(ctx context.Context, action, subject string, window time.Duration) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	limitCtx, cancel := e.storeCtx(ctx)
	defer cancel()

	decision, err := e.limiter.TryAcquire(limitCtx, action, subject, window)
	if err != nil {
		e.logger.Warn("rate limiter degraded",
			zap.String("action", action),
			zap.Bool("allowed", decision.Allowed),
			zap.Error(err))
	}
	if decision.Allowed {
		return nil
	}

	e.metrics.rateLimited(action)
	e.emit(events.KindRateLimited, subject, action)
	return &RateLimitedError{Action: action, Remaining: decision.Remaining}
}

// EnqueueNotification durably appends a job and returns its ID. The
// request only pays for the single enqueue round trip; processing,
// retries, and dead-lettering happen on the worker pool.
func (e *Engine) EnqueueNotification(ctx context.Context, jobType string, payload []byte) (string, error) {
	if e.closed.Load() {
		return "", ErrEngineClosed
	}

	enqueueCtx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.queue.Enqueue(enqueueCtx, jobType, payload)
}

// PrimeIdentity write-through caches an identity fresh from the primary
// store and seeds its activity counter. Called after registration or a
// profile mutation so the next read hits.
func (e *Engine) PrimeIdentity(ctx context.Context, identityKey string) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	record, err := e.provider.LoadIdentity(ctx, identityKey)
	if err != nil {
		return err
	}

	storeCtx, cancel := e.storeCtx(ctx)
	defer cancel()

	if _, err := e.cache.RecordActivity(storeCtx, identityKey); err != nil {
		return err
	}
	return e.cache.Store(storeCtx, identityKey, &usercache.CachedUser{
		ID:             record.ID,
		Email:          record.Email,
		Name:           record.Name,
		Role:           record.Role,
		CredentialHash: record.CredentialHash,
	})
}

// InvalidateIdentity drops the cache entry and activity counter for one
// identity, forcing the next read back to the primary store.
func (e *Engine) InvalidateIdentity(ctx context.Context, identityKey string) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	invCtx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.cache.Invalidate(invCtx, identityKey)
}

// AdminFlush bulk-invalidates cache families per scope and reports how
// many keys were cleared. Pending jobs are never flushed; they are work,
// not cache.
func (e *Engine) AdminFlush(ctx context.Context, scope FlushScope) (int64, error) {
	if e.closed.Load() {
		return 0, ErrEngineClosed
	}

	var (
		cleared int64
		err     error
	)
	switch {
	case scope.All:
		cleared, err = e.flusher.FlushAll(ctx)
	case scope.IdentityKey != "":
		// Token mappings key by token, not identity, so a key-pattern
		// flush cannot reach them; revoke through the registry, which
		// deletes each mapping together with its index entry.
		revokeCtx, cancel := e.storeCtx(ctx)
		revoked, revErr := e.tokens.RevokeAll(revokeCtx, scope.IdentityKey)
		cancel()
		if revErr != nil {
			return 0, revErr
		}
		cleared = int64(revoked) * 2
		var n int64
		n, err = e.identityFlusher.FlushForIdentity(ctx, scope.IdentityKey)
		cleared += n
	default:
		return 0, errors.New("empty flush scope")
	}
	if err != nil {
		return cleared, err
	}

	e.emit(events.KindCacheFlushed, scope.IdentityKey, "")
	e.logger.Info("cache flushed",
		zap.Bool("all", scope.All),
		zap.String("identity", scope.IdentityKey),
		zap.Int64("keys_cleared", cleared))
	return cleared, nil
}
