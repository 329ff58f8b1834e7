package authcache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"authcache/internal/events"
)

// OTPEmailPayload is the job payload for the reset-code email.
type OTPEmailPayload struct {
	Email         string `json:"email"`
	Name          string `json:"name"`
	Code          string `json:"code"`
	ExpiresInMins int    `json:"expires_in_minutes"`
}

// ResetSuccessPayload is the job payload for the reset-confirmation
// email.
type ResetSuccessPayload struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	ResetAt string `json:"reset_at"`
}

// ForgotPassword opens the per-email cooldown window, issues a one-time
// reset code, and enqueues the code email. The window is acquired
// atomically up front: of any set of concurrent requests for the same
// email, exactly one proceeds, and that one holds the window whether or
// not the rest of the flow succeeds.
func (e *Engine) ForgotPassword(ctx context.Context, identityKey string) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	if err := e.CheckRateLimit(ctx, "forgot_password", identityKey, e.config.RateLimit.ForgotPasswordWindow); err != nil {
		return err
	}

	user, err := e.fetchIdentity(ctx, identityKey)
	if err != nil {
		return err
	}

	otpCtx, cancel := e.storeCtx(ctx)
	code, err := e.otp.Issue(otpCtx, identityKey)
	cancel()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(OTPEmailPayload{
		Email:         user.Email,
		Name:          user.Name,
		Code:          code,
		ExpiresInMins: int(e.config.OTP.TTL.Minutes()),
	})
	if err != nil {
		return err
	}

	if _, err := e.EnqueueNotification(ctx, JobTypeOTPEmail, payload); err != nil {
		return err
	}

	e.emit(events.KindResetRequested, identityKey, "")
	return nil
}

// ResetPassword consumes a one-time code, writes the new credential hash
// through the primary store and the cache, revokes every session for the
// identity, and enqueues the confirmation email. A wrong or expired code
// fails with ErrOTPInvalid before anything is touched.
func (e *Engine) ResetPassword(ctx context.Context, identityKey, code, newCredential string) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	verifyCtx, cancel := e.storeCtx(ctx)
	ok, err := e.otp.VerifyConsume(verifyCtx, identityKey, code)
	cancel()
	if err != nil {
		return err
	}
	if !ok {
		return ErrOTPInvalid
	}

	hash, err := e.verifier.Hash(newCredential)
	if err != nil {
		return err
	}
	if err := e.provider.UpdateCredential(ctx, identityKey, hash); err != nil {
		return err
	}

	// Write-through: the cached hash must match the primary store's value
	// from here on, so the entry is rewritten rather than invalidated.
	user, err := e.fetchIdentity(ctx, identityKey)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			e.logger.Warn("post-reset cache refresh failed",
				zap.String("identity", identityKey),
				zap.Error(err))
		}
	} else {
		user.CredentialHash = hash
		cacheCtx, cancel := e.storeCtx(ctx)
		if storeErr := e.cache.Store(cacheCtx, identityKey, user); storeErr != nil {
			e.logger.Warn("post-reset cache refresh failed",
				zap.String("identity", identityKey),
				zap.Error(storeErr))
		}
		cancel()
	}

	revokeCtx, cancel := e.storeCtx(ctx)
	if _, revErr := e.tokens.RevokeAll(revokeCtx, identityKey); revErr != nil {
		e.logger.Warn("post-reset revocation failed",
			zap.String("identity", identityKey),
			zap.Error(revErr))
	}
	cancel()

	name := ""
	if user != nil {
		name = user.Name
	}
	payload, err := json.Marshal(ResetSuccessPayload{
		Email:   identityKey,
		Name:    name,
		ResetAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err == nil {
		// Confirmation mail is best-effort; the reset itself is done.
		if _, enqErr := e.EnqueueNotification(ctx, JobTypeResetSuccessEmail, payload); enqErr != nil {
			e.logger.Warn("reset confirmation enqueue failed",
				zap.String("identity", identityKey),
				zap.Error(enqErr))
		}
	}

	e.emit(events.KindResetCompleted, identityKey, "")
	return nil
}
