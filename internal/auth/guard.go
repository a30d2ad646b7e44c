package auth

import (
	"context"
	"time"
)

// AttemptStore is the persistence boundary for login-failure tracking.
type AttemptStore interface {
	GetLoginAttempt(ctx context.Context, email string) (LoginAttempt, error)
	RecordLoginFailure(ctx context.Context, email string, threshold int, lockFor time.Duration, now time.Time) (*time.Time, error)
	ResetLoginAttempts(ctx context.Context, email string) error
}

// LoginGuard counts consecutive authentication failures per identity and
// enforces a time-boxed lockout. It is driven only from the service's
// credential-check path, so every attempt is classified exactly once.
type LoginGuard struct {
	store     AttemptStore
	threshold int
	lockFor   time.Duration
	now       func() time.Time
}

func NewLoginGuard(store AttemptStore, threshold int, lockFor time.Duration) *LoginGuard {
	if threshold <= 0 {
		threshold = 5
	}
	if lockFor <= 0 {
		lockFor = 15 * time.Minute
	}

	return &LoginGuard{
		store:     store,
		threshold: threshold,
		lockFor:   lockFor,
		now:       time.Now,
	}
}

// RecordSuccess clears the failure counter and any active lockout.
func (g *LoginGuard) RecordSuccess(ctx context.Context, email string) error {
	return g.store.ResetLoginAttempts(ctx, email)
}

// RecordFailure advances the counter and returns the lockout expiry when
// the identity is now locked.
func (g *LoginGuard) RecordFailure(ctx context.Context, email string) (*time.Time, error) {
	return g.store.RecordLoginFailure(ctx, email, g.threshold, g.lockFor, g.now())
}

// LockedUntil returns the active lockout expiry, or nil when the identity
// may attempt to authenticate.
func (g *LoginGuard) LockedUntil(ctx context.Context, email string) (*time.Time, error) {
	attempt, err := g.store.GetLoginAttempt(ctx, email)
	if err != nil {
		return nil, err
	}
	if attempt.LockedUntil != nil && attempt.LockedUntil.After(g.now()) {
		return attempt.LockedUntil, nil
	}
	return nil, nil
}

// IsLocked reports whether the identity is under an active lockout.
func (g *LoginGuard) IsLocked(ctx context.Context, email string) (bool, error) {
	until, err := g.LockedUntil(ctx, email)
	if err != nil {
		return false, err
	}
	return until != nil, nil
}
