// Package oauth schedules background refresh of the per-user Twitch tokens
// persisted in the oauth_tokens table. It performs jittered checks and rotates
// any token whose expiry falls within a configured window.
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/streamwarden/backend/repo"
)

// RefreshFunc performs the provider exchange and returns (access, refresh, expiry, scope).
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// TokenStore is the slice of repo.TokenRepository the refresher needs.
type TokenStore interface {
	ListExpiring(ctx context.Context, window time.Duration) ([]repo.Token, error)
	Upsert(ctx context.Context, userID, access, refresh, scope string, expiresAt time.Time) (*repo.Token, error)
}

// Refresher rotates expiring tokens through the token repository so the write
// path invalidates caches and fans out change notifications like any other
// store write.
type Refresher struct {
	Tokens TokenStore
	// Interval is how often to wake up and check. Defaults to 5 minutes.
	Interval time.Duration
	// Window triggers refresh when remaining lifetime <= Window. Defaults to
	// 15 minutes.
	Window  time.Duration
	Refresh RefreshFunc
}

// Run blocks until ctx is cancelled. Refresh failures for one user never stop
// the loop or block other users.
func (r *Refresher) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	window := r.Window
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(initialJitter):
	}
	for {
		r.sweep(ctx)
		// Per-iteration jitter (±20% of interval) for scheduling diversity.
		jitterRange := int64(interval / 5)
		//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
		jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
		nextSleep := interval + jitter
		if nextSleep < interval/2 {
			nextSleep = interval / 2
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(nextSleep):
		}
	}
}

func (r *Refresher) sweep(ctx context.Context) {
	window := r.Window
	if window <= 0 {
		window = 15 * time.Minute
	}
	expiring, err := r.Tokens.ListExpiring(ctx, window)
	if err != nil {
		slog.Warn("expiring token scan failed", slog.Any("err", err))
		return
	}
	for _, tok := range expiring {
		ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
		access, refresh, expiry, scope, err := r.Refresh(ctx2, tok.RefreshToken)
		cancel()
		if err != nil {
			slog.Warn("token refresh failed", slog.String("user_id", tok.UserID), slog.Any("err", err))
			continue
		}
		if refresh == "" {
			refresh = tok.RefreshToken
		}
		if scope == "" {
			scope = tok.Scope
		}
		if _, err := r.Tokens.Upsert(ctx, tok.UserID, access, refresh, scope, expiry); err != nil {
			slog.Warn("token persist failed", slog.String("user_id", tok.UserID), slog.Any("err", err))
			continue
		}
		slog.Info("token refreshed", slog.String("user_id", tok.UserID))
	}
}
