package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/streamwarden/backend/cache"
	"github.com/onnwee/streamwarden/backend/notify"
	"github.com/onnwee/streamwarden/backend/telemetry"
)

// Token is one channel owner's OAuth grant, rotated by the refresh job.
type Token struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	Scope        string
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

// TokenRepository stores per-user OAuth tokens. Tokens are security-sensitive:
// the cache TTL is a deliberate knob (TOKEN_CACHE_TTL), kept much shorter than
// config TTLs, and a TTL of 0 disables caching so every read hits the store.
type TokenRepository struct {
	db    DBTX
	bus   *notify.Bus
	cache *cache.Cache[string, lookup[Token]]
	ttl   time.Duration
}

func NewTokenRepository(db DBTX, bus *notify.Bus, capacity int, ttl time.Duration) *TokenRepository {
	r := &TokenRepository{db: db, bus: bus, ttl: ttl}
	if ttl > 0 {
		c := cache.New[string, lookup[Token]](capacity, ttl)
		c.Observe(telemetry.CacheObservers(notify.FamilyToken))
		r.cache = c
	}
	return r
}

const tokenCols = `user_id, COALESCE(access_token, ''), COALESCE(refresh_token, ''), COALESCE(scope, ''), COALESCE(expires_at, NOW()), updated_at`

// Get returns a user's token.
func (r *TokenRepository) Get(ctx context.Context, userID string) (*Token, error) {
	if r.cache != nil {
		if hit, ok := r.cache.Get(userID); ok {
			if !hit.found {
				return nil, ErrNotFound
			}
			t := hit.val
			return &t, nil
		}
	}
	countRead(notify.FamilyToken)
	var t Token
	err := r.db.QueryRowContext(ctx,
		`SELECT `+tokenCols+` FROM oauth_tokens WHERE user_id = $1`, userID).
		Scan(&t.UserID, &t.AccessToken, &t.RefreshToken, &t.Scope, &t.ExpiresAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if r.cache != nil {
			r.cache.Set(userID, lookup[Token]{})
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token for %s: %w", userID, err)
	}
	if r.cache != nil {
		r.cache.Set(userID, lookup[Token]{val: t, found: true})
	}
	return &t, nil
}

// Upsert stores or rotates a user's token and returns the fresh record.
func (r *TokenRepository) Upsert(ctx context.Context, userID, access, refresh, scope string, expiresAt time.Time) (*Token, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	countWrite(notify.FamilyToken)
	var t Token
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO oauth_tokens (user_id, access_token, refresh_token, scope, expires_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
		   access_token = EXCLUDED.access_token,
		   refresh_token = EXCLUDED.refresh_token,
		   scope = EXCLUDED.scope,
		   expires_at = EXCLUDED.expires_at,
		   updated_at = NOW()
		 RETURNING `+tokenCols,
		userID, access, refresh, scope, expiresAt).
		Scan(&t.UserID, &t.AccessToken, &t.RefreshToken, &t.Scope, &t.ExpiresAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert token for %s: %w", userID, err)
	}
	if r.cache != nil {
		r.cache.Invalidate(userID)
	}
	publish(ctx, r.bus, notify.ChangeEvent{Family: notify.FamilyToken, ChannelID: userID})
	return &t, nil
}

// ListExpiring returns tokens whose remaining lifetime is within window and
// that have a refresh token to rotate with.
func (r *TokenRepository) ListExpiring(ctx context.Context, window time.Duration) ([]Token, error) {
	countRead(notify.FamilyToken)
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+tokenCols+` FROM oauth_tokens
		 WHERE COALESCE(refresh_token, '') <> '' AND expires_at <= NOW() + $1::interval
		 ORDER BY expires_at`, fmt.Sprintf("%d seconds", int(window.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("list expiring tokens: %w", err)
	}
	defer rows.Close()
	var out []Token
	for rows.Next() {
		var t Token
		if err := rows.Scan(&t.UserID, &t.AccessToken, &t.RefreshToken, &t.Scope, &t.ExpiresAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Invalidate drops one cache entry (coordinator use). No-op when caching is
// disabled.
func (r *TokenRepository) Invalidate(userID string) {
	if r.cache != nil {
		r.cache.Invalidate(userID)
	}
}
