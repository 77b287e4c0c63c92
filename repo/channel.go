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

// Channel is one onboarded Twitch channel. Channels are never hard-deleted;
// enabled=false is the tombstone state.
type Channel struct {
	ID              string
	Name            string
	Enabled         bool
	DefaultCooldown int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ChannelRepository is the source of truth for channel records.
type ChannelRepository struct {
	db    DBTX
	bus   *notify.Bus
	cache *cache.Cache[string, lookup[Channel]]
	ttl   time.Duration
}

func NewChannelRepository(db DBTX, bus *notify.Bus, capacity int, ttl time.Duration) *ChannelRepository {
	c := cache.New[string, lookup[Channel]](capacity, ttl)
	c.Observe(telemetry.CacheObservers(notify.FamilyChannel))
	return &ChannelRepository{db: db, bus: bus, cache: c, ttl: ttl}
}

const channelCols = `channel_id, channel_name, enabled, COALESCE(default_cooldown, 5), created_at, COALESCE(updated_at, created_at)`

func scanChannel(row *sql.Row) (Channel, error) {
	var ch Channel
	err := row.Scan(&ch.ID, &ch.Name, &ch.Enabled, &ch.DefaultCooldown, &ch.CreatedAt, &ch.UpdatedAt)
	return ch, err
}

// Get returns the channel by id, serving from cache within the TTL window.
// A "checked, absent" result is cached too and reported as ErrNotFound.
func (r *ChannelRepository) Get(ctx context.Context, id string) (*Channel, error) {
	if hit, ok := r.cache.Get(id); ok {
		if !hit.found {
			return nil, ErrNotFound
		}
		ch := hit.val
		return &ch, nil
	}
	countRead(notify.FamilyChannel)
	ch, err := scanChannel(r.db.QueryRowContext(ctx,
		`SELECT `+channelCols+` FROM channels WHERE channel_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		r.cache.Set(id, lookup[Channel]{})
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel %s: %w", id, err)
	}
	r.cache.Set(id, lookup[Channel]{val: ch, found: true})
	return &ch, nil
}

// GetByName looks a channel up by login name. Uncached: it only serves the
// OAuth onboarding and admin paths, never the per-message hot path.
func (r *ChannelRepository) GetByName(ctx context.Context, name string) (*Channel, error) {
	countRead(notify.FamilyChannel)
	ch, err := scanChannel(r.db.QueryRowContext(ctx,
		`SELECT `+channelCols+` FROM channels WHERE LOWER(channel_name) = LOWER($1)`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel by name %s: %w", name, err)
	}
	return &ch, nil
}

// Upsert creates or updates a channel, invalidates the cache entry, publishes
// the change, and returns the freshly written record (read-after-write).
func (r *ChannelRepository) Upsert(ctx context.Context, id, name string, enabled bool) (*Channel, error) {
	if id == "" {
		return nil, &ValidationError{Field: "channel_id", Reason: "must not be empty"}
	}
	if name == "" {
		return nil, &ValidationError{Field: "channel_name", Reason: "must not be empty"}
	}
	countWrite(notify.FamilyChannel)
	ch, err := scanChannel(r.db.QueryRowContext(ctx,
		`INSERT INTO channels (channel_id, channel_name, enabled, created_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (channel_id) DO UPDATE SET
		   channel_name = EXCLUDED.channel_name,
		   enabled = EXCLUDED.enabled,
		   updated_at = NOW()
		 RETURNING `+channelCols, id, name, enabled))
	if err != nil {
		return nil, fmt.Errorf("upsert channel %s: %w", id, err)
	}
	r.cache.Invalidate(id)
	publish(ctx, r.bus, notify.ChangeEvent{Family: notify.FamilyChannel, ChannelID: id})
	return &ch, nil
}

// SetEnabled toggles a channel without touching its other fields.
func (r *ChannelRepository) SetEnabled(ctx context.Context, id string, enabled bool) (*Channel, error) {
	countWrite(notify.FamilyChannel)
	ch, err := scanChannel(r.db.QueryRowContext(ctx,
		`UPDATE channels SET enabled = $2, updated_at = NOW()
		 WHERE channel_id = $1
		 RETURNING `+channelCols, id, enabled))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("set channel %s enabled=%v: %w", id, enabled, err)
	}
	r.cache.Invalidate(id)
	publish(ctx, r.bus, notify.ChangeEvent{Family: notify.FamilyChannel, ChannelID: id})
	return &ch, nil
}

// SetDefaultCooldown updates the channel-wide command cooldown.
func (r *ChannelRepository) SetDefaultCooldown(ctx context.Context, id string, seconds int) (*Channel, error) {
	if seconds < 0 {
		return nil, &ValidationError{Field: "default_cooldown", Reason: "must not be negative"}
	}
	countWrite(notify.FamilyChannel)
	ch, err := scanChannel(r.db.QueryRowContext(ctx,
		`UPDATE channels SET default_cooldown = $2, updated_at = NOW()
		 WHERE channel_id = $1
		 RETURNING `+channelCols, id, seconds))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("set channel %s cooldown: %w", id, err)
	}
	r.cache.Invalidate(id)
	publish(ctx, r.bus, notify.ChangeEvent{Family: notify.FamilyChannel, ChannelID: id})
	return &ch, nil
}

// ListEnabled returns every enabled channel, bypassing the cache. Used by the
// coordinator's warm/refresh cycle and by the bot at join time.
func (r *ChannelRepository) ListEnabled(ctx context.Context) ([]Channel, error) {
	countRead(notify.FamilyChannel)
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+channelCols+` FROM channels WHERE enabled ORDER BY channel_id`)
	if err != nil {
		return nil, fmt.Errorf("list enabled channels: %w", err)
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		var ch Channel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Enabled, &ch.DefaultCooldown, &ch.CreatedAt, &ch.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// Warm primes the cache with an already-fetched record (coordinator use).
func (r *ChannelRepository) Warm(ch Channel) {
	r.cache.Set(ch.ID, lookup[Channel]{val: ch, found: true})
}

// Invalidate drops one cache entry; used by the coordinator on change events.
func (r *ChannelRepository) Invalidate(id string) { r.cache.Invalidate(id) }

// ClearCache empties the cache (bulk invalidation).
func (r *ChannelRepository) ClearCache() { r.cache.Clear() }
