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

// Birthday is a chat user's registered birthday in one channel.
type Birthday struct {
	ChannelID string
	UserName  string
	Month     time.Month
	Day       int
}

// BirthdayRepository serves birthday records for the reminder job and the
// birthday command.
type BirthdayRepository struct {
	db    DBTX
	bus   *notify.Bus
	cache *cache.Cache[string, lookup[Birthday]]
}

func NewBirthdayRepository(db DBTX, bus *notify.Bus, capacity int, ttl time.Duration) *BirthdayRepository {
	c := cache.New[string, lookup[Birthday]](capacity, ttl)
	c.Observe(telemetry.CacheObservers(notify.FamilyBirthday))
	return &BirthdayRepository{db: db, bus: bus, cache: c}
}

func birthdayKey(channelID, userName string) string { return channelID + "/" + userName }

// Get returns the registered birthday for a user in a channel.
func (r *BirthdayRepository) Get(ctx context.Context, channelID, userName string) (*Birthday, error) {
	key := birthdayKey(channelID, userName)
	if hit, ok := r.cache.Get(key); ok {
		if !hit.found {
			return nil, ErrNotFound
		}
		b := hit.val
		return &b, nil
	}
	countRead(notify.FamilyBirthday)
	var b Birthday
	var month int
	err := r.db.QueryRowContext(ctx,
		`SELECT channel_id, user_name, birth_month, birth_day FROM birthdays
		 WHERE channel_id = $1 AND LOWER(user_name) = LOWER($2)`, channelID, userName).
		Scan(&b.ChannelID, &b.UserName, &month, &b.Day)
	if errors.Is(err, sql.ErrNoRows) {
		r.cache.Set(key, lookup[Birthday]{})
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get birthday %s/%s: %w", channelID, userName, err)
	}
	b.Month = time.Month(month)
	r.cache.Set(key, lookup[Birthday]{val: b, found: true})
	return &b, nil
}

// Upsert registers or updates a birthday and returns the fresh record.
func (r *BirthdayRepository) Upsert(ctx context.Context, channelID, userName string, month time.Month, day int) (*Birthday, error) {
	if channelID == "" || userName == "" {
		return nil, &ValidationError{Field: "user_name", Reason: "channel and user must not be empty"}
	}
	if month < time.January || month > time.December {
		return nil, &ValidationError{Field: "birth_month", Reason: "must be 1-12"}
	}
	if day < 1 || day > daysIn(month) {
		return nil, &ValidationError{Field: "birth_day", Reason: fmt.Sprintf("must be 1-%d for %s", daysIn(month), month)}
	}
	countWrite(notify.FamilyBirthday)
	var fresh Birthday
	var m int
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO birthdays (channel_id, user_name, birth_month, birth_day, created_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (channel_id, user_name) DO UPDATE SET
		   birth_month = EXCLUDED.birth_month,
		   birth_day = EXCLUDED.birth_day,
		   updated_at = NOW()
		 RETURNING channel_id, user_name, birth_month, birth_day`,
		channelID, userName, int(month), day).
		Scan(&fresh.ChannelID, &fresh.UserName, &m, &fresh.Day)
	if err != nil {
		return nil, fmt.Errorf("upsert birthday %s/%s: %w", channelID, userName, err)
	}
	fresh.Month = time.Month(m)
	r.cache.Invalidate(birthdayKey(channelID, userName))
	publish(ctx, r.bus, notify.ChangeEvent{Family: notify.FamilyBirthday, ChannelID: channelID, Key: userName})
	return &fresh, nil
}

// Remove deletes a registration. Unlike channels, birthdays are hard-deleted:
// there is nothing to tombstone.
func (r *BirthdayRepository) Remove(ctx context.Context, channelID, userName string) error {
	countWrite(notify.FamilyBirthday)
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM birthdays WHERE channel_id = $1 AND LOWER(user_name) = LOWER($2)`, channelID, userName)
	if err != nil {
		return fmt.Errorf("remove birthday %s/%s: %w", channelID, userName, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.cache.Invalidate(birthdayKey(channelID, userName))
	publish(ctx, r.bus, notify.ChangeEvent{Family: notify.FamilyBirthday, ChannelID: channelID, Key: userName})
	return nil
}

// DueOn lists all birthdays falling on the given calendar day, across all
// channels. Uncached: runs once per reminder cycle, not per message.
func (r *BirthdayRepository) DueOn(ctx context.Context, month time.Month, day int) ([]Birthday, error) {
	countRead(notify.FamilyBirthday)
	rows, err := r.db.QueryContext(ctx,
		`SELECT channel_id, user_name, birth_month, birth_day FROM birthdays
		 WHERE birth_month = $1 AND birth_day = $2 ORDER BY channel_id, user_name`,
		int(month), day)
	if err != nil {
		return nil, fmt.Errorf("birthdays due on %s %d: %w", month, day, err)
	}
	defer rows.Close()
	var out []Birthday
	for rows.Next() {
		var b Birthday
		var m int
		if err := rows.Scan(&b.ChannelID, &b.UserName, &m, &b.Day); err != nil {
			return nil, fmt.Errorf("scan birthday: %w", err)
		}
		b.Month = time.Month(m)
		out = append(out, b)
	}
	return out, rows.Err()
}

// Invalidate drops one cache entry (coordinator use).
func (r *BirthdayRepository) Invalidate(channelID, userName string) {
	r.cache.Invalidate(birthdayKey(channelID, userName))
}

// ClearCache empties the cache.
func (r *BirthdayRepository) ClearCache() { r.cache.Clear() }

// daysIn returns the maximum day for a month, allowing Feb 29.
func daysIn(m time.Month) int {
	switch m {
	case time.February:
		return 29
	case time.April, time.June, time.September, time.November:
		return 30
	default:
		return 31
	}
}
