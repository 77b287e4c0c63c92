// Package repo implements the data repositories shared by the bot and the API
// server: one per entity family (channel, command config, birthday, analytics,
// token), each wrapping the connection pool behind a read-through TTL cache.
// Every write invalidates the affected cache entry and publishes a change
// event so other processes converge without re-querying on each chat message.
package repo

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/onnwee/streamwarden/backend/notify"
	"github.com/onnwee/streamwarden/backend/telemetry"
)

// DBTX is the subset of *sql.DB the repositories use. Tests substitute a
// counting wrapper to assert how many store round-trips a code path makes.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// lookup is the cached value shape: it distinguishes "checked, absent" from
// "never checked" so repeated misses don't hammer the store. A cached absent
// marker obeys the same TTL as a found value.
type lookup[T any] struct {
	val   T
	found bool
}

func countRead(family string) {
	if telemetry.StoreReads != nil {
		telemetry.StoreReads.WithLabelValues(family).Inc()
	}
}

func countWrite(family string) {
	if telemetry.StoreWrites != nil {
		telemetry.StoreWrites.WithLabelValues(family).Inc()
	}
}

// publish sends a change event if a bus is configured. Publish failures are
// logged, not returned: the local invalidation already happened and remote
// processes recover via the periodic refresh.
func publish(ctx context.Context, bus *notify.Bus, ev notify.ChangeEvent) {
	if bus == nil {
		return
	}
	if err := bus.Publish(ctx, ev); err != nil {
		slog.Warn("change notification publish failed",
			slog.String("family", ev.Family),
			slog.String("channel_id", ev.ChannelID),
			slog.String("key", ev.Key),
			slog.Any("err", err))
	}
}
