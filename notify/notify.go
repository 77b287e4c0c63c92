// Package notify implements the cross-process change notification bus on top
// of Postgres LISTEN/NOTIFY. Writes publish a small JSON event naming the
// entity family and key that changed; every subscribed process invalidates the
// matching cache entry. Delivery is best-effort: a process whose listener
// connection is down misses events until it reconnects, which is why the
// coordinator's periodic refresh exists as a correctness backstop.
package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/onnwee/streamwarden/backend/telemetry"
)

// Channel is the single Postgres notification channel all events flow over.
const Channel = "streamwarden_changes"

// Entity family names carried in change events.
const (
	FamilyChannel    = "channel"
	FamilyCommand    = "command"
	FamilyRedemption = "redemption"
	FamilyBirthday   = "birthday"
	FamilyToken      = "token"
)

// ChangeEvent names one changed record. Key is family-specific: the command
// name for command configs, the user name for birthdays, empty for the channel
// record itself.
type ChangeEvent struct {
	Family    string `json:"family"`
	ChannelID string `json:"channel_id"`
	Key       string `json:"key,omitempty"`
}

// Bus publishes change events through the shared connection pool.
type Bus struct {
	DB *sql.DB
}

// Publish sends a change event to every listening process, the publisher
// included. Fire-and-forget: a publish failure is returned but subscribers
// recover via periodic refresh, so callers log rather than retry.
func (b *Bus) Publish(ctx context.Context, ev ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	if _, err := b.DB.ExecContext(ctx, `SELECT pg_notify($1, $2)`, Channel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	if telemetry.NotificationsPublished != nil {
		telemetry.NotificationsPublished.Inc()
	}
	return nil
}

// Handler is invoked once per received event, in per-connection arrival order.
type Handler func(ctx context.Context, ev ChangeEvent)

// Listener owns a dedicated Postgres connection subscribed to Channel and
// dispatches decoded events to registered handlers. The connection is
// long-lived; on any error the listener reconnects after ReconnectDelay and
// re-subscribes. Events during the gap are lost by design.
type Listener struct {
	DSN            string
	ReconnectDelay time.Duration

	mu       sync.RWMutex
	handlers []Handler
}

// Subscribe registers a handler for all future events. Handlers must be
// idempotent to duplicates (at-least-once delivery).
func (l *Listener) Subscribe(h Handler) {
	l.mu.Lock()
	l.handlers = append(l.handlers, h)
	l.mu.Unlock()
}

// Run connects, LISTENs, and dispatches until ctx is cancelled. Connection
// errors never propagate; they trigger a reconnect after ReconnectDelay.
func (l *Listener) Run(ctx context.Context) {
	delay := l.ReconnectDelay
	if delay <= 0 {
		delay = 10 * time.Second
	}
	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.listenOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("notify listener disconnected; will reconnect",
				slog.Any("err", err), slog.Duration("delay", delay))
			if telemetry.ListenerReconnects != nil {
				telemetry.ListenerReconnects.Inc()
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.DSN)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := conn.Close(closeCtx); err != nil {
			slog.Debug("notify listener close", slog.Any("err", err))
		}
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	slog.Info("notify listener subscribed", slog.String("channel", Channel))

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.dispatch(ctx, n.Payload)
	}
}

func (l *Listener) dispatch(ctx context.Context, payload string) {
	ev, err := DecodeEvent(payload)
	if err != nil {
		// Malformed payloads are logged and dropped, never crash the loop.
		slog.Warn("dropping malformed notification", slog.String("payload", payload), slog.Any("err", err))
		if telemetry.NotificationsDropped != nil {
			telemetry.NotificationsDropped.Inc()
		}
		return
	}
	if telemetry.NotificationsReceived != nil {
		telemetry.NotificationsReceived.Inc()
	}
	l.mu.RLock()
	handlers := l.handlers
	l.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, ev)
	}
}

// DecodeEvent parses a notification payload. Empty family or channel id counts
// as malformed.
func DecodeEvent(payload string) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ChangeEvent{}, err
	}
	if ev.Family == "" || ev.ChannelID == "" {
		return ChangeEvent{}, fmt.Errorf("event missing family or channel_id")
	}
	return ev, nil
}
