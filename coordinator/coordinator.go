// Package coordinator keeps each process's caches eventually consistent with
// the backing store. It warms caches at boot, invalidates single entries on
// change notifications, and re-warms everything on a fixed interval as a
// safety net against missed notifications.
package coordinator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/onnwee/streamwarden/backend/notify"
	"github.com/onnwee/streamwarden/backend/repo"
	"github.com/onnwee/streamwarden/backend/telemetry"
)

// State is the coordinator lifecycle phase, exposed on /status.
type State string

const (
	StateStarting State = "starting"
	StateWarming  State = "warming"
	StateSteady   State = "steady"
	// StateDegraded means refresh cycles are failing; previously cached
	// (possibly stale) values remain servable while retries continue.
	StateDegraded State = "degraded"
)

// ChannelSource is the slice of ChannelRepository the coordinator needs.
type ChannelSource interface {
	ListEnabled(ctx context.Context) ([]repo.Channel, error)
	Warm(ch repo.Channel)
	Invalidate(id string)
}

// CommandSource is the slice of CommandConfigRepository the coordinator needs.
type CommandSource interface {
	WarmChannel(ctx context.Context, channelID string) error
	Invalidate(channelID, name string)
	InvalidateRedemption(channelID, key string)
}

// BirthdaySource and TokenSource invalidate their families on events.
type BirthdaySource interface {
	Invalidate(channelID, userName string)
}

type TokenSource interface {
	Invalidate(userID string)
}

// Coordinator wires the repositories to the notification listener and runs
// the periodic refresh.
type Coordinator struct {
	Channels  ChannelSource
	Commands  CommandSource
	Birthdays BirthdaySource
	Tokens    TokenSource

	// Interval bounds the maximum staleness window under total
	// notification-channel failure. Defaults to 5 minutes.
	Interval time.Duration

	state atomic.Value // State
}

// CurrentState returns the lifecycle phase.
func (c *Coordinator) CurrentState() State {
	if s, ok := c.state.Load().(State); ok {
		return s
	}
	return StateStarting
}

func (c *Coordinator) setState(s State) {
	prev := c.CurrentState()
	if prev == s {
		return
	}
	c.state.Store(s)
	slog.Info("coordinator state change", slog.String("from", string(prev)), slog.String("to", string(s)))
}

// HandleEvent invalidates exactly the one cache entry an event names. Never a
// blanket clear: that would turn one config edit into a thundering-herd
// re-fetch. Safe to call with duplicate events (invalidation is idempotent).
func (c *Coordinator) HandleEvent(_ context.Context, ev notify.ChangeEvent) {
	switch ev.Family {
	case notify.FamilyChannel:
		c.Channels.Invalidate(ev.ChannelID)
	case notify.FamilyCommand:
		c.Commands.Invalidate(ev.ChannelID, ev.Key)
	case notify.FamilyRedemption:
		c.Commands.InvalidateRedemption(ev.ChannelID, ev.Key)
	case notify.FamilyBirthday:
		if c.Birthdays != nil {
			c.Birthdays.Invalidate(ev.ChannelID, ev.Key)
		}
	case notify.FamilyToken:
		if c.Tokens != nil {
			c.Tokens.Invalidate(ev.ChannelID)
		}
	default:
		slog.Debug("ignoring change event for unknown family", slog.String("family", ev.Family))
	}
}

// Warm eagerly loads every enabled channel's record and command configs into
// cache. A failure leaves whatever was cached before in place.
func (c *Coordinator) Warm(ctx context.Context) error {
	channels, err := c.Channels.ListEnabled(ctx)
	if err != nil {
		return err
	}
	warmed := 0
	for _, ch := range channels {
		c.Channels.Warm(ch)
		if err := c.Commands.WarmChannel(ctx, ch.ID); err != nil {
			// Partial warmth is fine; the rest fills on demand.
			slog.Warn("command cache warm failed", slog.String("channel_id", ch.ID), slog.Any("err", err))
			continue
		}
		warmed++
	}
	if telemetry.WarmedChannels != nil {
		telemetry.WarmedChannels.Set(float64(warmed))
	}
	slog.Info("cache warmed", slog.Int("channels", len(channels)), slog.Int("fully_warmed", warmed))
	return nil
}

// Run warms the caches and then re-warms on every interval tick until ctx is
// cancelled. Refresh failures are logged and skipped for that cycle; cached
// values stay servable. Subscribe HandleEvent on a listener before calling Run.
func (c *Coordinator) Run(ctx context.Context) {
	c.setState(StateWarming)
	if err := c.Warm(ctx); err != nil {
		slog.Warn("initial cache warm failed; serving on-demand until refresh", slog.Any("err", err))
		c.setState(StateDegraded)
	} else {
		c.setState(StateSteady)
	}

	interval := c.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if telemetry.RefreshCycles != nil {
			telemetry.RefreshCycles.Inc()
		}
		start := time.Now()
		if err := c.Warm(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("periodic cache refresh failed", slog.Any("err", err))
			if telemetry.RefreshFailures != nil {
				telemetry.RefreshFailures.Inc()
			}
			c.setState(StateDegraded)
			continue
		}
		if telemetry.RefreshDuration != nil {
			telemetry.RefreshDuration.Observe(time.Since(start).Seconds())
		}
		c.setState(StateSteady)
	}
}
