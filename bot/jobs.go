package bot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/streamwarden/backend/repo"
)

const birthdayMarkerKey = "birthdays_last_announced"

// RunBirthdayReminders announces registered birthdays once per calendar day.
// checkInterval bounds how late after midnight the announcement can land;
// an hour is plenty for a chat greeting. The last-announced day is persisted
// in the kv table so a restart does not repeat the greeting.
func (b *Bot) RunBirthdayReminders(ctx context.Context, checkInterval time.Duration) {
	if checkInterval <= 0 {
		checkInterval = time.Hour
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	lastDay := b.loadBirthdayMarker(ctx)
	for {
		today := time.Now().Format("2006-01-02")
		if today != lastDay {
			if err := b.announceBirthdays(ctx, time.Now()); err != nil {
				slog.Warn("birthday announcement sweep failed", slog.Any("err", err))
			} else {
				lastDay = today
				b.storeBirthdayMarker(ctx, today)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b *Bot) loadBirthdayMarker(ctx context.Context) string {
	if b.KV == nil {
		return ""
	}
	v, err := b.KV.Get(ctx, birthdayMarkerKey)
	if err != nil {
		slog.Warn("birthday marker load failed", slog.Any("err", err))
		return ""
	}
	return v
}

func (b *Bot) storeBirthdayMarker(ctx context.Context, day string) {
	if b.KV == nil {
		return
	}
	if err := b.KV.Set(ctx, birthdayMarkerKey, day); err != nil {
		slog.Warn("birthday marker store failed", slog.Any("err", err))
	}
}

func (b *Bot) announceBirthdays(ctx context.Context, now time.Time) error {
	due, err := b.Birthdays.DueOn(ctx, now.Month(), now.Day())
	if err != nil {
		return err
	}
	for _, bd := range due {
		ch, err := b.Channels.Get(ctx, bd.ChannelID)
		if err != nil || !ch.Enabled {
			continue
		}
		if b.Say != nil {
			b.Say(ch.Name, fmt.Sprintf("Happy birthday, @%s! 🎂", bd.UserName))
		}
	}
	if len(due) > 0 {
		slog.Info("birthday announcements sent", slog.Int("count", len(due)))
	}
	return nil
}

// RunSessionTracker polls Helix for live status and opens/closes stream
// sessions on transitions. It also maintains the in-memory channel->session
// map the dispatcher uses for usage recording.
func (b *Bot) RunSessionTracker(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		b.pollSessions(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b *Bot) pollSessions(ctx context.Context) {
	channels, err := b.Channels.ListEnabled(ctx)
	if err != nil {
		slog.Warn("channel list for session poll failed", slog.Any("err", err))
		return
	}
	for _, ch := range channels {
		b.pollChannelSession(ctx, ch)
	}
}

func (b *Bot) pollChannelSession(ctx context.Context, ch repo.Channel) {
	stream, err := b.Helix.GetStream(ctx, ch.Name)
	if err != nil {
		slog.Warn("live status poll failed", slog.String("channel", ch.Name), slog.Any("err", err))
		return
	}
	open := b.live.get(ch.ID)

	switch {
	case stream != nil && open == "":
		s, err := b.Analytics.StartSession(ctx, ch.ID, stream.Title)
		if err != nil {
			slog.Warn("session start failed", slog.String("channel_id", ch.ID), slog.Any("err", err))
			return
		}
		b.live.set(ch.ID, s.ID)
		if err := b.Analytics.RecordStreamEvent(ctx, ch.ID, s.ID, "live", stream.Title); err != nil {
			slog.Warn("live event record failed", slog.String("channel_id", ch.ID), slog.Any("err", err))
		}
		slog.Info("stream session started", slog.String("channel", ch.Name), slog.String("session_id", s.ID))

	case stream == nil && open != "":
		if err := b.Analytics.RecordStreamEvent(ctx, ch.ID, open, "offline", ""); err != nil {
			slog.Warn("offline event record failed", slog.String("channel_id", ch.ID), slog.Any("err", err))
		}
		if err := b.Analytics.EndSession(ctx, open); err != nil {
			slog.Warn("session end failed", slog.String("session_id", open), slog.Any("err", err))
		}
		b.live.clear(ch.ID)
		if b.Cooldowns != nil {
			b.Cooldowns.Reset(ch.ID)
		}
		slog.Info("stream session ended", slog.String("channel", ch.Name), slog.String("session_id", open))
	}
}

// ResumeSessions restores the in-memory session map from open rows in the
// store, so a restart mid-stream keeps recording into the same session.
func (b *Bot) ResumeSessions(ctx context.Context) {
	channels, err := b.Channels.ListEnabled(ctx)
	if err != nil {
		slog.Warn("channel list for session resume failed", slog.Any("err", err))
		return
	}
	for _, ch := range channels {
		s, err := b.Analytics.CurrentSession(ctx, ch.ID)
		if err != nil {
			continue
		}
		b.live.set(ch.ID, s.ID)
		slog.Info("resumed open stream session", slog.String("channel", ch.Name), slog.String("session_id", s.ID))
	}
}
