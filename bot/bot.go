// Package bot runs the Twitch chat side: it joins enabled channels, dispatches
// command invocations through the cached repositories, reacts to channel-point
// redemptions, and hosts the birthday reminder and stream session jobs.
package bot

import (
	"context"
	"log/slog"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/streamwarden/backend/repo"
	"github.com/onnwee/streamwarden/backend/twitchapi"
)

// ChannelStore is the slice of repo.ChannelRepository the bot needs.
type ChannelStore interface {
	Get(ctx context.Context, id string) (*repo.Channel, error)
	ListEnabled(ctx context.Context) ([]repo.Channel, error)
}

// CommandStore serves command and redemption configuration.
type CommandStore interface {
	Get(ctx context.Context, channelID, name string) (*repo.CommandConfig, error)
	List(ctx context.Context, channelID string) ([]repo.CommandConfig, error)
	Upsert(ctx context.Context, cfg repo.CommandConfig) (*repo.CommandConfig, error)
	Delete(ctx context.Context, channelID, name string) error
	EnsureDefaults(ctx context.Context, channelID string) error
	FindRedemptionByReward(ctx context.Context, channelID, rewardName string) (*repo.RedemptionConfig, error)
}

// BirthdayStore backs the !birthday command and the reminder job.
type BirthdayStore interface {
	Get(ctx context.Context, channelID, userName string) (*repo.Birthday, error)
	Upsert(ctx context.Context, channelID, userName string, month time.Month, day int) (*repo.Birthday, error)
	Remove(ctx context.Context, channelID, userName string) error
	DueOn(ctx context.Context, month time.Month, day int) ([]repo.Birthday, error)
}

// AnalyticsStore records usage and serves the !uptime and !stats builtins.
type AnalyticsStore interface {
	StartSession(ctx context.Context, channelID, title string) (*repo.Session, error)
	EndSession(ctx context.Context, sessionID string) error
	CurrentSession(ctx context.Context, channelID string) (*repo.Session, error)
	Summary(ctx context.Context, sessionID string) (*repo.SessionSummary, error)
	RecordCommandUse(ctx context.Context, channelID, sessionID, command string) error
	RecordStreamEvent(ctx context.Context, channelID, sessionID, eventType, payload string) error
	TopCommands(ctx context.Context, channelID string, limit int) ([]repo.CommandCount, error)
}

// HelixSource is the slice of the Helix client the bot needs.
type HelixSource interface {
	GetUsers(ctx context.Context, logins ...string) ([]twitchapi.User, error)
	GetStream(ctx context.Context, login string) (*twitchapi.Stream, error)
}

// Cooldowns gates command execution per channel and command.
type Cooldowns interface {
	Allow(channelID, cmd string, cooldown time.Duration) bool
	Reset(channelID string)
}

// KVStore persists small job markers across restarts.
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// Bot wires chat traffic to the repository layer.
type Bot struct {
	Username string // bot account login
	Token    string // user OAuth token with chat scopes, "oauth:" prefixed
	Prefix   string

	Channels  ChannelStore
	Commands  CommandStore
	Birthdays BirthdayStore
	Analytics AnalyticsStore
	Helix     HelixSource
	Cooldowns Cooldowns
	KV        KVStore // optional; birthday job marker is in-memory only when nil

	// Say is swappable for tests; Run points it at the IRC client.
	Say func(channelName, text string)

	live sessionState
}

// Run connects to Twitch IRC, joins every enabled channel, and blocks until
// ctx is cancelled. The IRC library reconnects on its own; join state is
// replayed by it after reconnect.
func (b *Bot) Run(ctx context.Context) error {
	client := twitch.NewClient(b.Username, b.Token)
	b.Say = func(channelName, text string) { client.Say(channelName, text) }

	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		m := fromPrivateMessage(msg)
		if reply := b.Handle(ctx, m); reply != "" {
			client.Say(m.ChannelName, reply)
		}
	})
	client.OnConnect(func() {
		slog.Info("connected to twitch chat", slog.String("username", b.Username))
	})

	channels, err := b.Channels.ListEnabled(ctx)
	if err != nil {
		return err
	}
	for _, ch := range channels {
		if err := b.Commands.EnsureDefaults(ctx, ch.ID); err != nil {
			slog.Warn("default command seed failed", slog.String("channel_id", ch.ID), slog.Any("err", err))
		}
		client.Join(ch.Name)
		slog.Info("joining channel", slog.String("channel", ch.Name))
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		client.Disconnect()
		close(done)
	}()
	if err := client.Connect(); err != nil && ctx.Err() == nil {
		return err
	}
	<-done
	return nil
}

// Message is a chat line reduced to what dispatch needs, keeping the IRC SDK
// types out of the command logic.
type Message struct {
	ChannelID   string
	ChannelName string
	UserID      string
	UserName    string
	Role        repo.Role
	Text        string
	RewardID    string // set for channel-point redemption messages
	RewardName  string
}

func fromPrivateMessage(msg twitch.PrivateMessage) Message {
	return Message{
		ChannelID:   msg.RoomID,
		ChannelName: msg.Channel,
		UserID:      msg.User.ID,
		UserName:    msg.User.DisplayName,
		Role:        roleFromBadges(msg.User.Badges),
		Text:        msg.Message,
		RewardID:    msg.CustomRewardID,
	}
}

// roleFromBadges maps IRC badges to the highest role they grant.
func roleFromBadges(badges map[string]int) repo.Role {
	switch {
	case badges["broadcaster"] > 0:
		return repo.RoleBroadcaster
	case badges["moderator"] > 0:
		return repo.RoleModerator
	case badges["vip"] > 0:
		return repo.RoleVIP
	case badges["subscriber"] > 0 || badges["founder"] > 0:
		return repo.RoleSubscriber
	default:
		return repo.RoleEveryone
	}
}
