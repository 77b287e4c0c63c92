package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/streamwarden/backend/command"
	"github.com/onnwee/streamwarden/backend/repo"
	"github.com/onnwee/streamwarden/backend/telemetry"
)

// sessionState maps channel id -> open session id, maintained by the session
// tracker so the per-message path never queries the store for session state.
type sessionState struct {
	mu       sync.Mutex
	sessions map[string]string
}

func (s *sessionState) set(channelID, sessionID string) {
	s.mu.Lock()
	if s.sessions == nil {
		s.sessions = map[string]string{}
	}
	s.sessions[channelID] = sessionID
	s.mu.Unlock()
}

func (s *sessionState) clear(channelID string) {
	s.mu.Lock()
	delete(s.sessions, channelID)
	s.mu.Unlock()
}

func (s *sessionState) get(channelID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[channelID]
}

// Handle processes one chat line and returns the reply to send, or "" for
// silence. Unknown commands, disabled commands, and denied invocations are all
// silent: a chatty bot that answers every typo gets muted fast.
func (b *Bot) Handle(ctx context.Context, m Message) string {
	ch, err := b.Channels.Get(ctx, m.ChannelID)
	if errors.Is(err, repo.ErrNotFound) {
		return ""
	}
	if err != nil {
		slog.Warn("channel lookup failed", slog.String("channel_id", m.ChannelID), slog.Any("err", err))
		return ""
	}
	if !ch.Enabled {
		return ""
	}

	if m.RewardID != "" || m.RewardName != "" {
		return b.handleRedemption(ctx, m)
	}

	cmd, query, ok := command.ParseInvocation(b.Prefix, m.Text)
	if !ok {
		return ""
	}
	inv := command.Invocation{
		ChannelID:   m.ChannelID,
		ChannelName: m.ChannelName,
		UserName:    m.UserName,
		UserRole:    m.Role,
		Command:     cmd,
		Query:       query,
	}
	return b.dispatch(ctx, ch, inv, true)
}

// dispatch resolves and executes one invocation. followRedirect is true only
// for the user's original command; a redirect target resolves with it false,
// so chains stop after one hop.
func (b *Bot) dispatch(ctx context.Context, ch *repo.Channel, inv command.Invocation, followRedirect bool) string {
	cfg, err := b.Commands.Get(ctx, inv.ChannelID, inv.Command)
	if errors.Is(err, repo.ErrNotFound) {
		return ""
	}
	if err != nil {
		slog.Warn("command lookup failed",
			slog.String("channel_id", inv.ChannelID), slog.String("command", inv.Command), slog.Any("err", err))
		return ""
	}

	res := command.Resolve(b.Prefix, cfg, inv, followRedirect)
	if res.Outcome == command.OutcomeDisabled || res.Outcome == command.OutcomeDenied {
		return ""
	}

	// Moderators and the broadcaster bypass cooldowns.
	if b.Cooldowns != nil && cfg.CooldownSeconds > 0 && inv.UserRole.Rank() < repo.RoleModerator.Rank() {
		if !b.Cooldowns.Allow(inv.ChannelID, cfg.Name, time.Duration(cfg.CooldownSeconds)*time.Second) {
			return ""
		}
	}

	if telemetry.CommandsHandled != nil {
		telemetry.CommandsHandled.Inc()
	}
	b.recordUse(ctx, inv.ChannelID, cfg.Name)

	switch res.Outcome {
	case command.OutcomeReply:
		return res.Response
	case command.OutcomeBuiltin:
		return b.runBuiltin(ctx, ch, res.Target, inv)
	case command.OutcomeRedirect:
		next := inv
		next.Command = res.Target
		next.Query = res.Query
		return b.dispatch(ctx, ch, next, false)
	}
	return ""
}

// recordUse bumps the session usage counter when a stream session is open.
// Off-stream command use is not tracked.
func (b *Bot) recordUse(ctx context.Context, channelID, cmd string) {
	sessionID := b.live.get(channelID)
	if sessionID == "" || b.Analytics == nil {
		return
	}
	if err := b.Analytics.RecordCommandUse(ctx, channelID, sessionID, cmd); err != nil {
		slog.Warn("command use record failed", slog.String("channel_id", channelID), slog.Any("err", err))
	}
}

// handleRedemption reacts to a channel-points redemption message. Lookup is by
// reward name when the tag carries it, otherwise by reward id; operators may
// configure either as reward_name.
func (b *Bot) handleRedemption(ctx context.Context, m Message) string {
	key := m.RewardName
	if key == "" {
		key = m.RewardID
	}
	rc, err := b.Commands.FindRedemptionByReward(ctx, m.ChannelID, key)
	if errors.Is(err, repo.ErrNotFound) {
		return ""
	}
	if err != nil {
		slog.Warn("redemption lookup failed", slog.String("channel_id", m.ChannelID), slog.Any("err", err))
		return ""
	}
	if telemetry.RedemptionsHandled != nil {
		telemetry.RedemptionsHandled.Inc()
	}
	if sessionID := b.live.get(m.ChannelID); sessionID != "" && b.Analytics != nil {
		payload := rc.ActionType + "/" + rc.RewardName + " by " + m.UserName
		if err := b.Analytics.RecordStreamEvent(ctx, m.ChannelID, sessionID, "redemption", payload); err != nil {
			slog.Warn("redemption event record failed", slog.String("channel_id", m.ChannelID), slog.Any("err", err))
		}
	}
	switch rc.ActionType {
	case "highlight":
		return fmt.Sprintf("@%s highlighted: %s", m.UserName, m.Text)
	default:
		return fmt.Sprintf("%s redeemed %s!", m.UserName, rc.RewardName)
	}
}
