package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/streamwarden/backend/command"
	"github.com/onnwee/streamwarden/backend/repo"
)

// runBuiltin executes a compiled-in handler. Role gating already happened in
// resolution; handlers only parse their query and talk to the repositories.
func (b *Bot) runBuiltin(ctx context.Context, ch *repo.Channel, name string, inv command.Invocation) string {
	switch name {
	case "help":
		return b.builtinHelp(ctx, inv)
	case "uptime":
		return b.builtinUptime(ctx, inv)
	case "stats":
		return b.builtinStats(ctx, inv)
	case "birthday":
		return b.builtinBirthday(ctx, inv)
	case "command":
		return b.builtinCommand(ctx, ch, inv)
	case "shoutout":
		return b.builtinShoutout(ctx, inv)
	default:
		slog.Warn("no handler for builtin command", slog.String("command", name))
		return ""
	}
}

func (b *Bot) builtinHelp(ctx context.Context, inv command.Invocation) string {
	list, err := b.Commands.List(ctx, inv.ChannelID)
	if err != nil {
		slog.Warn("command list failed", slog.String("channel_id", inv.ChannelID), slog.Any("err", err))
		return ""
	}
	var names []string
	for _, cc := range list {
		if cc.Enabled && inv.UserRole.Rank() >= cc.MinRole.Rank() {
			names = append(names, b.Prefix+cc.Name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	return "Available commands: " + strings.Join(names, " ")
}

func (b *Bot) builtinUptime(ctx context.Context, inv command.Invocation) string {
	s, err := b.Analytics.CurrentSession(ctx, inv.ChannelID)
	if errors.Is(err, repo.ErrNotFound) {
		return inv.ChannelName + " is offline."
	}
	if err != nil {
		slog.Warn("current session lookup failed", slog.String("channel_id", inv.ChannelID), slog.Any("err", err))
		return ""
	}
	return fmt.Sprintf("%s has been live for %s.", inv.ChannelName, formatDuration(time.Since(s.StartedAt)))
}

func (b *Bot) builtinStats(ctx context.Context, inv command.Invocation) string {
	s, err := b.Analytics.CurrentSession(ctx, inv.ChannelID)
	if errors.Is(err, repo.ErrNotFound) {
		top, err := b.Analytics.TopCommands(ctx, inv.ChannelID, 3)
		if err != nil || len(top) == 0 {
			return "No stream stats yet."
		}
		var parts []string
		for _, t := range top {
			parts = append(parts, fmt.Sprintf("%s%s (%d)", b.Prefix, t.Name, t.Uses))
		}
		return "All-time top commands: " + strings.Join(parts, ", ")
	}
	if err != nil {
		slog.Warn("current session lookup failed", slog.String("channel_id", inv.ChannelID), slog.Any("err", err))
		return ""
	}
	sum, err := b.Analytics.Summary(ctx, s.ID)
	if err != nil {
		slog.Warn("session summary failed", slog.String("session_id", s.ID), slog.Any("err", err))
		return ""
	}
	return fmt.Sprintf("This stream: %d command uses across %d commands, %d events.",
		sum.CommandUses, sum.UniqueCommand, sum.Events)
}

// builtinBirthday handles "!birthday" (show own), "!birthday set M/D" and
// "!birthday remove".
func (b *Bot) builtinBirthday(ctx context.Context, inv command.Invocation) string {
	fields := strings.Fields(inv.Query)
	switch {
	case len(fields) == 0:
		bd, err := b.Birthdays.Get(ctx, inv.ChannelID, inv.UserName)
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Sprintf("@%s no birthday registered. Use %sbirthday set M/D.", inv.UserName, b.Prefix)
		}
		if err != nil {
			slog.Warn("birthday lookup failed", slog.String("channel_id", inv.ChannelID), slog.Any("err", err))
			return ""
		}
		return fmt.Sprintf("@%s your birthday is %s %d.", inv.UserName, bd.Month, bd.Day)

	case fields[0] == "set" && len(fields) == 2:
		month, day, ok := parseMonthDay(fields[1])
		if !ok {
			return fmt.Sprintf("@%s use %sbirthday set M/D, e.g. %sbirthday set 6/15.", inv.UserName, b.Prefix, b.Prefix)
		}
		bd, err := b.Birthdays.Upsert(ctx, inv.ChannelID, inv.UserName, month, day)
		if err != nil {
			if repo.IsValidation(err) {
				return fmt.Sprintf("@%s that is not a valid date.", inv.UserName)
			}
			slog.Warn("birthday upsert failed", slog.String("channel_id", inv.ChannelID), slog.Any("err", err))
			return ""
		}
		return fmt.Sprintf("@%s birthday saved: %s %d.", inv.UserName, bd.Month, bd.Day)

	case fields[0] == "remove":
		err := b.Birthdays.Remove(ctx, inv.ChannelID, inv.UserName)
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Sprintf("@%s no birthday to remove.", inv.UserName)
		}
		if err != nil {
			slog.Warn("birthday remove failed", slog.String("channel_id", inv.ChannelID), slog.Any("err", err))
			return ""
		}
		return fmt.Sprintf("@%s birthday removed.", inv.UserName)
	}
	return fmt.Sprintf("@%s usage: %sbirthday [set M/D | remove]", inv.UserName, b.Prefix)
}

// builtinCommand is the moderator tool for managing custom commands:
// add/edit, remove, enable, disable.
func (b *Bot) builtinCommand(ctx context.Context, ch *repo.Channel, inv command.Invocation) string {
	fields := strings.SplitN(inv.Query, " ", 3)
	if len(fields) < 2 || fields[0] == "" {
		return fmt.Sprintf("Usage: %scommand add <name> <response> | remove <name> | enable <name> | disable <name>", b.Prefix)
	}
	action := strings.ToLower(fields[0])
	name := strings.ToLower(strings.TrimPrefix(fields[1], b.Prefix))

	switch action {
	case "add", "edit":
		if len(fields) < 3 || strings.TrimSpace(fields[2]) == "" {
			return fmt.Sprintf("Usage: %scommand add <name> <response>", b.Prefix)
		}
		cfg := repo.CommandConfig{
			ChannelID:       inv.ChannelID,
			Name:            name,
			Type:            repo.CommandCustom,
			Enabled:         true,
			Response:        fields[2],
			CooldownSeconds: ch.DefaultCooldown,
			MinRole:         repo.RoleEveryone,
		}
		if existing, err := b.Commands.Get(ctx, inv.ChannelID, name); err == nil {
			if existing.Type == repo.CommandBuiltin {
				return fmt.Sprintf("%s%s is a builtin and cannot be replaced.", b.Prefix, name)
			}
			// Edits keep the tuned cooldown, role, and aliases.
			cfg.CooldownSeconds = existing.CooldownSeconds
			cfg.MinRole = existing.MinRole
			cfg.Aliases = existing.Aliases
		}
		if _, err := b.Commands.Upsert(ctx, cfg); err != nil {
			if repo.IsValidation(err) {
				return fmt.Sprintf("Cannot save %s%s: %v", b.Prefix, name, err)
			}
			slog.Warn("command upsert failed", slog.String("channel_id", inv.ChannelID), slog.Any("err", err))
			return ""
		}
		return fmt.Sprintf("Command %s%s saved.", b.Prefix, name)

	case "remove":
		err := b.Commands.Delete(ctx, inv.ChannelID, name)
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Sprintf("No such command %s%s.", b.Prefix, name)
		}
		if repo.IsValidation(err) {
			return fmt.Sprintf("%s%s is a builtin; disable it instead.", b.Prefix, name)
		}
		if err != nil {
			slog.Warn("command delete failed", slog.String("channel_id", inv.ChannelID), slog.Any("err", err))
			return ""
		}
		return fmt.Sprintf("Command %s%s removed.", b.Prefix, name)

	case "enable", "disable":
		existing, err := b.Commands.Get(ctx, inv.ChannelID, name)
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Sprintf("No such command %s%s.", b.Prefix, name)
		}
		if err != nil {
			slog.Warn("command lookup failed", slog.String("channel_id", inv.ChannelID), slog.Any("err", err))
			return ""
		}
		cfg := *existing
		cfg.Enabled = action == "enable"
		if _, err := b.Commands.Upsert(ctx, cfg); err != nil {
			slog.Warn("command toggle failed", slog.String("channel_id", inv.ChannelID), slog.Any("err", err))
			return ""
		}
		return fmt.Sprintf("Command %s%s %sd.", b.Prefix, name, action)
	}
	return fmt.Sprintf("Unknown action %q. Try add, remove, enable or disable.", action)
}

func (b *Bot) builtinShoutout(ctx context.Context, inv command.Invocation) string {
	fields := strings.Fields(inv.Query)
	if len(fields) == 0 {
		return fmt.Sprintf("Usage: %sshoutout <user>", b.Prefix)
	}
	target := strings.TrimPrefix(fields[0], "@")
	if target == "" {
		return fmt.Sprintf("Usage: %sshoutout <user>", b.Prefix)
	}
	display := target
	if b.Helix != nil {
		if users, err := b.Helix.GetUsers(ctx, strings.ToLower(target)); err == nil && len(users) > 0 {
			display = users[0].DisplayName
			target = users[0].Login
		}
	}
	return fmt.Sprintf("Go check out %s at https://twitch.tv/%s !", display, target)
}

// parseMonthDay parses "M/D" or "M-D".
func parseMonthDay(s string) (time.Month, int, bool) {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '/' || r == '-' || r == '.' })
	if len(parts) != 2 {
		return 0, 0, false
	}
	m, err1 := strconv.Atoi(parts[0])
	d, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return time.Month(m), d, true
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh %dm", h, m)
}
