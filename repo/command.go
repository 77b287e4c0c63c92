package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/streamwarden/backend/cache"
	"github.com/onnwee/streamwarden/backend/notify"
	"github.com/onnwee/streamwarden/backend/telemetry"
)

// CommandType distinguishes seeded builtins from operator-created customs.
type CommandType string

const (
	CommandBuiltin CommandType = "builtin"
	CommandCustom  CommandType = "custom"
)

// Role is the minimum badge level required to run a command.
type Role string

const (
	RoleEveryone    Role = "everyone"
	RoleSubscriber  Role = "subscriber"
	RoleVIP         Role = "vip"
	RoleModerator   Role = "moderator"
	RoleBroadcaster Role = "broadcaster"
)

// Rank orders roles for gating; unknown roles rank as everyone.
func (r Role) Rank() int {
	switch r {
	case RoleBroadcaster:
		return 4
	case RoleModerator:
		return 3
	case RoleVIP:
		return 2
	case RoleSubscriber:
		return 1
	default:
		return 0
	}
}

// CommandConfig is one channel's configuration for one command. For customs,
// Response is the reply text (or a redirect when it starts with the command
// prefix); builtins leave it empty and dispatch to compiled-in handlers.
type CommandConfig struct {
	ChannelID       string
	Name            string
	Type            CommandType
	Enabled         bool
	Response        string
	CooldownSeconds int
	MinRole         Role
	Aliases         []string
}

// DefaultCommands are the builtin rows seeded per channel on first access.
var DefaultCommands = []CommandConfig{
	{Name: "help", Type: CommandBuiltin, Enabled: true, CooldownSeconds: 5, MinRole: RoleEveryone, Aliases: []string{"commands"}},
	{Name: "uptime", Type: CommandBuiltin, Enabled: true, CooldownSeconds: 10, MinRole: RoleEveryone},
	{Name: "stats", Type: CommandBuiltin, Enabled: true, CooldownSeconds: 30, MinRole: RoleEveryone},
	{Name: "birthday", Type: CommandBuiltin, Enabled: true, CooldownSeconds: 5, MinRole: RoleEveryone, Aliases: []string{"bday"}},
	{Name: "command", Type: CommandBuiltin, Enabled: true, CooldownSeconds: 0, MinRole: RoleModerator},
	{Name: "shoutout", Type: CommandBuiltin, Enabled: true, CooldownSeconds: 0, MinRole: RoleModerator, Aliases: []string{"so"}},
}

// CommandConfigRepository serves command and redemption configuration.
type CommandConfigRepository struct {
	db  DBTX
	bus *notify.Bus

	commands    *cache.Cache[string, lookup[CommandConfig]]
	redemptions *cache.Cache[string, lookup[RedemptionConfig]]
	ttl         time.Duration
}

func NewCommandConfigRepository(db DBTX, bus *notify.Bus, capacity int, ttl time.Duration) *CommandConfigRepository {
	cc := cache.New[string, lookup[CommandConfig]](capacity, ttl)
	cc.Observe(telemetry.CacheObservers(notify.FamilyCommand))
	rc := cache.New[string, lookup[RedemptionConfig]](capacity, ttl)
	rc.Observe(telemetry.CacheObservers(notify.FamilyRedemption))
	return &CommandConfigRepository{db: db, bus: bus, commands: cc, redemptions: rc, ttl: ttl}
}

func commandKey(channelID, name string) string { return channelID + "/" + name }

const commandCols = `channel_id, command_name, command_type, enabled, COALESCE(custom_response, ''), COALESCE(cooldown_seconds, 5), min_role, COALESCE(aliases, '')`

func scanCommand(row *sql.Row) (CommandConfig, error) {
	var cc CommandConfig
	var typ, role, aliases string
	err := row.Scan(&cc.ChannelID, &cc.Name, &typ, &cc.Enabled, &cc.Response, &cc.CooldownSeconds, &role, &aliases)
	if err != nil {
		return CommandConfig{}, err
	}
	cc.Type = CommandType(typ)
	cc.MinRole = Role(role)
	cc.Aliases = splitAliases(aliases)
	return cc, nil
}

func splitAliases(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Get resolves a command by canonical name or alias. The result is cached
// under the name the caller asked with, so alias lookups hit on repeat too.
func (r *CommandConfigRepository) Get(ctx context.Context, channelID, name string) (*CommandConfig, error) {
	key := commandKey(channelID, name)
	if hit, ok := r.commands.Get(key); ok {
		if !hit.found {
			return nil, ErrNotFound
		}
		cc := hit.val
		return &cc, nil
	}
	countRead(notify.FamilyCommand)
	cc, err := scanCommand(r.db.QueryRowContext(ctx,
		`SELECT `+commandCols+` FROM command_configs
		 WHERE channel_id = $1
		   AND (command_name = $2 OR $2 = ANY(string_to_array(COALESCE(aliases, ''), ',')))
		 LIMIT 1`, channelID, name))
	if errors.Is(err, sql.ErrNoRows) {
		r.commands.Set(key, lookup[CommandConfig]{})
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get command %s/%s: %w", channelID, name, err)
	}
	r.commands.Set(key, lookup[CommandConfig]{val: cc, found: true})
	return &cc, nil
}

// List returns every command configured for a channel, bypassing the cache.
func (r *CommandConfigRepository) List(ctx context.Context, channelID string) ([]CommandConfig, error) {
	countRead(notify.FamilyCommand)
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+commandCols+` FROM command_configs WHERE channel_id = $1 ORDER BY command_name`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list commands for %s: %w", channelID, err)
	}
	defer rows.Close()
	var out []CommandConfig
	for rows.Next() {
		var cc CommandConfig
		var typ, role, aliases string
		if err := rows.Scan(&cc.ChannelID, &cc.Name, &typ, &cc.Enabled, &cc.Response, &cc.CooldownSeconds, &role, &aliases); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		cc.Type = CommandType(typ)
		cc.MinRole = Role(role)
		cc.Aliases = splitAliases(aliases)
		out = append(out, cc)
	}
	return out, rows.Err()
}

// Upsert writes a command config, invalidates the canonical and alias cache
// entries, publishes the change, and returns the freshly written record.
func (r *CommandConfigRepository) Upsert(ctx context.Context, cfg CommandConfig) (*CommandConfig, error) {
	if cfg.ChannelID == "" || cfg.Name == "" {
		return nil, &ValidationError{Field: "command_name", Reason: "channel and name must not be empty"}
	}
	if cfg.Type != CommandBuiltin && cfg.Type != CommandCustom {
		return nil, &ValidationError{Field: "command_type", Reason: fmt.Sprintf("unknown type %q", cfg.Type)}
	}
	if cfg.Type == CommandCustom && strings.TrimSpace(cfg.Response) == "" {
		return nil, &ValidationError{Field: "custom_response", Reason: "required for custom commands"}
	}
	if cfg.MinRole == "" {
		cfg.MinRole = RoleEveryone
	}
	if cfg.CooldownSeconds < 0 {
		return nil, &ValidationError{Field: "cooldown_seconds", Reason: "must not be negative"}
	}

	countWrite(notify.FamilyCommand)
	fresh, err := scanCommand(r.db.QueryRowContext(ctx,
		`INSERT INTO command_configs
		   (channel_id, command_name, command_type, enabled, custom_response, cooldown_seconds, min_role, aliases, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, NULLIF($8, ''), NOW())
		 ON CONFLICT (channel_id, command_name) DO UPDATE SET
		   command_type = EXCLUDED.command_type,
		   enabled = EXCLUDED.enabled,
		   custom_response = EXCLUDED.custom_response,
		   cooldown_seconds = EXCLUDED.cooldown_seconds,
		   min_role = EXCLUDED.min_role,
		   aliases = EXCLUDED.aliases,
		   updated_at = NOW()
		 RETURNING `+commandCols,
		cfg.ChannelID, cfg.Name, string(cfg.Type), cfg.Enabled, cfg.Response,
		cfg.CooldownSeconds, string(cfg.MinRole), strings.Join(cfg.Aliases, ",")))
	if err != nil {
		return nil, fmt.Errorf("upsert command %s/%s: %w", cfg.ChannelID, cfg.Name, err)
	}
	r.invalidateLocal(cfg.ChannelID, cfg.Name, fresh.Aliases)
	publish(ctx, r.bus, notify.ChangeEvent{Family: notify.FamilyCommand, ChannelID: cfg.ChannelID, Key: cfg.Name})
	return &fresh, nil
}

// Delete removes a custom command. Builtins cannot be deleted, only disabled.
func (r *CommandConfigRepository) Delete(ctx context.Context, channelID, name string) error {
	// Read first so alias cache entries can be dropped with the row.
	existing, err := r.Get(ctx, channelID, name)
	if err != nil {
		return err
	}
	if existing.Type == CommandBuiltin {
		return &ValidationError{Field: "command_type", Reason: "builtins can be disabled but not deleted"}
	}
	countWrite(notify.FamilyCommand)
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM command_configs WHERE channel_id = $1 AND command_name = $2`, channelID, existing.Name)
	if err != nil {
		return fmt.Errorf("delete command %s/%s: %w", channelID, name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.invalidateLocal(channelID, existing.Name, existing.Aliases)
	r.commands.Invalidate(commandKey(channelID, name))
	publish(ctx, r.bus, notify.ChangeEvent{Family: notify.FamilyCommand, ChannelID: channelID, Key: existing.Name})
	return nil
}

// EnsureDefaults seeds the builtin command rows for a channel. Idempotent:
// existing rows (including operator-modified ones) are left untouched. Only
// actually inserted rows trigger invalidation, so a previously cached
// "not found" never outlives the row's creation.
func (r *CommandConfigRepository) EnsureDefaults(ctx context.Context, channelID string) error {
	for _, def := range DefaultCommands {
		countWrite(notify.FamilyCommand)
		res, err := r.db.ExecContext(ctx,
			`INSERT INTO command_configs
			   (channel_id, command_name, command_type, enabled, cooldown_seconds, min_role, aliases, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NOW())
			 ON CONFLICT (channel_id, command_name) DO NOTHING`,
			channelID, def.Name, string(def.Type), def.Enabled, def.CooldownSeconds,
			string(def.MinRole), strings.Join(def.Aliases, ","))
		if err != nil {
			return fmt.Errorf("seed default command %s/%s: %w", channelID, def.Name, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			r.invalidateLocal(channelID, def.Name, def.Aliases)
			publish(ctx, r.bus, notify.ChangeEvent{Family: notify.FamilyCommand, ChannelID: channelID, Key: def.Name})
		}
	}
	return nil
}

func (r *CommandConfigRepository) invalidateLocal(channelID, name string, aliases []string) {
	r.commands.Invalidate(commandKey(channelID, name))
	for _, a := range aliases {
		r.commands.Invalidate(commandKey(channelID, a))
	}
}

// WarmChannel primes the command cache with every config for a channel,
// keyed by canonical name and by each alias. Used by the coordinator at boot
// and on periodic refresh.
func (r *CommandConfigRepository) WarmChannel(ctx context.Context, channelID string) error {
	list, err := r.List(ctx, channelID)
	if err != nil {
		return err
	}
	for _, cc := range list {
		r.commands.Set(commandKey(channelID, cc.Name), lookup[CommandConfig]{val: cc, found: true})
		for _, a := range cc.Aliases {
			r.commands.Set(commandKey(channelID, a), lookup[CommandConfig]{val: cc, found: true})
		}
	}
	return nil
}

// Invalidate drops the cache entry for one command (coordinator use). Alias
// entries in remote processes age out by TTL or the periodic refresh.
func (r *CommandConfigRepository) Invalidate(channelID, name string) {
	r.commands.Invalidate(commandKey(channelID, name))
}

// ClearCache empties both the command and redemption caches.
func (r *CommandConfigRepository) ClearCache() {
	r.commands.Clear()
	r.redemptions.Clear()
}
