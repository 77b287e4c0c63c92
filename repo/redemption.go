package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/onnwee/streamwarden/backend/notify"
)

// RedemptionConfig maps a channel-points reward to an automated action and an
// enabled flag. Mirrors CommandConfig's enable/disable lifecycle without
// response/cooldown fields.
type RedemptionConfig struct {
	ChannelID  string
	ActionType string
	RewardName string
	Enabled    bool
}

func redemptionKey(channelID, actionType, rewardName string) string {
	return channelID + "/" + actionType + "/" + rewardName
}

const redemptionCols = `channel_id, action_type, reward_name, enabled`

// GetRedemption resolves a redemption config, read-through cached like
// commands, with the same cached-absent marker behavior.
func (r *CommandConfigRepository) GetRedemption(ctx context.Context, channelID, actionType, rewardName string) (*RedemptionConfig, error) {
	key := redemptionKey(channelID, actionType, rewardName)
	if hit, ok := r.redemptions.Get(key); ok {
		if !hit.found {
			return nil, ErrNotFound
		}
		rc := hit.val
		return &rc, nil
	}
	countRead(notify.FamilyRedemption)
	var rc RedemptionConfig
	err := r.db.QueryRowContext(ctx,
		`SELECT `+redemptionCols+` FROM redemption_configs
		 WHERE channel_id = $1 AND action_type = $2 AND reward_name = $3`,
		channelID, actionType, rewardName).
		Scan(&rc.ChannelID, &rc.ActionType, &rc.RewardName, &rc.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		r.redemptions.Set(key, lookup[RedemptionConfig]{})
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get redemption %s: %w", key, err)
	}
	r.redemptions.Set(key, lookup[RedemptionConfig]{val: rc, found: true})
	return &rc, nil
}

// FindRedemptionByReward returns the enabled config for a reward name,
// whatever its action type. Uncached; only hit when a redemption message
// actually arrives, which is rare next to command traffic.
func (r *CommandConfigRepository) FindRedemptionByReward(ctx context.Context, channelID, rewardName string) (*RedemptionConfig, error) {
	countRead(notify.FamilyRedemption)
	var rc RedemptionConfig
	err := r.db.QueryRowContext(ctx,
		`SELECT `+redemptionCols+` FROM redemption_configs
		 WHERE channel_id = $1 AND reward_name = $2 AND enabled
		 LIMIT 1`, channelID, rewardName).
		Scan(&rc.ChannelID, &rc.ActionType, &rc.RewardName, &rc.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find redemption %s/%s: %w", channelID, rewardName, err)
	}
	return &rc, nil
}

// UpsertRedemption writes a redemption config with the standard
// write-invalidate-publish sequence and returns the fresh record.
func (r *CommandConfigRepository) UpsertRedemption(ctx context.Context, cfg RedemptionConfig) (*RedemptionConfig, error) {
	if cfg.ChannelID == "" || cfg.ActionType == "" || cfg.RewardName == "" {
		return nil, &ValidationError{Field: "redemption", Reason: "channel, action_type and reward_name must not be empty"}
	}
	countWrite(notify.FamilyRedemption)
	var fresh RedemptionConfig
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO redemption_configs (channel_id, action_type, reward_name, enabled, created_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (channel_id, action_type, reward_name) DO UPDATE SET
		   enabled = EXCLUDED.enabled,
		   updated_at = NOW()
		 RETURNING `+redemptionCols,
		cfg.ChannelID, cfg.ActionType, cfg.RewardName, cfg.Enabled).
		Scan(&fresh.ChannelID, &fresh.ActionType, &fresh.RewardName, &fresh.Enabled)
	if err != nil {
		return nil, fmt.Errorf("upsert redemption %s/%s/%s: %w", cfg.ChannelID, cfg.ActionType, cfg.RewardName, err)
	}
	key := redemptionKey(cfg.ChannelID, cfg.ActionType, cfg.RewardName)
	r.redemptions.Invalidate(key)
	publish(ctx, r.bus, notify.ChangeEvent{Family: notify.FamilyRedemption, ChannelID: cfg.ChannelID, Key: cfg.ActionType + "/" + cfg.RewardName})
	return &fresh, nil
}

// InvalidateRedemption drops one redemption cache entry (coordinator use).
// The event key is "action_type/reward_name".
func (r *CommandConfigRepository) InvalidateRedemption(channelID, key string) {
	r.redemptions.Invalidate(channelID + "/" + key)
}
