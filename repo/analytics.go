package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/streamwarden/backend/cache"
	"github.com/onnwee/streamwarden/backend/telemetry"
)

// Session is one tracked stream session.
type Session struct {
	ID        string
	ChannelID string
	Title     string
	StartedAt time.Time
	EndedAt   *time.Time
}

// SessionSummary aggregates one session's activity.
type SessionSummary struct {
	Session       Session
	CommandUses   int
	UniqueCommand int
	Events        int
}

// CommandCount is one row of the per-channel command leaderboard.
type CommandCount struct {
	Name string
	Uses int
}

// AnalyticsRepository records append-mostly stream analytics. Writes are
// uncached; the read-side summaries are cached briefly since they back the
// !stats command and the API, not correctness.
type AnalyticsRepository struct {
	db    DBTX
	ttl   time.Duration
	stats *cache.Cache[string, SessionSummary]
}

const analyticsFamily = "analytics"

func NewAnalyticsRepository(db DBTX, capacity int, ttl time.Duration) *AnalyticsRepository {
	c := cache.New[string, SessionSummary](capacity, ttl)
	c.Observe(telemetry.CacheObservers(analyticsFamily))
	return &AnalyticsRepository{db: db, ttl: ttl, stats: c}
}

// StartSession opens a session for a channel and returns it. Any session left
// open for the channel is closed first (crash recovery).
func (r *AnalyticsRepository) StartSession(ctx context.Context, channelID, title string) (*Session, error) {
	countWrite(analyticsFamily)
	if _, err := r.db.ExecContext(ctx,
		`UPDATE stream_sessions SET ended_at = NOW() WHERE channel_id = $1 AND ended_at IS NULL`, channelID); err != nil {
		return nil, fmt.Errorf("close stale sessions for %s: %w", channelID, err)
	}
	s := Session{ID: uuid.NewString(), ChannelID: channelID, Title: title, StartedAt: time.Now().UTC()}
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO stream_sessions (session_id, channel_id, title, started_at) VALUES ($1, $2, $3, $4)`,
		s.ID, s.ChannelID, s.Title, s.StartedAt); err != nil {
		return nil, fmt.Errorf("start session for %s: %w", channelID, err)
	}
	return &s, nil
}

// EndSession closes a session.
func (r *AnalyticsRepository) EndSession(ctx context.Context, sessionID string) error {
	countWrite(analyticsFamily)
	res, err := r.db.ExecContext(ctx,
		`UPDATE stream_sessions SET ended_at = NOW() WHERE session_id = $1 AND ended_at IS NULL`, sessionID)
	if err != nil {
		return fmt.Errorf("end session %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.stats.Invalidate(sessionID)
	return nil
}

// CurrentSession returns the open session for a channel, if any. Uncached:
// called on live-status transitions, not per message.
func (r *AnalyticsRepository) CurrentSession(ctx context.Context, channelID string) (*Session, error) {
	countRead(analyticsFamily)
	var s Session
	var ended sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT session_id, channel_id, COALESCE(title, ''), started_at, ended_at
		 FROM stream_sessions WHERE channel_id = $1 AND ended_at IS NULL
		 ORDER BY started_at DESC LIMIT 1`, channelID).
		Scan(&s.ID, &s.ChannelID, &s.Title, &s.StartedAt, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("current session for %s: %w", channelID, err)
	}
	if ended.Valid {
		t := ended.Time
		s.EndedAt = &t
	}
	return &s, nil
}

// RecordCommandUse bumps the per-session usage counter for a command.
func (r *AnalyticsRepository) RecordCommandUse(ctx context.Context, channelID, sessionID, command string) error {
	countWrite(analyticsFamily)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO command_stats (channel_id, session_id, command_name, uses)
		 VALUES ($1, $2, $3, 1)
		 ON CONFLICT (channel_id, session_id, command_name) DO UPDATE SET uses = command_stats.uses + 1`,
		channelID, sessionID, command)
	if err != nil {
		return fmt.Errorf("record command use %s/%s: %w", channelID, command, err)
	}
	return nil
}

// RecordStreamEvent appends a stream event (live, offline, raid, ...).
func (r *AnalyticsRepository) RecordStreamEvent(ctx context.Context, channelID, sessionID, eventType, payload string) error {
	countWrite(analyticsFamily)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO stream_events (channel_id, session_id, event_type, payload) VALUES ($1, $2, $3, NULLIF($4, ''))`,
		channelID, sessionID, eventType, payload)
	if err != nil {
		return fmt.Errorf("record stream event %s/%s: %w", channelID, eventType, err)
	}
	return nil
}

// Summary aggregates one session, served from the short-TTL stats cache.
func (r *AnalyticsRepository) Summary(ctx context.Context, sessionID string) (*SessionSummary, error) {
	if hit, ok := r.stats.Get(sessionID); ok {
		s := hit
		return &s, nil
	}
	countRead(analyticsFamily)
	var sum SessionSummary
	var ended sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT s.session_id, s.channel_id, COALESCE(s.title, ''), s.started_at, s.ended_at,
		        COALESCE((SELECT SUM(uses) FROM command_stats cs WHERE cs.session_id = s.session_id), 0),
		        COALESCE((SELECT COUNT(*) FROM command_stats cs WHERE cs.session_id = s.session_id), 0),
		        COALESCE((SELECT COUNT(*) FROM stream_events se WHERE se.session_id = s.session_id), 0)
		 FROM stream_sessions s WHERE s.session_id = $1`, sessionID).
		Scan(&sum.Session.ID, &sum.Session.ChannelID, &sum.Session.Title, &sum.Session.StartedAt, &ended,
			&sum.CommandUses, &sum.UniqueCommand, &sum.Events)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session summary %s: %w", sessionID, err)
	}
	if ended.Valid {
		t := ended.Time
		sum.Session.EndedAt = &t
	}
	r.stats.Set(sessionID, sum)
	return &sum, nil
}

// TopCommands returns a channel's all-time most used commands.
func (r *AnalyticsRepository) TopCommands(ctx context.Context, channelID string, limit int) ([]CommandCount, error) {
	if limit <= 0 {
		limit = 10
	}
	countRead(analyticsFamily)
	rows, err := r.db.QueryContext(ctx,
		`SELECT command_name, SUM(uses) AS total FROM command_stats
		 WHERE channel_id = $1 GROUP BY command_name ORDER BY total DESC LIMIT $2`,
		channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("top commands for %s: %w", channelID, err)
	}
	defer rows.Close()
	var out []CommandCount
	for rows.Next() {
		var cc CommandCount
		if err := rows.Scan(&cc.Name, &cc.Uses); err != nil {
			return nil, fmt.Errorf("scan command count: %w", err)
		}
		out = append(out, cc)
	}
	return out, rows.Err()
}

// ClearCache empties the stats cache.
func (r *AnalyticsRepository) ClearCache() { r.stats.Clear() }
