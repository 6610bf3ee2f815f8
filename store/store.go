// Package store implements durable CRUD for streamers, subscriptions, streams
// and alerts on Postgres. All access goes through a *sql.DB with the pgx
// stdlib driver; the poller and dispatch/resolve units are the only writers
// for stream and alert lifecycle fields.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates a unique constraint,
	// e.g. a second subscription for the same (channel, streamer) pair.
	ErrDuplicate = errors.New("already exists")
)

// Store wraps a database handle with typed accessors.
type Store struct {
	db *sql.DB
}

// New returns a Store over the given database handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ----- Streamers -----

// GetOrCreateStreamer atomically inserts the streamer or refreshes its
// login/display name if it already exists.
func (s *Store) GetOrCreateStreamer(ctx context.Context, userID, login, display string) (*Streamer, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO streamers (user_id, login_name, display_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET login_name = EXCLUDED.login_name, display_name = EXCLUDED.display_name
		RETURNING user_id, login_name, display_name`,
		userID, login, display)
	var st Streamer
	if err := row.Scan(&st.UserID, &st.LoginName, &st.DisplayName); err != nil {
		return nil, fmt.Errorf("get or create streamer: %w", err)
	}
	return &st, nil
}

// GetStreamer fetches a streamer by Twitch user id.
func (s *Store) GetStreamer(ctx context.Context, userID string) (*Streamer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, login_name, display_name FROM streamers WHERE user_id = $1`, userID)
	var st Streamer
	if err := row.Scan(&st.UserID, &st.LoginName, &st.DisplayName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get streamer: %w", err)
	}
	return &st, nil
}

// DeleteStreamerIfOrphaned removes a streamer that no subscription references
// anymore. Returns true when a row was deleted. Streams and alerts cascade.
func (s *Store) DeleteStreamerIfOrphaned(ctx context.Context, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM streamers s
		WHERE s.user_id = $1
		  AND NOT EXISTS (SELECT 1 FROM subscriptions WHERE streamer_id = s.user_id)`,
		userID)
	if err != nil {
		return false, fmt.Errorf("delete orphaned streamer: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ----- Subscriptions -----

const subscriptionCols = `subscription_id, guild_id, channel_id, streamer_id, created_by, created_at, paused, end_delete, live_message, end_message, error_count`

func scanSubscription(row interface{ Scan(...any) error }) (*Subscription, error) {
	var sub Subscription
	err := row.Scan(&sub.ID, &sub.GuildID, &sub.ChannelID, &sub.StreamerID, &sub.CreatedBy,
		&sub.CreatedAt, &sub.Paused, &sub.EndDelete, &sub.LiveMessage, &sub.EndMessage, &sub.ErrorCount)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// CreateSubscription inserts a new (channel, streamer) binding.
// Returns ErrDuplicate when the pair is already subscribed.
func (s *Store) CreateSubscription(ctx context.Context, guildID, channelID, streamerID, createdBy string, liveMessage *string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO subscriptions (guild_id, channel_id, streamer_id, created_by, live_message)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+subscriptionCols,
		guildID, channelID, streamerID, createdBy, liveMessage)
	sub, err := scanSubscription(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	return sub, nil
}

// GetSubscription fetches a subscription by id.
func (s *Store) GetSubscription(ctx context.Context, id int64) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE subscription_id = $1`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (s *Store) querySubscriptions(ctx context.Context, query string, args ...any) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()
	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ListSubscriptions returns all subscriptions.
func (s *Store) ListSubscriptions(ctx context.Context) ([]*Subscription, error) {
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions ORDER BY subscription_id`)
}

// ListSubscriptionsByStreamer returns all subscriptions for one streamer,
// in creation order so fan-out is deterministic.
func (s *Store) ListSubscriptionsByStreamer(ctx context.Context, streamerID string) ([]*Subscription, error) {
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE streamer_id = $1 ORDER BY subscription_id`, streamerID)
}

// ListSubscriptionsByGuild returns all subscriptions in a guild.
func (s *Store) ListSubscriptionsByGuild(ctx context.Context, guildID string) ([]*Subscription, error) {
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE guild_id = $1 ORDER BY subscription_id`, guildID)
}

func (s *Store) updateSubscription(ctx context.Context, id int64, column string, value any) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET `+column+` = $1 WHERE subscription_id = $2`, value, id)
	if err != nil {
		return fmt.Errorf("update subscription %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSubscriptionPaused writes the paused flag.
func (s *Store) SetSubscriptionPaused(ctx context.Context, id int64, paused bool) error {
	return s.updateSubscription(ctx, id, "paused", paused)
}

// SetSubscriptionEndDelete writes the end-delete flag.
func (s *Store) SetSubscriptionEndDelete(ctx context.Context, id int64, endDelete bool) error {
	return s.updateSubscription(ctx, id, "end_delete", endDelete)
}

// SetSubscriptionLiveMessage writes the live-message template (nil unsets it).
func (s *Store) SetSubscriptionLiveMessage(ctx context.Context, id int64, tmpl *string) error {
	return s.updateSubscription(ctx, id, "live_message", tmpl)
}

// SetSubscriptionEndMessage writes the end-message template (nil unsets it).
func (s *Store) SetSubscriptionEndMessage(ctx context.Context, id int64, tmpl *string) error {
	return s.updateSubscription(ctx, id, "end_message", tmpl)
}

// SetSubscriptionChannel moves the subscription to another channel.
// Returns ErrDuplicate when the target channel already subscribes the streamer.
func (s *Store) SetSubscriptionChannel(ctx context.Context, id int64, channelID string) error {
	err := s.updateSubscription(ctx, id, "channel_id", channelID)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// DeleteSubscription removes a subscription; its alerts cascade.
func (s *Store) DeleteSubscription(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE subscription_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementSubscriptionErrors bumps the consecutive delivery-error counter
// and returns the new value.
func (s *Store) IncrementSubscriptionErrors(ctx context.Context, id int64) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE subscriptions SET error_count = error_count + 1
		WHERE subscription_id = $1
		RETURNING error_count`, id)
	var n int
	if err := row.Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("increment subscription errors: %w", err)
	}
	return n, nil
}

// ResetSubscriptionErrors clears the consecutive delivery-error counter.
func (s *Store) ResetSubscriptionErrors(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET error_count = 0 WHERE subscription_id = $1 AND error_count <> 0`, id)
	if err != nil {
		return fmt.Errorf("reset subscription errors: %w", err)
	}
	return nil
}

// ----- Streams -----

const streamCols = `stream_id, streamer_id, started_at, twitch_stream_id, game_name, title, ended_at`

func scanStream(row interface{ Scan(...any) error }) (*Stream, error) {
	var st Stream
	err := row.Scan(&st.ID, &st.StreamerID, &st.StartedAt, &st.TwitchStreamID, &st.GameName, &st.Title, &st.EndedAt)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// CreateStream records the start of a live session.
func (s *Store) CreateStream(ctx context.Context, streamerID string, startedAt time.Time, twitchStreamID, gameName, title string) (*Stream, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO streams (streamer_id, started_at, twitch_stream_id, game_name, title)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+streamCols,
		streamerID, startedAt, twitchStreamID, gameName, title)
	st, err := scanStream(row)
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	return st, nil
}

// EndStream closes a live session. Only sets ended_at when still open, so a
// duplicate end-signal is a no-op.
func (s *Store) EndStream(ctx context.Context, streamID int64, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE streams SET ended_at = $1 WHERE stream_id = $2 AND ended_at IS NULL`, endedAt, streamID)
	if err != nil {
		return fmt.Errorf("end stream: %w", err)
	}
	return nil
}

// ListOpenStreams returns all streams with no end time. Used at startup to
// recover sessions that were live across a restart.
func (s *Store) ListOpenStreams(ctx context.Context) ([]*Stream, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+streamCols+` FROM streams WHERE ended_at IS NULL ORDER BY stream_id`)
	if err != nil {
		return nil, fmt.Errorf("list open streams: %w", err)
	}
	defer rows.Close()
	var streams []*Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		streams = append(streams, st)
	}
	return streams, rows.Err()
}

// ----- Alerts -----

const alertCols = `alert_id, stream_id, subscription_id, sent_at, message_id, resolved_at`

func scanAlert(row interface{ Scan(...any) error }) (*Alert, error) {
	var a Alert
	err := row.Scan(&a.ID, &a.StreamID, &a.SubscriptionID, &a.SentAt, &a.MessageID, &a.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAlert records a sent notification. Returns ErrDuplicate when an alert
// already exists for the (stream, subscription) pair.
func (s *Store) CreateAlert(ctx context.Context, streamID, subscriptionID int64, sentAt time.Time, messageID string) (*Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO stream_alerts (stream_id, subscription_id, sent_at, message_id)
		VALUES ($1, $2, $3, $4)
		RETURNING `+alertCols,
		streamID, subscriptionID, sentAt, messageID)
	a, err := scanAlert(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("create alert: %w", err)
	}
	return a, nil
}

// GetAlert fetches the alert for a (stream, subscription) pair.
func (s *Store) GetAlert(ctx context.Context, streamID, subscriptionID int64) (*Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alertCols+` FROM stream_alerts WHERE stream_id = $1 AND subscription_id = $2`,
		streamID, subscriptionID)
	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

// ResolveAlert sets resolved_at once. Repeat calls are no-ops.
func (s *Store) ResolveAlert(ctx context.Context, alertID int64, resolvedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE stream_alerts SET resolved_at = $1 WHERE alert_id = $2 AND resolved_at IS NULL`,
		resolvedAt, alertID)
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	return nil
}

// ----- Heartbeats -----

// TouchHeartbeat upserts a kv row with the current UTC timestamp. The HTTP
// readiness probe uses these to detect a stalled poll loop.
func (s *Store) TouchHeartbeat(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	return nil
}

// GetHeartbeat reads a kv heartbeat value; empty string when absent.
func (s *Store) GetHeartbeat(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get heartbeat: %w", err)
	}
	return v, nil
}
