package store

import "time"

// Streamer is a watched Twitch identity. Created on first subscription via
// GetOrCreateStreamer; its display name is refreshed on each get-or-create.
type Streamer struct {
	UserID      string
	LoginName   string
	DisplayName string
}

// Subscription binds a Discord channel to a streamer with its own
// configuration. The (ChannelID, StreamerID) pair is unique.
type Subscription struct {
	ID          int64
	GuildID     string
	ChannelID   string
	StreamerID  string
	CreatedBy   string
	CreatedAt   time.Time
	Paused      bool
	EndDelete   bool
	LiveMessage *string
	EndMessage  *string
	ErrorCount  int
}

// Stream is one continuous live session. EndedAt nil means currently live.
type Stream struct {
	ID             int64
	StreamerID     string
	StartedAt      time.Time
	TwitchStreamID string
	GameName       string
	Title          string
	EndedAt        *time.Time
}

// Live reports whether the stream is still open.
func (s *Stream) Live() bool { return s.EndedAt == nil }

// Alert is one posted notification for a (stream, subscription) pair.
// ResolvedAt nil means the alert is still open.
type Alert struct {
	ID             int64
	StreamID       int64
	SubscriptionID int64
	SentAt         time.Time
	MessageID      string
	ResolvedAt     *time.Time
}

// Resolved reports whether the alert has been finalized.
func (a *Alert) Resolved() bool { return a.ResolvedAt != nil }
