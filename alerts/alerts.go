// Package alerts implements the presence-reconciliation engine and the alert
// lifecycle: a periodic poller diffs Twitch live state against an in-memory
// cache, and every start/end transition fans out over the subscriptions for
// that streamer, posting or resolving Discord alert messages.
package alerts

import (
	"context"
	"time"

	"github.com/onnwee/stream-alerts/store"
	"github.com/onnwee/stream-alerts/twitchapi"
)

// Store is the durable persistence contract the engine depends on.
// *store.Store satisfies it; tests use an in-memory fake.
type Store interface {
	GetOrCreateStreamer(ctx context.Context, userID, login, display string) (*store.Streamer, error)
	GetStreamer(ctx context.Context, userID string) (*store.Streamer, error)
	DeleteStreamerIfOrphaned(ctx context.Context, userID string) (bool, error)

	CreateSubscription(ctx context.Context, guildID, channelID, streamerID, createdBy string, liveMessage *string) (*store.Subscription, error)
	GetSubscription(ctx context.Context, id int64) (*store.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]*store.Subscription, error)
	ListSubscriptionsByStreamer(ctx context.Context, streamerID string) ([]*store.Subscription, error)
	ListSubscriptionsByGuild(ctx context.Context, guildID string) ([]*store.Subscription, error)
	SetSubscriptionPaused(ctx context.Context, id int64, paused bool) error
	SetSubscriptionEndDelete(ctx context.Context, id int64, endDelete bool) error
	SetSubscriptionLiveMessage(ctx context.Context, id int64, tmpl *string) error
	SetSubscriptionEndMessage(ctx context.Context, id int64, tmpl *string) error
	SetSubscriptionChannel(ctx context.Context, id int64, channelID string) error
	DeleteSubscription(ctx context.Context, id int64) error
	IncrementSubscriptionErrors(ctx context.Context, id int64) (int, error)
	ResetSubscriptionErrors(ctx context.Context, id int64) error

	CreateStream(ctx context.Context, streamerID string, startedAt time.Time, twitchStreamID, gameName, title string) (*store.Stream, error)
	EndStream(ctx context.Context, streamID int64, endedAt time.Time) error
	ListOpenStreams(ctx context.Context) ([]*store.Stream, error)

	CreateAlert(ctx context.Context, streamID, subscriptionID int64, sentAt time.Time, messageID string) (*store.Alert, error)
	GetAlert(ctx context.Context, streamID, subscriptionID int64) (*store.Alert, error)
	ResolveAlert(ctx context.Context, alertID int64, resolvedAt time.Time) error

	TouchHeartbeat(ctx context.Context, key string) error
}

// Capabilities reports what the bot may do in a destination channel.
type Capabilities struct {
	CanSend  bool
	CanEmbed bool
}

// Messenger is the messaging collaborator. Every network call may fail with a
// classified *DeliveryError that callers must tolerate per subscription.
type Messenger interface {
	Capabilities(ctx context.Context, channelID string) (Capabilities, error)
	Send(ctx context.Context, channelID string, doc map[string]any) (messageID string, err error)
	Edit(ctx context.Context, channelID, messageID string, doc map[string]any) error
	Delete(ctx context.Context, channelID, messageID string) error
	Locate(ctx context.Context, channelID, messageID string) (found bool, err error)
}

// Platform is the external streaming-platform query surface.
// *twitchapi.HelixClient satisfies it.
type Platform interface {
	GetStreams(ctx context.Context, userIDs []string) ([]twitchapi.LiveStream, error)
	GetUserByLogin(ctx context.Context, login string) (*twitchapi.User, error)
}
