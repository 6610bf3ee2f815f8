package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/stream-alerts/store"
)

// Service errors surfaced to API callers.
var (
	// ErrStreamerNotFound: the login does not exist on Twitch.
	ErrStreamerNotFound = errors.New("streamer not found")
	// ErrAlreadySubscribed: the channel already has a subscription for
	// this streamer.
	ErrAlreadySubscribed = errors.New("channel already subscribed to this streamer")
)

// Service is the management surface over subscriptions: it resolves logins
// against Twitch, persists the subscription, and keeps the poller's watch
// set in sync with the database.
type Service struct {
	store    Store
	platform Platform
	poller   *Poller
	logger   *slog.Logger
}

// NewService creates a service.
func NewService(st Store, platform Platform, poller *Poller, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		platform: platform,
		poller:   poller,
		logger:   logger.With(slog.String("component", "service")),
	}
}

// CreateSubscription subscribes a Discord channel to a streamer login. The
// login is resolved through Twitch; an optional live message template may be
// supplied (it must already be validated).
func (s *Service) CreateSubscription(ctx context.Context, guildID, channelID, login, createdBy string, liveMessage *string) (*store.Subscription, error) {
	user, err := s.platform.GetUserByLogin(ctx, login)
	if err != nil {
		return nil, fmt.Errorf("resolve login %q: %w", login, err)
	}
	if user == nil {
		return nil, ErrStreamerNotFound
	}

	streamer, err := s.store.GetOrCreateStreamer(ctx, user.ID, user.Login, user.DisplayName)
	if err != nil {
		return nil, fmt.Errorf("upsert streamer: %w", err)
	}

	sub, err := s.store.CreateSubscription(ctx, guildID, channelID, streamer.UserID, createdBy, liveMessage)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrAlreadySubscribed
		}
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	s.poller.Watch(streamer)
	s.logger.Info("subscription created",
		slog.Int64("subscription_id", sub.ID),
		slog.String("streamer", streamer.LoginName),
		slog.String("channel_id", channelID))
	return sub, nil
}

// RemoveSubscription deletes a subscription. When it was the last one for
// its streamer the streamer is unwatched and its row removed; any open
// stream is closed and its alerts resolved on the way out.
func (s *Service) RemoveSubscription(ctx context.Context, id int64) error {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSubscription(ctx, id); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}

	remaining, err := s.store.ListSubscriptionsByStreamer(ctx, sub.StreamerID)
	if err != nil {
		return fmt.Errorf("list remaining subscriptions: %w", err)
	}
	if len(remaining) == 0 {
		s.poller.Unwatch(ctx, sub.StreamerID)
		if _, err := s.store.DeleteStreamerIfOrphaned(ctx, sub.StreamerID); err != nil {
			s.logger.Warn("orphaned streamer cleanup failed",
				slog.String("streamer_id", sub.StreamerID), slog.Any("err", err))
		}
	}
	s.logger.Info("subscription removed", slog.Int64("subscription_id", id))
	return nil
}

// SetPaused pauses or unpauses a subscription. Pausing suppresses dispatch
// only; the streamer stays watched and streams are still tracked.
func (s *Service) SetPaused(ctx context.Context, id int64, paused bool) error {
	return s.UpdateSetting(ctx, id, SettingValue{Kind: SettingPaused, Bool: paused})
}

// UpdateSetting validates and applies a single setting change.
func (s *Service) UpdateSetting(ctx context.Context, id int64, v SettingValue) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if _, err := s.store.GetSubscription(ctx, id); err != nil {
		return err
	}
	switch v.Kind {
	case SettingPaused:
		return s.store.SetSubscriptionPaused(ctx, id, v.Bool)
	case SettingEndDelete:
		return s.store.SetSubscriptionEndDelete(ctx, id, v.Bool)
	case SettingLiveMessage:
		return s.store.SetSubscriptionLiveMessage(ctx, id, v.Text)
	case SettingEndMessage:
		return s.store.SetSubscriptionEndMessage(ctx, id, v.Text)
	case SettingChannel:
		return s.store.SetSubscriptionChannel(ctx, id, *v.Text)
	default:
		return fmt.Errorf("unknown setting %q", v.Kind)
	}
}

// GetSubscription returns a subscription by id.
func (s *Service) GetSubscription(ctx context.Context, id int64) (*store.Subscription, error) {
	return s.store.GetSubscription(ctx, id)
}

// ListSubscriptions returns all subscriptions, optionally filtered by guild.
func (s *Service) ListSubscriptions(ctx context.Context, guildID string) ([]*store.Subscription, error) {
	if guildID != "" {
		return s.store.ListSubscriptionsByGuild(ctx, guildID)
	}
	return s.store.ListSubscriptions(ctx)
}
