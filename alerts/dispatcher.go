package alerts

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/stream-alerts/msgtmpl"
	"github.com/onnwee/stream-alerts/store"
	"github.com/onnwee/stream-alerts/telemetry"
	"github.com/onnwee/stream-alerts/twitchapi"
)

// Dispatcher posts live alerts for every subscription of a streamer when a
// start transition fires. Failures are isolated per subscription: one broken
// channel never blocks the rest of the batch.
type Dispatcher struct {
	store      Store
	messenger  Messenger
	logger     *slog.Logger
	errorLimit int
}

// NewDispatcher creates a dispatcher. errorLimit is the consecutive delivery
// failure count at which a subscription is auto-paused; zero disables
// auto-pausing.
func NewDispatcher(st Store, messenger Messenger, logger *slog.Logger, errorLimit int) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:      st,
		messenger:  messenger,
		logger:     logger.With(slog.String("component", "dispatcher")),
		errorLimit: errorLimit,
	}
}

// HandleStreamStart fans a start transition out over the streamer's
// subscriptions. Safe to call more than once for the same stream: already
// posted alerts are detected and skipped.
func (d *Dispatcher) HandleStreamStart(ctx context.Context, streamer *store.Streamer, stream *store.Stream, ls twitchapi.LiveStream) {
	ctx, span := telemetry.StartSpan(ctx, "alerts", "dispatcher.stream_start")
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "dispatcher"),
		slog.String("streamer", streamer.LoginName),
		slog.Int64("stream_id", stream.ID))

	telemetry.TimeFunc(telemetry.DispatchDuration, func() {
		subs, err := d.store.ListSubscriptionsByStreamer(ctx, streamer.UserID)
		if err != nil {
			log.Error("list subscriptions failed", slog.Any("err", err))
			telemetry.RecordError(span, err)
			return
		}
		for _, sub := range subs {
			d.dispatchOne(ctx, log, sub, streamer, stream, ls)
		}
	})
}

func (d *Dispatcher) dispatchOne(ctx context.Context, log *slog.Logger, sub *store.Subscription, streamer *store.Streamer, stream *store.Stream, ls twitchapi.LiveStream) {
	log = log.With(slog.Int64("subscription_id", sub.ID), slog.String("channel_id", sub.ChannelID))

	if sub.Paused {
		log.Debug("subscription paused, skipping dispatch")
		return
	}

	// Restart or retry guard: if an alert row already exists for this
	// (stream, subscription) pair the message was posted before.
	if existing, err := d.store.GetAlert(ctx, stream.ID, sub.ID); err == nil && existing != nil {
		log.Debug("alert already posted, skipping", slog.Int64("alert_id", existing.ID))
		return
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error("alert lookup failed", slog.Any("err", err))
		return
	}

	// The streamer may have been removed between the transition and this
	// unit running; that race is benign.
	if _, err := d.store.GetStreamer(ctx, streamer.UserID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error("streamer lookup failed", slog.Any("err", err))
		}
		return
	}

	caps, err := d.messenger.Capabilities(ctx, sub.ChannelID)
	if err != nil {
		log.Warn("capability check failed", slog.Any("err", err))
		d.recordSubscriptionError(ctx, log, sub)
		return
	}
	if !caps.CanSend || !caps.CanEmbed {
		log.Warn("missing send or embed permission in channel")
		d.recordSubscriptionError(ctx, log, sub)
		return
	}

	tmpl := msgtmpl.DefaultLiveMessage
	if sub.LiveMessage != nil {
		tmpl = *sub.LiveMessage
	}
	doc, err := msgtmpl.Render(tmpl, msgtmpl.Bindings{
		DisplayName: streamer.DisplayName,
		LoginName:   streamer.LoginName,
		StreamStart: stream.StartedAt,
	})
	if err != nil {
		// Setters validate templates, so this is a stored-data bug.
		log.Error("live message template invalid", slog.Any("err", err))
		return
	}
	if doc == nil {
		log.Debug("empty live message, nothing to post")
		return
	}

	messageID, err := d.messenger.Send(ctx, sub.ChannelID, doc)
	if err != nil {
		telemetry.AlertsFailed.Inc()
		if de, ok := AsDeliveryError(err); ok {
			log.Warn("alert delivery failed",
				slog.String("kind", de.Kind.String()), slog.Any("err", err))
			d.recordSubscriptionError(ctx, log, sub)
		} else {
			log.Error("alert delivery failed", slog.Any("err", err))
		}
		return
	}

	if _, err := d.store.CreateAlert(ctx, stream.ID, sub.ID, time.Now().UTC(), messageID); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost a race with a concurrent dispatch for the same pair.
			log.Warn("duplicate alert row, message may be doubled",
				slog.String("message_id", messageID))
		} else {
			log.Error("record alert failed",
				slog.String("message_id", messageID), slog.Any("err", err))
		}
		return
	}

	if sub.ErrorCount > 0 {
		if err := d.store.ResetSubscriptionErrors(ctx, sub.ID); err != nil {
			log.Warn("reset error count failed", slog.Any("err", err))
		}
	}
	telemetry.AlertsSent.Inc()
	log.Info("alert posted", slog.String("message_id", messageID))
}

// recordSubscriptionError bumps the subscription's consecutive failure count
// and auto-pauses it at the configured limit, so a dead channel stops
// burning API calls until an operator unpauses it.
func (d *Dispatcher) recordSubscriptionError(ctx context.Context, log *slog.Logger, sub *store.Subscription) {
	count, err := d.store.IncrementSubscriptionErrors(ctx, sub.ID)
	if err != nil {
		log.Warn("increment error count failed", slog.Any("err", err))
		return
	}
	if d.errorLimit <= 0 || count < d.errorLimit {
		return
	}
	if err := d.store.SetSubscriptionPaused(ctx, sub.ID, true); err != nil {
		log.Error("auto-pause failed", slog.Any("err", err))
		return
	}
	if err := d.store.ResetSubscriptionErrors(ctx, sub.ID); err != nil {
		log.Warn("reset error count failed", slog.Any("err", err))
	}
	telemetry.AutoPauses.Inc()
	log.Warn("subscription auto-paused after repeated delivery errors",
		slog.Int("errors", count))
}
