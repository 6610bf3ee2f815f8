package alerts

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/stream-alerts/msgtmpl"
	"github.com/onnwee/stream-alerts/store"
	"github.com/onnwee/stream-alerts/telemetry"
)

// Resolver finalizes alerts when a stream ends: depending on subscription
// settings the posted message is deleted, edited to an end message, or left
// as is, and the alert row is marked resolved either way. Resolution is
// idempotent per (stream, subscription) pair.
type Resolver struct {
	store     Store
	messenger Messenger
	logger    *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(st Store, messenger Messenger, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:     st,
		messenger: messenger,
		logger:    logger.With(slog.String("component", "resolver")),
	}
}

// HandleStreamEnd resolves the alerts of every subscription for the ended
// stream. Subscriptions without an alert (paused at dispatch time, or the
// delivery failed) are no-ops.
func (r *Resolver) HandleStreamEnd(ctx context.Context, streamer *store.Streamer, stream *store.Stream) {
	ctx, span := telemetry.StartSpan(ctx, "alerts", "resolver.stream_end")
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "resolver"),
		slog.String("streamer", streamer.LoginName),
		slog.Int64("stream_id", stream.ID))

	telemetry.TimeFunc(telemetry.ResolveDuration, func() {
		subs, err := r.store.ListSubscriptionsByStreamer(ctx, streamer.UserID)
		if err != nil {
			log.Error("list subscriptions failed", slog.Any("err", err))
			telemetry.RecordError(span, err)
			return
		}
		for _, sub := range subs {
			r.resolveOne(ctx, log, sub, streamer, stream)
		}
	})
}

func (r *Resolver) resolveOne(ctx context.Context, log *slog.Logger, sub *store.Subscription, streamer *store.Streamer, stream *store.Stream) {
	log = log.With(slog.Int64("subscription_id", sub.ID), slog.String("channel_id", sub.ChannelID))

	alert, err := r.store.GetAlert(ctx, stream.ID, sub.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Debug("no alert to resolve")
		} else {
			log.Error("alert lookup failed", slog.Any("err", err))
		}
		return
	}
	if alert.Resolved() {
		log.Debug("alert already resolved", slog.Int64("alert_id", alert.ID))
		return
	}

	// Deletion wins over editing when both are configured. All message
	// operations are best effort: a vanished message or channel still
	// resolves the alert.
	if sub.EndDelete || sub.EndMessage != nil {
		located, err := r.messenger.Locate(ctx, sub.ChannelID, alert.MessageID)
		if err != nil {
			log.Warn("message lookup failed", slog.Any("err", err))
		}
		switch {
		case located && sub.EndDelete:
			if err := r.messenger.Delete(ctx, sub.ChannelID, alert.MessageID); err != nil {
				log.Warn("delete alert message failed", slog.Any("err", err))
			}
		case located && sub.EndMessage != nil:
			r.editToEndMessage(ctx, log, sub, streamer, stream, alert)
		}
	}

	if err := r.store.ResolveAlert(ctx, alert.ID, time.Now().UTC()); err != nil {
		log.Error("resolve alert failed", slog.Int64("alert_id", alert.ID), slog.Any("err", err))
		return
	}
	telemetry.AlertsResolved.Inc()
	log.Info("alert resolved", slog.Int64("alert_id", alert.ID))
}

func (r *Resolver) editToEndMessage(ctx context.Context, log *slog.Logger, sub *store.Subscription, streamer *store.Streamer, stream *store.Stream, alert *store.Alert) {
	doc, err := msgtmpl.Render(*sub.EndMessage, msgtmpl.Bindings{
		DisplayName: streamer.DisplayName,
		LoginName:   streamer.LoginName,
		StreamStart: stream.StartedAt,
		StreamEnd:   stream.EndedAt,
	})
	if err != nil {
		log.Error("end message template invalid", slog.Any("err", err))
		return
	}
	if doc == nil {
		return
	}
	if err := r.messenger.Edit(ctx, sub.ChannelID, alert.MessageID, doc); err != nil {
		log.Warn("edit alert message failed", slog.Any("err", err))
	}
}
