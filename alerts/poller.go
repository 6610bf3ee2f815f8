package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/stream-alerts/store"
	"github.com/onnwee/stream-alerts/telemetry"
	"github.com/onnwee/stream-alerts/twitchapi"
)

const heartbeatKey = "poller_heartbeat"

// maxBackoffFactor caps the interval multiplier after consecutive poll
// failures, so a long Helix outage degrades to a slow poll, not a stampede.
const maxBackoffFactor = 8

// PollerOptions configures a Poller.
type PollerOptions struct {
	// Interval is the fixed sleep between poll cycles. The effective period
	// is Interval plus processing time.
	Interval time.Duration
	// PageSize is the number of streamer ids queried per cycle, at most
	// twitchapi.MaxIDsPerRequest.
	PageSize int
	// FailFast stops the loop on the first poll error instead of backing off.
	FailFast bool
	// FullCacheDiff compares the whole live cache against each page's
	// results, ending cached streams whose ids were not in the queried page.
	// Only useful when the watch set fits in a single page.
	FullCacheDiff bool
}

// Poller reconciles the watch set against Twitch live state. Each cycle it
// queries one page of watched streamer ids, diffs the results against the
// in-memory live cache, and hands start/end transitions to the dispatcher and
// resolver through the worker pool.
type Poller struct {
	store      Store
	platform   Platform
	pool       *Pool
	dispatcher *Dispatcher
	resolver   *Resolver
	logger     *slog.Logger
	opts       PollerOptions

	mu       sync.Mutex
	watching map[string]*store.Streamer // user id -> streamer
	live     map[string]*store.Stream   // user id -> open stream
	pageIdx  int
}

// NewPoller creates a poller. LoadState must be called before Run.
func NewPoller(st Store, platform Platform, pool *Pool, dispatcher *Dispatcher, resolver *Resolver, logger *slog.Logger, opts PollerOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.PageSize <= 0 || opts.PageSize > twitchapi.MaxIDsPerRequest {
		opts.PageSize = twitchapi.MaxIDsPerRequest
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		store:      st,
		platform:   platform,
		pool:       pool,
		dispatcher: dispatcher,
		resolver:   resolver,
		logger:     logger.With(slog.String("component", "poller")),
		opts:       opts,
		watching:   make(map[string]*store.Streamer),
		live:       make(map[string]*store.Stream),
	}
}

// LoadState rebuilds the watch set and live cache from the database, so a
// restart does not re-announce streams that were already live. Open streams
// whose streamer no longer has subscriptions are still tracked until they
// end, so their alerts get resolved.
func (p *Poller) LoadState(ctx context.Context) error {
	subs, err := p.store.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	open, err := p.store.ListOpenStreams(ctx)
	if err != nil {
		return fmt.Errorf("load open streams: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range subs {
		if _, ok := p.watching[sub.StreamerID]; ok {
			continue
		}
		streamer, err := p.store.GetStreamer(ctx, sub.StreamerID)
		if err != nil {
			return fmt.Errorf("load streamer %s: %w", sub.StreamerID, err)
		}
		p.watching[sub.StreamerID] = streamer
	}
	for _, s := range open {
		p.live[s.StreamerID] = s
		if _, ok := p.watching[s.StreamerID]; ok {
			continue
		}
		streamer, err := p.store.GetStreamer(ctx, s.StreamerID)
		if err != nil {
			return fmt.Errorf("load streamer %s: %w", s.StreamerID, err)
		}
		p.watching[s.StreamerID] = streamer
	}
	telemetry.SetWatchState(len(p.watching), len(p.live))
	p.logger.Info("poller state loaded",
		slog.Int("watching", len(p.watching)),
		slog.Int("live", len(p.live)))
	return nil
}

// Run executes the poll loop until ctx is cancelled. Each cycle sleeps the
// configured interval first and then polls, so the effective period is the
// interval plus processing time. Poll errors are logged and backed off
// unless FailFast is set.
func (p *Poller) Run(ctx context.Context) error {
	consecutiveFailures := 0
	timer := time.NewTimer(p.interval(consecutiveFailures))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			telemetry.PollErrors.Inc()
			if p.opts.FailFast {
				return fmt.Errorf("poll cycle: %w", err)
			}
			consecutiveFailures++
			p.logger.Error("poll cycle failed",
				slog.Any("err", err),
				slog.Int("consecutive_failures", consecutiveFailures))
		} else {
			consecutiveFailures = 0
		}
		timer.Reset(p.interval(consecutiveFailures))
	}
}

func (p *Poller) interval(failures int) time.Duration {
	factor := 1
	for i := 0; i < failures && factor < maxBackoffFactor; i++ {
		factor *= 2
	}
	return p.opts.Interval * time.Duration(factor)
}

// PollOnce runs a single reconciliation cycle over the next page of the
// watch set.
func (p *Poller) PollOnce(ctx context.Context) error {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, span := telemetry.StartSpan(ctx, "alerts", "poller.poll_once")
	defer span.End()

	var err error
	telemetry.TimeFunc(telemetry.PollDuration, func() {
		err = p.pollOnce(ctx)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.PollCycles.Inc()
	if hbErr := p.store.TouchHeartbeat(ctx, heartbeatKey); hbErr != nil {
		p.logger.Warn("heartbeat update failed", slog.Any("err", hbErr))
	}
	return nil
}

func (p *Poller) pollOnce(ctx context.Context) error {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "poller"))

	page := p.nextPage()
	if len(page) == 0 {
		return nil
	}

	streams, err := p.platform.GetStreams(ctx, page)
	if err != nil {
		return fmt.Errorf("get streams: %w", err)
	}

	liveNow := make(map[string]twitchapi.LiveStream, len(streams))
	for _, s := range streams {
		liveNow[s.UserID] = s
	}

	type startEvent struct {
		streamer *store.Streamer
		ls       twitchapi.LiveStream
	}
	type endEvent struct {
		streamer *store.Streamer
		stream   *store.Stream
	}
	var started []startEvent
	var ended []endEvent

	p.mu.Lock()
	for id, ls := range liveNow {
		streamer, ok := p.watching[id]
		if !ok {
			// Unwatched between page snapshot and response.
			continue
		}
		if _, isLive := p.live[id]; !isLive {
			started = append(started, startEvent{streamer: streamer, ls: ls})
		}
	}
	watchedOrStub := func(id string) *store.Streamer {
		if s, ok := p.watching[id]; ok {
			return s
		}
		return &store.Streamer{UserID: id}
	}
	if p.opts.FullCacheDiff {
		for id, stream := range p.live {
			if _, stillLive := liveNow[id]; !stillLive {
				ended = append(ended, endEvent{streamer: watchedOrStub(id), stream: stream})
			}
		}
	} else {
		// Only ids actually queried this cycle can be declared ended;
		// cached streams outside the page are left alone.
		for _, id := range page {
			stream, isLive := p.live[id]
			if !isLive {
				continue
			}
			if _, stillLive := liveNow[id]; !stillLive {
				ended = append(ended, endEvent{streamer: watchedOrStub(id), stream: stream})
			}
		}
	}
	p.mu.Unlock()

	now := time.Now().UTC()
	for _, ev := range started {
		stream, err := p.store.CreateStream(ctx, ev.streamer.UserID, ev.ls.StartedAt, ev.ls.ID, ev.ls.GameName, ev.ls.Title)
		if err != nil {
			log.Error("create stream failed",
				slog.String("streamer", ev.streamer.LoginName), slog.Any("err", err))
			continue
		}
		p.mu.Lock()
		_, watched := p.watching[ev.streamer.UserID]
		if watched {
			p.live[ev.streamer.UserID] = stream
		}
		p.mu.Unlock()
		if !watched {
			// Unwatched while the stream row was being created. Close it
			// right away: no future page will ever visit this id again.
			if err := p.store.EndStream(ctx, stream.ID, now); err != nil {
				log.Error("end stream failed",
					slog.Int64("stream_id", stream.ID), slog.Any("err", err))
			}
			log.Info("stream closed, streamer unwatched mid-transition",
				slog.String("streamer", ev.streamer.LoginName),
				slog.Int64("stream_id", stream.ID))
			continue
		}
		log.Info("stream started",
			slog.String("streamer", ev.streamer.LoginName),
			slog.Int64("stream_id", stream.ID))
		streamer, ls := ev.streamer, ev.ls
		if err := p.pool.Submit(ctx, "dispatch", func(tctx context.Context) {
			p.dispatcher.HandleStreamStart(tctx, streamer, stream, ls)
		}); err != nil {
			log.Error("submit dispatch failed", slog.Any("err", err))
		}
	}
	for _, ev := range ended {
		p.mu.Lock()
		delete(p.live, ev.streamer.UserID)
		p.mu.Unlock()
		if err := p.store.EndStream(ctx, ev.stream.ID, now); err != nil {
			log.Error("end stream failed",
				slog.Int64("stream_id", ev.stream.ID), slog.Any("err", err))
		}
		endedAt := now
		ev.stream.EndedAt = &endedAt
		log.Info("stream ended",
			slog.String("streamer", ev.streamer.LoginName),
			slog.Int64("stream_id", ev.stream.ID))
		streamer, stream := ev.streamer, ev.stream
		if err := p.pool.Submit(ctx, "resolve", func(tctx context.Context) {
			p.resolver.HandleStreamEnd(tctx, streamer, stream)
		}); err != nil {
			log.Error("submit resolve failed", slog.Any("err", err))
		}
	}

	p.mu.Lock()
	telemetry.SetWatchState(len(p.watching), len(p.live))
	p.mu.Unlock()
	return nil
}

// nextPage returns the current page of watched ids and advances the rotating
// page index. Ids are sorted so page membership is stable between cycles as
// long as the watch set does not change.
func (p *Poller) nextPage() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.watching) == 0 {
		p.pageIdx = 0
		return nil
	}
	ids := make([]string, 0, len(p.watching))
	for id := range p.watching {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	numPages := (len(ids) + p.opts.PageSize - 1) / p.opts.PageSize
	if p.pageIdx >= numPages {
		p.pageIdx = 0
	}
	start := p.pageIdx * p.opts.PageSize
	end := start + p.opts.PageSize
	if end > len(ids) {
		end = len(ids)
	}
	p.pageIdx = (p.pageIdx + 1) % numPages
	return ids[start:end]
}

// Watch adds a streamer to the watch set. Idempotent.
func (p *Poller) Watch(streamer *store.Streamer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watching[streamer.UserID] = streamer
	telemetry.SetWatchState(len(p.watching), len(p.live))
}

// Unwatch removes a streamer from the watch set. If the streamer is in the
// live cache its stream is closed and its alerts are resolved, since nothing
// would ever end it otherwise.
func (p *Poller) Unwatch(ctx context.Context, userID string) {
	p.mu.Lock()
	streamer := p.watching[userID]
	stream := p.live[userID]
	delete(p.watching, userID)
	delete(p.live, userID)
	telemetry.SetWatchState(len(p.watching), len(p.live))
	p.mu.Unlock()

	if stream == nil {
		return
	}
	now := time.Now().UTC()
	if err := p.store.EndStream(ctx, stream.ID, now); err != nil {
		p.logger.Error("end stream on unwatch failed",
			slog.Int64("stream_id", stream.ID), slog.Any("err", err))
	}
	stream.EndedAt = &now
	if streamer == nil {
		streamer = &store.Streamer{UserID: userID}
	}
	if err := p.pool.Submit(ctx, "resolve", func(tctx context.Context) {
		p.resolver.HandleStreamEnd(tctx, streamer, stream)
	}); err != nil {
		p.logger.Error("submit resolve on unwatch failed", slog.Any("err", err))
	}
}

// Snapshot reports the current watch state for the status endpoint.
type Snapshot struct {
	Watching  []string `json:"watching"`
	Live      []string `json:"live"`
	PageIndex int      `json:"page_index"`
}

// Snapshot returns a copy of the current watch state with sorted login names.
func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := Snapshot{
		Watching:  make([]string, 0, len(p.watching)),
		Live:      make([]string, 0, len(p.live)),
		PageIndex: p.pageIdx,
	}
	for _, s := range p.watching {
		snap.Watching = append(snap.Watching, s.LoginName)
	}
	for id := range p.live {
		if s, ok := p.watching[id]; ok {
			snap.Live = append(snap.Live, s.LoginName)
		} else {
			snap.Live = append(snap.Live, id)
		}
	}
	sort.Strings(snap.Watching)
	sort.Strings(snap.Live)
	return snap
}
