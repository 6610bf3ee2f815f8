// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollCycles     prometheus.Counter
	PollErrors     prometheus.Counter
	AlertsSent     prometheus.Counter
	AlertsFailed   prometheus.Counter
	AlertsResolved prometheus.Counter
	AutoPauses     prometheus.Counter

	// Histograms (seconds)
	PollDuration     prometheus.Observer
	DispatchDuration prometheus.Observer
	ResolveDuration  prometheus.Observer

	// Gauges
	WatchedStreamersGauge prometheus.Gauge
	LiveStreamsGauge      prometheus.Gauge
	EventQueueDepthGauge  prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "alerts_poll_cycles_total", Help: "Number of presence poll cycles completed"})
		PollErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "alerts_poll_errors_total", Help: "Number of presence poll cycles that failed"})
		AlertsSent = promauto.NewCounter(prometheus.CounterOpts{Name: "alerts_sent_total", Help: "Number of live alerts successfully sent"})
		AlertsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "alerts_failed_total", Help: "Number of per-subscription alert deliveries that failed"})
		AlertsResolved = promauto.NewCounter(prometheus.CounterOpts{Name: "alerts_resolved_total", Help: "Number of alerts resolved after stream end"})
		AutoPauses = promauto.NewCounter(prometheus.CounterOpts{Name: "alerts_auto_pauses_total", Help: "Number of subscriptions auto-paused after repeated delivery errors"})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "alerts_poll_duration_seconds", Help: "Presence poll cycle duration seconds", Buckets: prometheus.DefBuckets})
		DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "alerts_dispatch_duration_seconds", Help: "Start-transition dispatch duration seconds", Buckets: prometheus.DefBuckets})
		ResolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "alerts_resolve_duration_seconds", Help: "End-transition resolve duration seconds", Buckets: prometheus.DefBuckets})
		WatchedStreamersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "alerts_watched_streamers", Help: "Current number of watched streamers"})
		LiveStreamsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "alerts_live_streams", Help: "Current number of streams in the live cache"})
		EventQueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "alerts_event_queue_depth", Help: "Current number of queued dispatch/resolve units"})
	})
}

// SetWatchState records the watch-set and live-cache sizes.
func SetWatchState(watched, live int) {
	if WatchedStreamersGauge != nil {
		WatchedStreamersGauge.Set(float64(watched))
	}
	if LiveStreamsGauge != nil {
		LiveStreamsGauge.Set(float64(live))
	}
}

// SetEventQueueDepth records the number of queued event units.
func SetEventQueueDepth(n int) {
	if EventQueueDepthGauge != nil {
		EventQueueDepthGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
