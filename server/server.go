// Package server exposes the HTTP API: health and readiness probes, the
// poller status endpoint, Prometheus metrics, and subscription management.
// Correlation IDs are injected into request contexts for consistent logging.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/stream-alerts/alerts"
	"github.com/onnwee/stream-alerts/store"
	"github.com/onnwee/stream-alerts/telemetry"
)

// Deps carries the collaborators the handlers need.
type Deps struct {
	DB      *sql.DB
	Service SubscriptionService
	Status  StatusSource
	// Heartbeats reads the poller heartbeat for readiness checks.
	Heartbeats HeartbeatSource
	// MaxHeartbeatAge is how stale the poller heartbeat may be before the
	// service reports not ready. Zero disables the check.
	MaxHeartbeatAge time.Duration
}

// SubscriptionService is the management surface the API exposes.
// *alerts.Service satisfies it.
type SubscriptionService interface {
	CreateSubscription(ctx context.Context, guildID, channelID, login, createdBy string, liveMessage *string) (*store.Subscription, error)
	RemoveSubscription(ctx context.Context, id int64) error
	SetPaused(ctx context.Context, id int64, paused bool) error
	UpdateSetting(ctx context.Context, id int64, v alerts.SettingValue) error
	GetSubscription(ctx context.Context, id int64) (*store.Subscription, error)
	ListSubscriptions(ctx context.Context, guildID string) ([]*store.Subscription, error)
}

// StatusSource reports the poller's watch state. *alerts.Poller satisfies it.
type StatusSource interface {
	Snapshot() alerts.Snapshot
}

// HeartbeatSource reads kv heartbeat values. *store.Store satisfies it.
type HeartbeatSource interface {
	GetHeartbeat(ctx context.Context, key string) (string, error)
}

// NewMux returns the HTTP handler with all routes.
func NewMux(deps Deps) http.Handler {
	handlers := NewHandlers(deps)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)
	mux.HandleFunc("/status", handlers.HandleStatus)
	mux.HandleFunc("/subscriptions", handlers.HandleSubscriptions)
	mux.HandleFunc("/subscriptions/", handlers.HandleSubscriptionByID)

	// Correlation ID injection and tracing around every request.
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start",
			slog.String("method", r.Method), slog.String("path", r.URL.Path),
			slog.String("component", "http"))

		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(wrapped, r.WithContext(ctx))

		if wrapped.statusCode >= 400 {
			telemetry.RecordError(span, fmt.Errorf("HTTP %d", wrapped.statusCode))
		}
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
