// Command stream-alerts is the main entrypoint for the live alert service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Opens the Discord session and the Twitch Helix client.
//   - Starts the presence poller and the event worker pool.
//   - Exposes an HTTP server with /healthz, /readyz, /status, /metrics, and
//     the subscription management API.
//
// Shutdown is graceful on SIGINT/SIGTERM: the poll loop stops first, then
// in-flight dispatch/resolve units are drained.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"

	"github.com/onnwee/stream-alerts/alerts"
	"github.com/onnwee/stream-alerts/config"
	"github.com/onnwee/stream-alerts/db"
	"github.com/onnwee/stream-alerts/discord"
	"github.com/onnwee/stream-alerts/server"
	"github.com/onnwee/stream-alerts/store"
	"github.com/onnwee/stream-alerts/telemetry"
	"github.com/onnwee/stream-alerts/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	logger := slog.Default()

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("stream-alerts", "1.0.0")
	if err != nil {
		logger.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		logger.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			logger.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first, embedded SQL as fallback for deployments
	// that predate the schema_migrations table.
	logger.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		logger.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			logger.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	st := store.New(database)

	// Twitch Helix client with an app access token (client credentials).
	helix := &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
		},
		ClientID: cfg.TwitchClientID,
	}
	tokenCtx, cancelToken := context.WithTimeout(context.Background(), 8*time.Second)
	if _, err := helix.AppTokenSource.Get(tokenCtx); err != nil {
		logger.Warn("twitch app token fetch failed, will retry on first poll", slog.Any("err", err))
	} else {
		logger.Info("twitch app token acquired")
	}
	cancelToken()

	// Discord session. Only REST calls are needed; the gateway connection
	// keeps the bot presence visible and populates session state.
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		logger.Error("failed to create discord session", slog.Any("err", err))
		os.Exit(1)
	}
	session.Identify.Intents = discordgo.IntentsGuilds
	if err := session.Open(); err != nil {
		logger.Error("failed to open discord session", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Error("failed to close discord session", slog.Any("err", err))
		}
	}()
	messenger := discord.NewMessenger(session, session.State.User.ID, logger)
	logger.Info("discord session opened", slog.String("bot", session.State.User.Username))

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Engine: worker pool, dispatcher, resolver, poller.
	pool := alerts.NewPool(cfg.EventWorkers, cfg.EventQueueSize, logger)
	pool.Start(ctx)
	dispatcher := alerts.NewDispatcher(st, messenger, logger, cfg.SubErrorLimit)
	resolver := alerts.NewResolver(st, messenger, logger)
	poller := alerts.NewPoller(st, helix, pool, dispatcher, resolver, logger, alerts.PollerOptions{
		Interval:      cfg.PollInterval,
		PageSize:      cfg.PollPageSize,
		FailFast:      cfg.PollFailFast,
		FullCacheDiff: cfg.PollFullCacheDiff,
	})
	if err := poller.LoadState(ctx); err != nil {
		logger.Error("failed to load poller state", slog.Any("err", err))
		os.Exit(1)
	}
	go func() {
		if err := poller.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("poll loop exited", slog.Any("err", err))
			stop()
		}
	}()

	svc := alerts.NewService(st, helix, poller, logger)

	// HTTP server (health/readiness/status/metrics/subscriptions)
	go func() {
		deps := server.Deps{
			DB:              database,
			Service:         svc,
			Status:          poller,
			Heartbeats:      st,
			MaxHeartbeatAge: 3 * cfg.PollInterval,
		}
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			logger.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal, then drain in-flight alert work.
	<-ctx.Done()
	logger.Info("shutting down", slog.Duration("drain_timeout", cfg.ShutdownDrainTimeout))
	if err := pool.Shutdown(cfg.ShutdownDrainTimeout); err != nil {
		logger.Warn("event pool drain incomplete", slog.Any("err", err))
	}
	logger.Info("shutdown complete")
}
