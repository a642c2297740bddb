// Command sharegate is the entrypoint for the gated file-delivery bot and its
// operational HTTP surface. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the bot update loop with its delivery pipeline and retraction
//     scheduler.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, and
//     /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM; scheduled retractions run to
// completion before exit.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/lumabyte/sharegate/bot"
	"github.com/lumabyte/sharegate/config"
	"github.com/lumabyte/sharegate/db"
	"github.com/lumabyte/sharegate/delivery"
	"github.com/lumabyte/sharegate/gate"
	"github.com/lumabyte/sharegate/retract"
	"github.com/lumabyte/sharegate/server"
	"github.com/lumabyte/sharegate/telemetry"
	"github.com/lumabyte/sharegate/tgapi"
	"github.com/lumabyte/sharegate/token"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

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

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("sharegate", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; embedded SQL as fallback for deployments
	// without a schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting embedded SQL fallback",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := &tgapi.Client{Token: cfg.BotToken}
	g := gate.New(api, database, cfg.Admins, cfg.ForceSubChannels)
	scheduler := &retract.Scheduler{API: api, SuccessText: cfg.AutoDelSuccessMsg}
	pipeline := &delivery.Pipeline{
		API:       api,
		Gate:      g,
		Codec:     token.Codec{ChannelID: cfg.ArchiveChannelID},
		Fetcher:   &delivery.Fetcher{API: api, ChannelID: cfg.ArchiveChannelID},
		Scheduler: scheduler,
		Opts: delivery.Options{
			AutoDeleteTime:       cfg.AutoDeleteTime,
			CustomCaption:        cfg.CustomCaption,
			ProtectContent:       cfg.ProtectContent,
			DisableChannelButton: cfg.DisableChannelButton,
			AutoDeleteMsg:        cfg.AutoDeleteMsg,
			FetchingMsg:          "Fetching your files...",
		},
	}

	// Warm the invite-link cache for the active gating channel.
	if ch := g.Channel(ctx); ch != 0 {
		if _, err := g.RefreshInviteLink(ctx, ch); err != nil {
			slog.Warn("could not resolve gating channel invite link", slog.Any("err", err))
		}
	}

	b := bot.New(api, database, cfg, g, pipeline)
	go b.Run(ctx)

	// HTTP server (health/status/metrics)
	go func() {
		if err := server.Start(ctx, database, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal, then drain scheduled retractions.
	<-ctx.Done()
	slog.Info("shutting down, draining retraction jobs")
	scheduler.Wait()
}
