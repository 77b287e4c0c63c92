// Command backend is the main entrypoint for the streamwarden bot and API.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Builds the cached repositories and wires them to the pg_notify change
//     bus and the warm/refresh coordinator.
//   - Starts background jobs: chat bot, birthday reminders, stream session
//     tracking, and the OAuth token refresher.
//   - Exposes an HTTP server with health, status, metrics, OAuth onboarding,
//     and channel/command management.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/streamwarden/backend/bot"
	"github.com/onnwee/streamwarden/backend/command"
	"github.com/onnwee/streamwarden/backend/config"
	"github.com/onnwee/streamwarden/backend/coordinator"
	"github.com/onnwee/streamwarden/backend/db"
	"github.com/onnwee/streamwarden/backend/notify"
	"github.com/onnwee/streamwarden/backend/oauth"
	"github.com/onnwee/streamwarden/backend/repo"
	"github.com/onnwee/streamwarden/backend/server"
	"github.com/onnwee/streamwarden/backend/telemetry"
	"github.com/onnwee/streamwarden/backend/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	initLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("streamwarden", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

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

	// Versioned migrations first, embedded SQL as fallback for deployments
	// predating the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Repositories share one notification bus; every write fans out through it.
	bus := &notify.Bus{DB: database}
	channels := repo.NewChannelRepository(database, bus, cfg.CacheCapacity, cfg.ChannelCacheTTL)
	commands := repo.NewCommandConfigRepository(database, bus, cfg.CacheCapacity, cfg.CommandCacheTTL)
	birthdays := repo.NewBirthdayRepository(database, bus, cfg.CacheCapacity, cfg.BirthdayCacheTTL)
	analytics := repo.NewAnalyticsRepository(database, cfg.CacheCapacity, cfg.StatsCacheTTL)
	tokens := repo.NewTokenRepository(database, bus, cfg.CacheCapacity, cfg.TokenCacheTTL)

	coord := &coordinator.Coordinator{
		Channels:  channels,
		Commands:  commands,
		Birthdays: birthdays,
		Tokens:    tokens,
		Interval:  cfg.RefreshInterval,
	}

	listener := &notify.Listener{DSN: cfg.DBDsn, ReconnectDelay: cfg.ReconnectDelay}
	listener.Subscribe(coord.HandleEvent)
	go listener.Run(ctx)
	go coord.Run(ctx)

	helix := twitchapi.NewClient(cfg.TwitchClientID, cfg.TwitchClientSecret)
	oauthCfg := twitchapi.OAuthConfig(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchRedirectURI, cfg.TwitchScopes)

	// Chat bot (requires bot credentials; API-only mode without them).
	b := &bot.Bot{
		Username:  cfg.TwitchBotUsername,
		Token:     cfg.TwitchOAuthToken,
		Prefix:    cfg.CommandPrefix,
		Channels:  channels,
		Commands:  commands,
		Birthdays: birthdays,
		Analytics: analytics,
		Helix:     helix,
		Cooldowns: command.NewCooldownTracker(),
		KV:        &db.KV{DB: database},
	}
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Warn("chat bot disabled", slog.Any("err", err))
	} else {
		b.ResumeSessions(ctx)
		go func() {
			if err := b.Run(ctx); err != nil {
				slog.Error("chat bot exited with error", slog.Any("err", err))
			}
		}()
		go b.RunBirthdayReminders(ctx, time.Hour)
		go b.RunSessionTracker(ctx, time.Minute)
	}

	// Rotate broadcaster tokens before they lapse.
	refresher := &oauth.Refresher{
		Tokens: tokens,
		Refresh: func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
			tok, err := twitchapi.RefreshUserToken(rctx, oauthCfg, refreshToken)
			if err != nil {
				return "", "", time.Time{}, "", err
			}
			return tok.AccessToken, tok.RefreshToken, twitchapi.ComputeExpiry(tok.Expiry), twitchapi.TokenScopes(tok), nil
		},
	}
	go refresher.Run(ctx)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	handlers := &server.Handlers{
		DB:        database,
		Channels:  channels,
		Commands:  commands,
		Analytics: analytics,
		Tokens:    tokens,
		State:     coord,
		Helix:     helix,
		OAuth:     oauthCfg,
	}
	go func() {
		if err := server.Start(ctx, handlers, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}

// initLogging configures slog level and format from LOG_LEVEL / LOG_FORMAT.
// Defaults: level=info, format=text.
func initLogging() {
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
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))
}
