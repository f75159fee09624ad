// Command chat-bridge is the main entrypoint for the Twitch/Discord bridge.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Opens the Discord gateway and the shared bot IRC connection.
//   - Loads bridges and live listeners, then starts the live poller and the
//     token refresher.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status,
//     /metrics, and the OAuth linking endpoints.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/chat-bridge/bridge"
	"github.com/onnwee/chat-bridge/chat"
	"github.com/onnwee/chat-bridge/config"
	"github.com/onnwee/chat-bridge/db"
	"github.com/onnwee/chat-bridge/discord"
	"github.com/onnwee/chat-bridge/identity"
	"github.com/onnwee/chat-bridge/live"
	"github.com/onnwee/chat-bridge/server"
	"github.com/onnwee/chat-bridge/telemetry"
	"github.com/onnwee/chat-bridge/token"
	"github.com/onnwee/chat-bridge/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	initLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateDiscordReady(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateHelixReady(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("chat-bridge", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	// Mirror warnings and errors into the system_log table.
	slog.SetDefault(slog.New(db.NewLogSink(slog.Default().Handler(), database)))

	// Root context with graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appTokens := &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	hx := &twitchapi.Helix{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret, AppTokenSource: appTokens}

	// Best-effort early fetch so a bad client secret fails loudly at startup.
	{
		ctx2, cancel := context.WithTimeout(ctx, 8*time.Second)
		if tok, err := appTokens.Get(ctx2); err != nil {
			slog.Warn("twitch app token fetch failed", slog.Any("err", err))
		} else if len(tok) > 6 {
			slog.Info("twitch app token acquired", slog.String("tail", "***"+tok[len(tok)-6:]))
		}
		cancel()
	}

	idents := identity.NewService(database)

	tokens := token.NewManager(database, cfg.TwitchClientID, cfg.TwitchClientSecret)
	if err := tokens.Load(ctx); err != nil {
		slog.Error("loading stored tokens failed", slog.Any("err", err))
		os.Exit(1)
	}
	tokens.StartRefresher(ctx, 30*time.Minute, 15*time.Minute)

	sessions := token.NewSessionPool(tokens, cfg.SessionIdleTimeout)
	defer sessions.CloseAll()

	// Discord gateway.
	session, err := discord.New(cfg.DiscordToken)
	if err != nil {
		slog.Error("discord connect failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := session.Close(); err != nil {
			slog.Error("discord close failed", slog.Any("err", err))
		}
	}()

	// Shared bot IRC connection. Anonymous works for reading; reverse relay
	// speaks through per-user sessions instead.
	ingest := chat.NewIngest(cfg.TwitchBotUsername, cfg.TwitchOAuthToken)

	bridges := bridge.NewRegistry(database, session, ingest)
	relay := bridge.NewRelay(database, bridges, session, idents, sessions)
	ingest.Bind(relay, session)
	session.BindRelay(relay, &chatModerator{tokens: tokens, helix: hx, bridges: bridges})

	if err := bridges.Load(ctx); err != nil {
		slog.Error("loading bridges failed", slog.Any("err", err))
		os.Exit(1)
	}
	go func() {
		if err := ingest.Run(ctx); err != nil {
			slog.Error("bot irc exited", slog.Any("err", err))
		}
	}()

	// Live notifications.
	listeners := live.NewListenerRegistry(database)
	if err := listeners.Load(ctx); err != nil {
		slog.Error("loading live listeners failed", slog.Any("err", err))
		os.Exit(1)
	}
	poller := live.NewPoller(database, &helixStreams{hx: hx}, session, bridges, listeners)
	poller.SetInterval(cfg.LivePollInterval)
	poller.SetActivityEvery(cfg.ActivityInterval)
	session.BindLiveCleanup(poller)
	go poller.Run(ctx)

	// Moderator roster sync keeps the permission checks behind the slash
	// commands current.
	go runModeratorSync(ctx, hx, tokens, idents, bridges)

	// Slash commands.
	commands := discord.NewCommands(session, bridges, listeners, hx, tokens, idents,
		cfg.DiscordApplicationID, cfg.PublicBaseURL)
	if err := commands.Register(); err != nil {
		slog.Error("registering slash commands failed", slog.Any("err", err))
		os.Exit(1)
	}

	startPprof()

	handlers := server.NewHandlers(database, cfg, bridges, listeners, tokens, idents, hx, session)
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, handlers); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}

// initLogging configures slog from LOG_LEVEL and LOG_FORMAT.
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
	slog.Info("logger initialized", slog.String("level", lvl.String()))
}

// startPprof enables profiling endpoints in debug mode (ENABLE_PPROF=1).
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
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

// helixStreams adapts the Helix client to the poller's stream source.
type helixStreams struct {
	hx *twitchapi.Helix
}

func (h *helixStreams) LiveStreams(ctx context.Context, userIDs []string) ([]live.Stream, error) {
	streams, err := h.hx.LiveStreams(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	return live.FromHelix(streams), nil
}

// chatModerator deletes Twitch chat messages on behalf of the broadcaster
// of whichever bridge the message came through.
type chatModerator struct {
	tokens  *token.Manager
	helix   *twitchapi.Helix
	bridges *bridge.Registry
}

func (c *chatModerator) DeleteChatMessage(ctx context.Context, broadcasterID, messageID string) error {
	access, err := c.tokens.AccessToken(ctx, broadcasterID, "moderator:manage:chat_messages")
	if err != nil {
		return fmt.Errorf("broadcaster token: %w", err)
	}
	return c.helix.DeleteChatMessage(access, broadcasterID, broadcasterID, messageID)
}

// runModeratorSync refreshes each bridged broadcaster's moderator roster once
// at startup and then hourly. Broadcasters without a moderation:read grant
// are skipped quietly.
func runModeratorSync(ctx context.Context, hx *twitchapi.Helix, tokens *token.Manager, idents *identity.Service, bridges *bridge.Registry) {
	sync := func() {
		for _, userID := range bridges.TwitchUserIDs() {
			access, err := tokens.AccessToken(ctx, userID, "moderation:read")
			if err != nil {
				continue
			}
			mods, err := hx.Moderators(access, userID)
			if err != nil {
				slog.Warn("moderator fetch failed", slog.String("twitch_user_id", userID), slog.Any("err", err))
				continue
			}
			roster := make([]identity.TwitchUser, 0, len(mods))
			for _, m := range mods {
				roster = append(roster, identity.TwitchUser{
					ID:          m.UserID,
					Login:       m.UserLogin,
					DisplayName: m.UserName,
				})
			}
			if err := idents.SyncModerators(ctx, userID, roster); err != nil {
				slog.Warn("moderator sync failed", slog.String("twitch_user_id", userID), slog.Any("err", err))
			}
		}
		telemetry.IncCounter(telemetry.ModeratorSyncRuns)
	}

	sync()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sync()
		}
	}
}
