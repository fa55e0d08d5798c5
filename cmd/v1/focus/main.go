// Command focus is the conference signaling orchestrator: it joins the
// bridge brewery, owns the room -> conference registry, and serves the
// operator HTTP surface.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/auth"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/bridge"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/config"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/health"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/logging"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/meet"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/ratelimit"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/registry"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/rest"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/tracing"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/xmpp"
	"github.com/RoseWrightdev/Conference-Focus/pkg/xmppws"
)

// version is stamped by the build; "dev" otherwise.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Load .env for local development; several paths to cover running from
	// the repo root or the package directory.
	for _, path := range []string{".env", "../../../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	env, err := config.ValidateEnv()
	if err != nil {
		// Logger may not be up yet, so this goes to stderr directly.
		os.Stderr.WriteString("environment validation failed: " + err.Error() + "\n")
		return 1
	}

	if err := logging.Initialize(env.DevelopmentMode); err != nil {
		os.Stderr.WriteString("failed to initialize logger: " + err.Error() + "\n")
		return 1
	}
	ctx := context.Background()

	cfg, err := config.LoadFocusConfig(env.FocusConfigPath)
	if err != nil {
		logging.Error(ctx, "failed to load focus config", zap.Error(err))
		return 1
	}

	// Tracing is optional; without a collector address spans stay local.
	if env.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, "focus", env.OTLPEndpoint)
		if err != nil {
			logging.Error(ctx, "failed to initialize tracing", zap.Error(err))
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	// Authentication is constructed early so a bad JWKS domain fails fast.
	authCfg := cfg.Auth
	authCfg.Type = env.AuthType
	authCfg.JWTDomain = env.JWTDomain
	authCfg.JWTAudience = env.JWTAudience
	if env.SkipAuth {
		authCfg.Type = "NONE"
		logging.Warn(ctx, "authentication disabled, do not use in production")
	}
	authenticator, err := auth.New(ctx, authCfg)
	if err != nil {
		logging.Error(ctx, "failed to build authenticator", zap.Error(err))
		return 1
	}
	sessions := auth.NewSessions(authCfg, nil)

	// Redis is optional; the restart limiter falls back to process memory.
	var redisClient *redis.Client
	if env.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     env.RedisAddr,
			Password: env.RedisPassword,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logging.Warn(ctx, "redis unreachable, using in-memory rate limits", zap.Error(err))
			_ = redisClient.Close()
			redisClient = nil
		}
		defer func() {
			if redisClient != nil {
				_ = redisClient.Close()
			}
		}()
	}
	limiter, err := ratelimit.NewRestartLimiter(cfg.Conference.RestartRequestRateLimits, redisClient, nil)
	if err != nil {
		logging.Error(ctx, "failed to build restart limiter", zap.Error(err))
		return 1
	}

	// Signaling bus connection over websocket framing.
	scheme := "wss"
	if env.DevelopmentMode {
		scheme = "ws"
	}
	wsURL := scheme + "://" + env.XMPPAddr + "/xmpp-websocket"
	dialCtx, cancelDial := context.WithTimeout(ctx, 30*time.Second)
	transport, err := xmppws.Dial(dialCtx, xmppws.Options{
		URL:    wsURL,
		Domain: env.XMPPDomain,
	})
	cancelDial()
	if err != nil {
		logging.Error(ctx, "failed to connect to xmpp", zap.String("url", wsURL), zap.Error(err))
		return 1
	}

	focusJID := xmpp.JID(env.FocusUsername + "@" + env.XMPPDomain + "/focus")
	conn := xmpp.NewConn(transport, focusJID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	connDone := make(chan error, 1)
	go func() {
		conn.SetRegistered(true)
		err := conn.Run(runCtx)
		conn.SetRegistered(false)
		connDone <- err
	}()

	// Bridge fleet and selection.
	selector := bridge.NewSelector(bridge.SelectorConfig{
		StressThreshold:           cfg.Bridge.StressThreshold,
		AverageParticipantStress:  cfg.Bridge.AverageParticipantStress,
		ParticipantRampupInterval: time.Duration(cfg.Bridge.ParticipantRampupInterval) * time.Second,
	}, nil)

	// Conference registry, wired before the brewery so early bridge presence
	// can already retry queued invites.
	store := registry.NewStore(registry.Options{
		Config:   cfg,
		Conn:     conn,
		Selector: selector,
		Limiter:  limiter,
	})
	router := registry.NewRouter(store)
	router.Authenticator = authenticator
	if authCfg.EnableAutoLogin {
		router.Sessions = sessions
	}
	router.Attach(conn)
	go store.Run(runCtx)
	go sessions.Run(runCtx)

	// Brewery room: bridges announce themselves there.
	brewery := xmpp.NewRoom(conn, xmpp.JID(cfg.Bridge.BreweryJid), "focus")
	brewery.AddListener(bridge.NewBreweryListener(selector))
	if err := brewery.Join(runCtx); err != nil {
		logging.Error(ctx, "failed to join bridge brewery", zap.Error(err))
		return 1
	}
	defer brewery.Leave()

	// Detector breweries for optional integrations.
	meetRegistry := meet.NewRegistry(types.Region(cfg.LocalRegion))
	if cfg.Meet.Enabled {
		detectors := map[meet.Kind]string{
			meet.KindRecorder:    cfg.Meet.RecorderBreweryJid,
			meet.KindSIPGateway:  cfg.Meet.SipBreweryJid,
			meet.KindTranscriber: cfg.Meet.TranscriberBreweryJid,
		}
		for kind, jid := range detectors {
			if jid == "" {
				continue
			}
			room := xmpp.NewRoom(conn, xmpp.JID(jid), "focus")
			room.AddListener(meetRegistry.Listener(kind))
			if err := room.Join(runCtx); err != nil {
				logging.Warn(ctx, "failed to join detector brewery",
					zap.String("kind", string(kind)), zap.String("room", jid), zap.Error(err))
				continue
			}
			defer room.Leave()
		}
	}

	// Automatic load redistribution.
	redistributor := bridge.NewRedistributor(bridge.RedistributorConfig{
		Enabled:         cfg.Bridge.LoadRedistribution.Enabled,
		Interval:        time.Duration(cfg.Bridge.LoadRedistribution.Interval) * time.Second,
		Timeout:         time.Duration(cfg.Bridge.LoadRedistribution.Timeout) * time.Second,
		Endpoints:       cfg.Bridge.LoadRedistribution.Endpoints,
		StressThreshold: cfg.Bridge.LoadRedistribution.StressThreshold,
	}, selector, store)
	go redistributor.Run(runCtx)

	// Operator HTTP surface.
	api, err := rest.NewRouter(rest.Options{
		Store:          store,
		Selector:       selector,
		Redistributor:  redistributor,
		Health:         health.NewHandler(conn, selector),
		Version:        version,
		AllowedOrigins: splitOrigins(env.AllowedOrigins),
		APIRate:        env.RateLimitApiGlobal,
	})
	if err != nil {
		logging.Error(ctx, "failed to build http router", zap.Error(err))
		return 1
	}
	srv := &http.Server{
		Addr:    ":" + env.Port,
		Handler: api,
	}
	httpDone := make(chan error, 1)
	go func() {
		logging.Info(ctx, "operator api listening", zap.String("port", env.Port))
		httpDone <- srv.ListenAndServe()
	}()

	// Block until a signal or a fatal component failure.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		logging.Info(ctx, "shutting down", zap.String("signal", sig.String()))
	case err := <-connDone:
		logging.Error(ctx, "xmpp connection lost", zap.Error(err))
		exitCode = 1
	case err := <-httpDone:
		if !errors.Is(err, http.ErrServerClosed) {
			logging.Error(ctx, "http server failed", zap.Error(err))
			exitCode = 1
		}
	}

	// Orderly teardown: stop timers and conferences, close the bus, then
	// drain the HTTP server.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	cancel()
	store.Shutdown("focus shutting down")
	_ = conn.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "http server forced to stop", zap.Error(err))
	}

	logging.Info(ctx, "focus exiting", zap.Int("code", exitCode))
	return exitCode
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
