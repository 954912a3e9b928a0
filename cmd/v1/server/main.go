package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/signalfish/signal-fish/internal/v1/auth"
	"github.com/signalfish/signal-fish/internal/v1/bus"
	"github.com/signalfish/signal-fish/internal/v1/config"
	"github.com/signalfish/signal-fish/internal/v1/connection"
	"github.com/signalfish/signal-fish/internal/v1/coordinator"
	"github.com/signalfish/signal-fish/internal/v1/health"
	"github.com/signalfish/signal-fish/internal/v1/lock"
	"github.com/signalfish/signal-fish/internal/v1/logging"
	"github.com/signalfish/signal-fish/internal/v1/metrics"
	"github.com/signalfish/signal-fish/internal/v1/middleware"
	"github.com/signalfish/signal-fish/internal/v1/ratelimit"
	"github.com/signalfish/signal-fish/internal/v1/reconnect"
	"github.com/signalfish/signal-fish/internal/v1/router"
	"github.com/signalfish/signal-fish/internal/v1/session"
	"github.com/signalfish/signal-fish/internal/v1/store"
	"github.com/signalfish/signal-fish/internal/v1/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a signal-fish.json config file")
	flag.Parse()

	// Load .env for local development. Try a few paths to handle the
	// different ways the binary gets launched.
	for _, path := range []string{".env", "../../../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.Load(*configPath, stdinIfPiped())
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if err := logging.Initialize(cfg.Server.DevelopmentMode); err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	ctx := context.Background()

	if cfg.Server.DevelopmentMode {
		logging.Warn(ctx, "Running in DEVELOPMENT MODE")
	}

	// --- Subsystems ---
	st := store.NewStore(cfg.Rooms)
	locks := lock.NewRegistry()
	rt := router.New()
	conns := connection.NewManager(cfg.Limits.MaxConnectionsPerIP)
	reconnects := reconnect.NewManager(
		time.Duration(cfg.Reconnect.WindowSecs)*time.Second,
		cfg.Reconnect.EventBufferSize,
	)
	limiter := ratelimit.NewLimiter(time.Minute)
	coord := coordinator.New(cfg, st, locks, rt, conns, reconnects, limiter)
	registry := auth.NewRegistry(cfg.Auth)

	upgrades, err := ratelimit.NewUpgradeLimiter(cfg.WebSocket.UpgradeRateLimit)
	if err != nil {
		return fmt.Errorf("build upgrade limiter: %w", err)
	}

	// --- Redis event bus (optional) ---
	// With the bus down or disabled the server still runs; broadcasts just
	// stay on this instance.
	var busService *bus.Service
	var busProbe health.Pinger
	if cfg.Redis.Enabled {
		busService, err = bus.NewService(cfg.Redis.Addr, cfg.Redis.Password, cfg.Server.InstanceID)
		if err != nil {
			logging.Error(ctx, "Redis unavailable, running in single-instance mode", zap.Error(err))
			busService = nil
		} else {
			logging.Info(ctx, "Redis event bus connected",
				zap.String("addr", cfg.Redis.Addr),
				zap.String("instance", cfg.Server.InstanceID))
			coord.SetBus(busService)
			busProbe = busService
		}
	} else {
		logging.Info(ctx, "Running in single-instance mode (Redis disabled)")
	}

	hub := session.NewHub(cfg, registry, coord, conns, rt, limiter, upgrades)
	task := session.NewCleanupTask(cfg, hub, coord, conns, st, locks, limiter)

	var started atomic.Bool
	healthHandler := health.NewHandler(busProbe, started.Load)

	// --- HTTP surface ---
	if !cfg.Server.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.Correlation())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = cfg.Server.AllowedOrigins
	engine.Use(cors.New(corsCfg))

	engine.GET("/ws", hub.ServeWs)
	engine.GET("/health/live", healthHandler.Liveness)
	engine.GET("/health/ready", healthHandler.Readiness)

	metricsToken := ""
	if cfg.Metrics.RequireAuth {
		metricsToken = cfg.Metrics.BearerToken
	}
	metricsGroup := engine.Group("/metrics", middleware.BearerAuth(metricsToken))
	metricsGroup.GET("", metrics.Handler)
	metricsGroup.GET("/prom", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: engine,
	}

	// --- Run ---
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		logging.Info(gctx, "Server starting", zap.String("addr", srv.Addr))
		// TLS termination happens upstream; the listener is plain HTTP.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		task.Run(gctx)
		return nil
	})

	if busService != nil {
		busService.SubscribeRoomEvents(gctx, func(roomID types.RoomID, payload []byte) {
			rt.BroadcastToRoom(roomID, router.Payload{Data: payload})
		})
	}

	started.Store(true)

	<-gctx.Done()
	logging.Info(ctx, "Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hub.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Server forced to shut down", zap.Error(err))
	}
	if busService != nil {
		if err := busService.Close(); err != nil {
			logging.Error(ctx, "Failed to close Redis connection", zap.Error(err))
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logging.Info(ctx, "Server exited")
	return nil
}

// stdinIfPiped hands stdin to the config loader only when something is
// actually piped in, so an interactive launch never blocks on a read.
func stdinIfPiped() io.Reader {
	info, err := os.Stdin.Stat()
	if err != nil {
		return nil
	}
	if info.Mode()&os.ModeCharDevice != 0 {
		return nil
	}
	return os.Stdin
}
