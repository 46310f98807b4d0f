package main

import (
	"context"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"coderoom/internal/core/ports"
	"coderoom/internal/core/services"
	httphandlers "coderoom/internal/handlers/http"
	"coderoom/internal/infrastructure/broadcast"
	"coderoom/internal/infrastructure/middleware"
	"coderoom/internal/infrastructure/monitoring"
	"coderoom/internal/infrastructure/repositories/memory"
	redisrepo "coderoom/internal/infrastructure/repositories/redis"
	"coderoom/internal/infrastructure/signal"
	"coderoom/pkg/config"
	"coderoom/pkg/logger"
	"coderoom/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/coderoom/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	// Initialize logger
	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	// Initialize tracing
	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "coderoom",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Initialize repositories
	roomRepo := memory.NewMemoryRoomRepository()

	var snapshotRepo ports.SnapshotRepository
	var redisClient *goredis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redisrepo.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log)
		if err != nil {
			log.Fatalw("failed to connect to Redis", "error", err)
		}
		snapshotRepo = redisrepo.NewRedisSnapshotRepository(redisClient, cfg.Redis.SnapshotTTL)
	} else {
		snapshotRepo = memory.NewMemorySnapshotRepository()
	}

	// Initialize monitoring
	prometheusCollector := monitoring.NewPrometheusCollector()

	// Initialize broadcaster and services
	broadcaster := broadcast.NewBroadcaster(broadcast.Config{
		FullStateInterval:     cfg.Broadcast.FullStateInterval,
		CodeChangeInterval:    cfg.Broadcast.CodeChangeInterval,
		RoomStateConnInterval: cfg.Broadcast.RoomStateConnInterval,
		RoomStatePerMinute:    cfg.Broadcast.RoomStatePerMinute,
	}, prometheusCollector, log)

	membershipService := services.NewMembershipService(log)
	permissionService := services.NewPermissionService()
	coordinator := services.NewSessionService(
		roomRepo,
		snapshotRepo,
		membershipService,
		permissionService,
		broadcaster,
		prometheusCollector,
		log,
	)

	// Initialize WebSocket server
	wsServer := signal.NewWebSocketServer(coordinator, broadcaster, prometheusCollector, log)
	wsServer.SetPingInterval(cfg.Signal.PingInterval)
	wsServer.SetPongTimeout(cfg.Signal.PongTimeout)

	// Health checks
	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddCheck("rooms", func(ctx context.Context) (bool, error) {
		_, err := roomRepo.Count(ctx)
		return err == nil, err
	}, 2*time.Second)
	if redisClient != nil {
		healthChecker.AddCheck("redis", func(ctx context.Context) (bool, error) {
			err := redisClient.Ping(ctx).Err()
			return err == nil, err
		}, 2*time.Second)
	}

	// Initialize HTTP handlers
	roomHandler := httphandlers.NewRoomHandler(coordinator, healthChecker)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	roomHandler.SetupRoutes(router)

	// Event transport endpoint
	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))

	// Prometheus metrics endpoint
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting coderoom coordinator on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signals or server error
	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down coderoom coordinator...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting connections, then close the live ones
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}
	wsServer.CloseAll()

	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer provider", "error", err)
	}

	if redisClient != nil {
		if err := redisrepo.CloseRedisClient(redisClient); err != nil {
			log.Errorw("Error closing Redis client", "error", err)
		}
	}

	log.Info("coderoom coordinator stopped")
}
