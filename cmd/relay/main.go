package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lanvoice/internal/infrastructure/distributed"
	"lanvoice/internal/infrastructure/middleware"
	"lanvoice/internal/infrastructure/monitoring"
	repositories "lanvoice/internal/infrastructure/repositories"
	signalinfra "lanvoice/internal/infrastructure/signal"
	"lanvoice/pkg/config"
	"lanvoice/pkg/logger"
	"lanvoice/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/lanvoice/config.yaml",
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
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := cfg.Validate(); err != nil {
		log.Fatalw("invalid configuration", "error", err)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	rooms := repoFactory.CreateRoomRepository()

	metrics := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	health := monitoring.NewHealthChecker(log)
	health.AddRoomRepositoryCheck(rooms, cfg.Signal.Room, 30*time.Second, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 15*time.Second, 2*time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	health.StartBackgroundChecks(ctx)

	relay := signalinfra.NewWebSocketServer(signalinfra.NewServerConfig(cfg), rooms, metrics, log)

	var bus *distributed.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		instanceID := uuid.NewString()
		bus = distributed.NewEventBus(client, instanceID, log)
		relay.AttachBus(ctx, bus)
		log.Infow("relay fan-out over Redis enabled", "instance_id", instanceID)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLogger(log),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	relay.Register(router)
	router.GET("/health", health.Handler())
	router.GET("/peers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"room":   cfg.Signal.Room,
			"peers":  relay.ConnectedPeers(),
			"uptime": time.Since(startTime).String(),
		})
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:              cfg.Signal.ListenAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signaling relay", "addr", cfg.Signal.ListenAddress, "room", cfg.Signal.Room)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("relay failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	relay.Close()
	if bus != nil {
		if err := bus.Close(); err != nil {
			log.Warnw("error closing relay bus", "error", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	if err := rooms.Close(); err != nil {
		log.Errorw("error closing room repository", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error flushing traces", "error", err)
	}

	log.Info("signaling relay stopped")
}
