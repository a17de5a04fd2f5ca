package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lanvoice/internal/core/domain"
	"lanvoice/internal/core/services"
	"lanvoice/internal/infrastructure/middleware"
	"lanvoice/internal/infrastructure/monitoring"
	"lanvoice/internal/infrastructure/repositories/memory"
	signalinfra "lanvoice/internal/infrastructure/signal"
	webrtcinfra "lanvoice/internal/infrastructure/webrtc"
	"lanvoice/pkg/config"
	"lanvoice/pkg/logger"
	"lanvoice/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
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

	if err != nil {
		log.Warnw("could not load config, using defaults", "error", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalw("invalid configuration", "error", err)
	}
	if err := cfg.ValidateSession(); err != nil {
		log.Fatalw("invalid session settings", "error", err)
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

	metrics := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	localID := domain.PeerID(cfg.Session.PeerID)

	engine, err := webrtcinfra.NewEngine(webrtcinfra.NewEngineConfig(cfg), localID, metrics, log)
	if err != nil {
		// nothing has been attempted yet; without a media engine there is no call
		log.Fatalw("media engine unavailable", "error", err)
	}

	var servers []*http.Server
	var relay *signalinfra.WebSocketServer

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
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	channelCfg := signalinfra.NewChannelConfig(cfg)

	if cfg.Session.Host {
		health := monitoring.NewHealthChecker(log)
		rooms := memory.NewMemoryRoomRepository()
		health.AddRoomRepositoryCheck(rooms, cfg.Signal.Room, 30*time.Second, 2*time.Second)

		relay = signalinfra.NewWebSocketServer(signalinfra.NewServerConfig(cfg), rooms, metrics, log)
		relay.Register(router)
		router.GET("/health", health.Handler())

		srv, bound, err := serve(log, "relay", cfg.Signal.ListenAddress, router)
		if err != nil {
			log.Fatalw("failed to start embedded relay", "addr", cfg.Signal.ListenAddress, "error", err)
		}
		servers = append(servers, srv)
		channelCfg.URL = loopbackURL(bound)
	} else if cfg.Monitoring.PrometheusEnabled {
		srv, _, err := serve(log, "metrics", cfg.Monitoring.MetricsAddress, router)
		if err != nil {
			log.Fatalw("failed to start metrics server", "addr", cfg.Monitoring.MetricsAddress, "error", err)
		}
		servers = append(servers, srv)
	}

	channel := signalinfra.NewChannel(channelCfg, localID, metrics, log)
	orch := services.NewOrchestrator(services.NewOrchestratorConfig(cfg), channel, engine, metrics, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := channel.Connect(ctx); err != nil {
		log.Fatalw("failed to reach signaling relay", "url", channelCfg.URL, "error", err)
	}
	log.Infow("joined voice session",
		"peer_id", localID,
		"host", cfg.Session.Host,
		"room", cfg.Signal.Room,
		"url", channelCfg.URL,
	)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("orchestrator stopped", "error", err)
		}
	}()
	go logEvents(log, orch.Events())

	// SIGUSR1 toggles the microphone
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

loop:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGUSR1 {
				enabled := !engine.LocalAudioEnabled()
				orch.SetLocalAudioEnabled(enabled)
				log.Infow("local audio toggled", "enabled", enabled)
				continue
			}
			log.Infow("received shutdown signal", "signal", sig)
			break loop
		case <-runDone:
			break loop
		}
	}

	orch.Shutdown()
	cancel()
	<-runDone

	if err := channel.Close(); err != nil {
		log.Warnw("error closing signaling channel", "error", err)
	}
	if relay != nil {
		relay.Close()
	}
	if err := engine.Close(); err != nil {
		log.Warnw("error closing media engine", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during server shutdown", "addr", srv.Addr, "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error flushing traces", "error", err)
	}

	log.Info("voice session ended")
}

// serve binds addr before returning, so a client dialing the returned
// address right away finds the listener in place.
func serve(log *zap.SugaredLogger, name, addr string, handler http.Handler) (*http.Server, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", err
	}

	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infow("starting http server", "server", name, "addr", srv.Addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorw("http server failed", "server", name, "error", err)
		}
	}()
	return srv, srv.Addr, nil
}

// loopbackURL points the host's own channel at the embedded relay.
func loopbackURL(listen string) string {
	_, port, err := net.SplitHostPort(listen)
	if err != nil || port == "" {
		port = "3000"
	}
	return "ws://" + net.JoinHostPort("127.0.0.1", port) + "/ws"
}

func logEvents(log *zap.SugaredLogger, events <-chan domain.PeerEvent) {
	for ev := range events {
		switch ev.Kind {
		case domain.ConnectionFailed:
			log.Warnw("connection failed", "peer_id", ev.PeerID, "reason", ev.Reason)
		case domain.ConnectivityChanged:
			log.Infow("signaling connectivity", "status", ev.Status)
		default:
			log.Infow(string(ev.Kind), "peer_id", ev.PeerID)
		}
	}
}
