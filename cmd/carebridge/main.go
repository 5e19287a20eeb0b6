package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carebridge/internal/core/ports"
	"carebridge/internal/core/services"
	httphandlers "carebridge/internal/handlers/http"
	"carebridge/internal/infrastructure/middleware"
	"carebridge/internal/infrastructure/monitoring"
	"carebridge/internal/infrastructure/reliability"
	repositories "carebridge/internal/infrastructure/repositories"
	"carebridge/internal/infrastructure/repositories/memory"
	signalbridge "carebridge/internal/infrastructure/signal"
	webrtcinfra "carebridge/internal/infrastructure/webrtc"
	"carebridge/pkg/circuitbreaker"
	"carebridge/pkg/config"
	"carebridge/pkg/logger"
	"carebridge/pkg/retry"
	"carebridge/pkg/tracing"
	"carebridge/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	issueToken := flag.String("issue-token", "", "print an access and refresh token for this staff user id and exit")
	seedPath := flag.String("seed", "", "YAML fixture of carts and rates for the memory repositories")
	flag.Parse()

	startTime := time.Now()
	cfg := loadConfig(*configPath)

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	authService := services.NewAuthService(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenTTL,
		cfg.Auth.RefreshTokenTTL,
	)

	if *issueToken != "" {
		access, err := authService.GenerateToken(*issueToken, *issueToken)
		if err != nil {
			log.Fatalw("failed to issue access token", "error", err)
		}
		refresh, err := authService.GenerateRefreshToken(*issueToken, *issueToken)
		if err != nil {
			log.Fatalw("failed to issue refresh token", "error", err)
		}
		fmt.Printf("access_token=%s\nrefresh_token=%s\n", access, refresh)
		return
	}

	if cfg.Server.InstanceID == "" {
		cfg.Server.InstanceID = utils.GenerateID("node")
	}
	log = log.With("instance_id", cfg.Server.InstanceID)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "carebridge",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	repoFactory, err := repositories.NewRepositoryFactory(ctx, cfg, cfg.Server.InstanceID, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}

	if *seedPath != "" {
		if err := seedMemory(*seedPath, repoFactory.MemoryCarts(), repoFactory.MemoryRates()); err != nil {
			log.Fatalw("failed to seed memory repositories", "error", err)
		}
		log.Infow("seeded memory repositories", "path", *seedPath)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(registry)

	bus := repoFactory.CreateEventBus()
	presence := repoFactory.CreatePresenceRegistry()

	// Media: one SFU room per visit channel.
	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	sfu := webrtcinfra.NewSFUService(webrtcinfra.SFUConfig{
		AppID:              cfg.Visit.AppID,
		ICEServers:         iceServers,
		PortRange:          webrtcinfra.PortRange{Min: cfg.WebRTC.PortRange.Min, Max: cfg.WebRTC.PortRange.Max},
		NegotiationTimeout: cfg.WebRTC.NegotiationTimeout,
	}, authService, bus, presence, collector, log)
	sfu.SetVisitLog(repoFactory.CreateVisitLog())

	visitRepo := repoFactory.CreateVisitRepository()
	visitService := services.NewCachedVisitService(
		services.NewVisitService(
			visitRepo,
			presence,
			authService,
			cfg.Visit.AppID,
			cfg.Visit.TokenTTL,
			log,
			services.WithRoomController(sfu),
			services.WithVisitObserver(collector),
		),
		30*time.Second,
	)

	// Carts: rates go through a per-pharmacy breaker; open breakers are
	// not retried.
	rateSource := reliability.NewRateSourceWrapper(
		repoFactory.CreateRateSource(),
		circuitbreaker.DefaultConfig(),
		collector,
		log,
	)
	catalogCfg := services.DefaultRateCatalogConfig()
	catalogCfg.TTL = cfg.Cart.RateTTL
	catalogCfg.Concurrency = cfg.Cart.FetchConcurrency
	catalogCfg.Retry = retry.Config{
		Enabled:      cfg.Cart.FetchRetries > 0,
		MaxAttempts:  cfg.Cart.FetchRetries,
		InitialDelay: cfg.Cart.FetchRetryDelay,
		MaxDelay:     10 * cfg.Cart.FetchRetryDelay,
		Multiplier:   2,
		Jitter:       true,
		Permanent:    []error{circuitbreaker.ErrOpen},
	}
	cartService := services.NewCartService(services.CartSessionDeps{
		Store:    repoFactory.CreateCartStore(),
		Feed:     repoFactory.CreateCartChangeFeed(),
		Catalog:  services.NewRateCatalog(rateSource, catalogCfg, log),
		Locker:   repoFactory.CreateLocker(),
		Observer: collector,
	}, services.CartServiceConfig{
		Debounce:    cfg.Cart.DebounceWindow,
		IdleTimeout: cfg.Cart.IdleTimeout,
	}, log)
	collector.TrackCartSessions(cartService.Sessions)
	go cartService.Run(ctx)

	wsServer := signalbridge.NewWebSocketServer(bus, authService, collector, signalbridge.BridgeConfig{
		PingInterval:      cfg.Signal.PingInterval,
		ReadTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		SendBuffer:        cfg.Signal.SendBuffer,
		AllowedOrigins:    cfg.Signal.AllowedOrigins,
		MaxMessageSize:    cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		MessagesPerSecond: wsMessageRate(cfg),
		MessageBurst:      cfg.RateLimiting.WebSocket.Burst,
	}, log)

	health := monitoring.NewHealthChecker()
	health.AddRepositoryCheck(visitRepo, cfg.Monitoring.MetricsInterval, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, cfg.Monitoring.MetricsInterval, 2*time.Second)
	}
	if pool := repoFactory.Pool(); pool != nil {
		health.AddPostgresCheck(pool, cfg.Monitoring.MetricsInterval, 2*time.Second)
	}
	health.StartBackgroundChecks(ctx, func(name string, err error) {
		log.Warnw("health check failed", "check", name, "error", err)
	})

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	api := []ports.HTTPHandler{
		httphandlers.NewAuthHandler(authService, int(cfg.Auth.AccessTokenTTL/time.Second)),
		httphandlers.NewVisitHandler(visitService, authService),
		httphandlers.NewMediaHandler(sfu),
		httphandlers.NewCartHandler(cartService, authService),
	}
	for _, h := range api {
		h.SetupRoutes(router)
	}

	router.GET("/ws", middleware.NewWebSocketRateLimitMiddleware(cfg), gin.WrapF(wsServer.HandleWebSocket))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"rooms":       sfu.Rooms(),
			"connections": wsServer.ConnectionCount(),
			"carts":       cartService.Sessions(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		checkCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := repoFactory.HealthCheck(checkCtx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":    "not_ready",
				"timestamp": time.Now(),
				"error":     err.Error(),
			})
			return
		}
		status := health.CheckAll(checkCtx)
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// Event streams and the signaling bridge are long-lived; handlers
		// bound their own writes.
		WriteTimeout: 0,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting carebridge server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down carebridge server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	stop()
	if err := cartService.Close(); err != nil {
		log.Errorw("Error closing cart sessions", "error", err)
	}
	sfu.Close()
	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer provider", "error", err)
	}

	log.Info("carebridge server stopped")
}

func loadConfig(path string) *config.Config {
	paths := []string{path}
	if path == "" {
		paths = []string{
			"configs/config.yaml",
			"./configs/config.yaml",
			"/etc/carebridge/config.yaml",
			"config.yaml",
		}
	}

	var lastErr error
	for _, p := range paths {
		cfg, err := config.Load(p)
		if err == nil {
			return cfg
		}
		lastErr = err
	}
	fmt.Fprintf(os.Stderr, "invalid configuration, using defaults: %v\n", lastErr)
	return config.DefaultConfig()
}

func wsMessageRate(cfg *config.Config) float64 {
	if !cfg.RateLimiting.Enabled {
		return 0
	}
	return cfg.RateLimiting.WebSocket.MessagesPerSecond
}

func seedMemory(path string, carts *memory.MemoryCartStore, rates *memory.MemoryRateSource) error {
	if carts == nil || rates == nil {
		return fmt.Errorf("seeding requires the memory repositories (postgres is enabled)")
	}
	seed, err := memory.LoadSeed(path)
	if err != nil {
		return err
	}
	return seed.Apply(carts, rates)
}
