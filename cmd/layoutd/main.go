package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callgrid/internal/core/domain"
	"callgrid/internal/core/ports"
	"callgrid/internal/core/services"
	httphandlers "callgrid/internal/handlers/http"
	backupinfra "callgrid/internal/infrastructure/backup"
	"callgrid/internal/infrastructure/distributed"
	"callgrid/internal/infrastructure/loadbalancer"
	"callgrid/internal/infrastructure/middleware"
	"callgrid/internal/infrastructure/monitoring"
	repositories "callgrid/internal/infrastructure/repositories"
	signalserver "callgrid/internal/infrastructure/signal"
	webrtcinfra "callgrid/internal/infrastructure/webrtc"
	"callgrid/pkg/backup"
	"callgrid/pkg/config"
	"callgrid/pkg/logger"
	"callgrid/pkg/tracing"
	"callgrid/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/callgrid/config.yaml",
		"config.yaml",
	}
	if env := os.Getenv("CALLGRID_CONFIG"); env != "" {
		configPaths = append([]string{env}, configPaths...)
	}
	if *configPath != "" {
		configPaths = []string{*configPath}
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		if _, statErr := os.Stat(path); statErr != nil {
			continue
		}
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	zapLogger := logger.New(logLevel(cfg), logFormat(cfg))
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err != nil {
		log.Fatalw("failed to load config", "error", err)
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
		log.Info("no config file found, using defaults")
	}

	instanceID := utils.GenerateInstanceID()
	log = log.With("instance_id", instanceID)

	// Tracing
	tracer, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Initialize repository factory
	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	snapshotRepo := repoFactory.CreateSnapshotRepository()
	redisClient := repoFactory.RedisClient()

	collector := monitoring.NewPrometheusCollector(nil)

	// Cross-instance wiring, only with Redis
	var (
		eventBus  *distributed.EventBus
		publisher ports.EventPublisher
		registry  ports.SessionRegistry
	)
	if redisClient != nil {
		eventBus = distributed.NewEventBus(redisClient, cfg.Redis.EventChannel, instanceID, collector, log)
		publisher = eventBus
		registry = distributed.NewSharedSessionRegistry(redisClient, instanceID, 0, log)
	}

	// Initialize services
	layoutService := services.NewLayoutService(
		services.NewGridSolver(domain.AspectBand{Min: cfg.Layout.AspectMin, Max: cfg.Layout.AspectMax}),
		services.NewSlotAllocator(),
		services.LayoutConfig{
			ThumbnailSize:      cfg.Layout.ThumbnailSize,
			StripThreshold:     cfg.Layout.StripThreshold,
			BackCameraFeatured: cfg.Layout.BackCameraFeatured,
		},
		collector,
		log,
	)
	sessionService := services.NewSessionService(layoutService, snapshotRepo, publisher, registry, collector, services.SessionConfig{
		Selection: services.SelectionConfig{
			MaxPinned:               cfg.Layout.MaxPinned,
			DefaultDelay:            cfg.Layout.DefaultDebounce,
			SingleStreamDelay:       cfg.Layout.SingleStreamDebounce,
			AutoPinLocalScreenShare: cfg.Layout.AutoPinLocalScreenShare,
		},
		Constraints: domain.LayoutConstraints{
			MaxMosaicStreams:    cfg.Layout.MaxMosaicStreams,
			MaxThumbnailStreams: cfg.Layout.MaxThumbnailStreams,
			ThumbnailSize:       cfg.Layout.ThumbnailSize,
		},
		DefaultMode:    domain.LayoutMode(cfg.Layout.DefaultMode),
		LayoutCacheTTL: cfg.Layout.LayoutCacheTTL,
	}, log)

	// Session backups
	var scheduler *backupinfra.Scheduler
	if cfg.Backup.Enabled {
		storage, err := backup.NewFileStorage(cfg.Backup.Directory)
		if err != nil {
			log.Fatalw("failed to open backup storage", "error", err)
		}
		backupService := backup.NewBackupService(storage, backupFormatVersion)
		if cfg.Backup.RestoreOnStart {
			restoreCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_, err := backupinfra.NewRestoreService(backupService, sessionService, log).
				RestoreLatest(restoreCtx, backupinfra.RestoreOptions{MaxAge: cfg.Backup.MaxRestoreAge})
			cancel()
			if err != nil {
				log.Errorw("failed to restore sessions", "error", err)
			}
		}
		scheduler = backupinfra.NewScheduler(backupService, sessionService, collector, backupinfra.Config{
			Interval:  cfg.Backup.Interval,
			Retention: cfg.Backup.Retention,
		}, log)
	}

	var sessions ports.SessionService = sessionService
	if eventBus != nil {
		sessions = distributed.NewForwardingSessions(sessionService, eventBus, registry, log)
	}

	authService := services.NewAuthService(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenTTL,
		cfg.Auth.RefreshTokenTTL,
		sessions,
	)

	// WebRTC ingest (including STUN/TURN from config)
	ingestConfig := webrtcinfra.IngestConfig{
		Feed: webrtcinfra.FeedConfig{
			VideoTimeout:     cfg.WebRTC.VideoTimeout,
			KeyframeInterval: cfg.WebRTC.KeyframeRequestInterval,
		},
	}
	if len(cfg.WebRTC.ICEServers) > 0 {
		ingestConfig.ICEServers = []webrtc.ICEServer{{URLs: cfg.WebRTC.ICEServers}}
	}
	ingestConfig.PortRange.Min = cfg.WebRTC.PortMin
	ingestConfig.PortRange.Max = cfg.WebRTC.PortMax
	ingest := webrtcinfra.NewIngest(ingestConfig, sessions, collector, log)

	wsServer := signalserver.NewWebSocketServer(sessions, authService, collector, cfg, log)

	// Health checks
	health := monitoring.NewHealthChecker()
	health.AddSessionCheck(sessions, 30*time.Second, 2*time.Second)
	health.AddRepositoryCheck(snapshotRepo, cfg.Monitoring.MetricsInterval, 2*time.Second)
	if redisClient != nil {
		health.AddRedisCheck(redisClient, cfg.Monitoring.MetricsInterval, 2*time.Second)
		health.AddCheck("snapshot_store", func(ctx context.Context) (bool, error) {
			if err := repoFactory.HealthCheck(ctx); err != nil {
				return false, err
			}
			return true, nil
		}, cfg.Monitoring.MetricsInterval, 2*time.Second)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	health.StartBackgroundChecks(bgCtx)
	if scheduler != nil {
		go scheduler.Start(bgCtx)
	}

	if eventBus != nil {
		go func() {
			if err := eventBus.Subscribe(bgCtx, distributed.SessionHandler(sessionService, log)); err != nil && bgCtx.Err() == nil {
				log.Errorw("event bus subscription ended", "error", err)
			}
		}()
	}

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.AccessLogMiddleware(logger.NewContextLogger(zapLogger)))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if registry != nil {
		cookie := loadbalancer.NewInstanceCookie(cfg.Auth.JWTSecret, "callgrid_instance", time.Hour)
		router.Use(loadbalancer.NewSessionAffinity(instanceID, registry, cookie, log).Middleware())
	}

	httphandlers.NewAuthHandler(authService, cfg.Auth.AccessTokenTTL).SetupRoutes(router)
	httphandlers.NewLayoutHandler(sessions, authService).SetupRoutes(router)
	httphandlers.NewIngestHandler(ingest, authService).SetupRoutes(router)

	router.GET(cfg.Signal.Path, gin.WrapF(wsServer.HandleWebSocket))
	router.GET("/ws/health", gin.WrapF(wsServer.HealthCheck))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"instance_id": instanceID,
		})
	})

	// Readiness endpoint
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := health.CheckAll(ctx)
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

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
		log.Infof("Starting callgrid layout server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signals or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down callgrid layout server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Shutdown HTTP server gracefully
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	wsServer.Shutdown(shutdownCtx)
	if scheduler != nil {
		// last backup before the feeds report the calls as ended
		scheduler.Stop()
		if name, err := scheduler.RunOnce(shutdownCtx); err != nil {
			log.Errorw("final backup failed", "error", err)
		} else {
			log.Infow("final backup created", "backup_name", name)
		}
	}
	ingest.Shutdown()
	sessionService.Shutdown(shutdownCtx)
	if shared, ok := registry.(*distributed.SharedSessionRegistry); ok {
		shared.ReleaseAll(shutdownCtx)
	}
	bgCancel()

	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}

	log.Info("callgrid layout server stopped")
}

const backupFormatVersion = "1"

func logLevel(cfg *config.Config) string {
	if cfg == nil {
		return "info"
	}
	return cfg.Logging.Level
}

func logFormat(cfg *config.Config) string {
	if cfg == nil {
		return "json"
	}
	return cfg.Logging.Format
}
