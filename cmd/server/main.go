package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stagecast/internal/core/ports"
	"stagecast/internal/core/services"
	"stagecast/internal/infrastructure/middleware"
	"stagecast/internal/infrastructure/monitoring"
	"stagecast/internal/infrastructure/repositories/memory"
	redisrepo "stagecast/internal/infrastructure/repositories/redis"
	signalsrv "stagecast/internal/infrastructure/signal"
	webrtcengine "stagecast/internal/infrastructure/webrtc"
	"stagecast/pkg/config"
	"stagecast/pkg/logger"
	"stagecast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Engine
	var iceServers []webrtc.ICEServer
	for _, s := range cfg.Engine.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	engineCfg := webrtcengine.EngineConfig{ICEServers: iceServers}
	engineCfg.PortRange.Min = cfg.Engine.PortRange.Min
	engineCfg.PortRange.Max = cfg.Engine.PortRange.Max
	for _, c := range cfg.Engine.Codecs {
		engineCfg.Codecs = append(engineCfg.Codecs, webrtcengine.CodecConfig{
			MimeType:    c.MimeType,
			ClockRate:   c.ClockRate,
			Channels:    c.Channels,
			PayloadType: c.PayloadType,
		})
	}
	engine, err := webrtcengine.NewEngine(engineCfg, log)
	if err != nil {
		log.Fatalw("failed to initialize media engine", "error", err)
	}

	// Stage directory, optionally published to redis
	var stageStore ports.StageStore
	healthChecker := monitoring.NewHealthChecker()
	if cfg.Redis.Enabled {
		redisClient, err := redisrepo.NewClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize)
		if err != nil {
			log.Fatalw("failed to connect to redis", "error", err, "address", cfg.Redis.Address)
		}
		defer redisClient.Close()
		stageStore = redisrepo.NewRedisStageStore(redisClient, log)
		healthChecker.AddCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}, 2*time.Second)
	}

	stageRepo := memory.NewMemoryStageRepository()
	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	stageService := services.NewStageService(stageRepo, stageStore, log)
	mediaService := services.NewMediaService(engine, log)

	var metrics *monitoring.PrometheusCollector
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector()
	}

	signalServer := signalsrv.NewServer(stageService, mediaService, authService, signalsrv.Options{
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		MessagesPerSecond: cfg.Signal.MessagesPerSecond,
		Burst:             cfg.Signal.Burst,
		MaxMessageBytes:   cfg.Signal.MaxMessageBytes,
	}, metrics, log)
	stageService.SetBroadcaster(signalServer)
	mediaService.SetBroadcaster(signalServer)

	// Router: one listener serves the signaling channel and the auxiliary
	// HTTP routes.
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg.Signal.MessagesPerSecond, cfg.Signal.Burst))

	router.GET("/ws", signalServer.HandleWebSocket)

	// Read-only stage directory for authenticated clients. Passwords never
	// leave the server; membership still goes through the channel.
	router.GET("/stages", middleware.AuthMiddleware(authService), func(c *gin.Context) {
		stages, err := stageRepo.List(c.Request.Context())
		if err != nil {
			c.Error(err)
			return
		}
		out := make([]gin.H, 0, len(stages))
		for _, stage := range stages {
			out = append(out, gin.H{
				"stageId":   stage.ID,
				"stageName": stage.Name,
				"kind":      stage.Kind,
				"mode":      stage.Mode,
				"protected": stage.Password != "",
			})
		}
		c.JSON(http.StatusOK, gin.H{"stages": out})
	})

	router.GET("/health", func(c *gin.Context) {
		status := healthChecker.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":      status.Status,
			"timestamp":   status.Timestamp.Unix(),
			"uptime_sec":  status.UptimeSec,
			"connections": signalServer.ConnectionCount(),
			"checks":      status.Checks,
		})
	})

	router.GET("/timesync", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"time": time.Now().UnixMilli()})
	})

	if metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Infow("starting server",
			"address", cfg.Server.Address,
			"tls", cfg.Server.TLSCert != "",
		)
		var err error
		if cfg.Server.TLSCert != "" {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	signalServer.Shutdown()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("server shutdown failed", "error", err)
	}
	if err := tracerProvider.Shutdown(ctx); err != nil {
		log.Errorw("tracer shutdown failed", "error", err)
	}
	log.Info("server stopped")
}
