package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"conductor.app/conductor/common/id"
	"conductor.app/conductor/common/logger"
	"conductor.app/conductor/common/otel"
	"conductor.app/conductor/core/config"
	"conductor.app/conductor/core/db"
	"conductor.app/conductor/internal/cache"
	"conductor.app/conductor/internal/envelope"
	"conductor.app/conductor/internal/http/handler"
	"conductor.app/conductor/internal/http/middleware"
	httprouter "conductor.app/conductor/internal/http/router"
	"conductor.app/conductor/internal/hub"
	"conductor.app/conductor/internal/queue"
	"conductor.app/conductor/internal/registry"
	"conductor.app/conductor/internal/store"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeServer)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		// Can't use slog yet — OTel failed before logger setup
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "conductor gateway starting", "env", cfg.Env, "service", cfg.OTel.ServiceName)
	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected")

	router := &envelope.Router{PriorityThreshold: cfg.Dispatch.PriorityThreshold}
	producer := queue.NewRedisProducer(redisClient, router, queue.ProducerConfig{
		PriorityLaneCap: cfg.Dispatch.PriorityLaneCap,
	}, slog.Default())

	eventHub := hub.New(slog.Default())

	// Events flow through Redis so every gateway replica sees worker-side
	// transitions; the relay feeds this process's hub.
	relay := hub.NewRelay(redisClient, eventHub, slog.Default())
	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	go func() {
		if err := relay.Run(relayCtx); err != nil && relayCtx.Err() == nil {
			slog.ErrorContext(ctx, "event relay stopped", "error", err)
		}
	}()

	reg := registry.New(registry.Config{
		SourceService: cfg.OTel.ServiceName,
		TargetService: cfg.Dispatch.TargetService,
		// Unprioritized submissions ride the standard lane.
		DefaultPriority: cfg.Dispatch.PriorityThreshold + 4,
	},
		store.NewPostgresJobStore(database),
		store.NewPostgresArchiveStore(database),
		cache.NewRedisStore(redisClient, slog.Default()),
		producer,
		hub.NewRedisPublisher(redisClient, slog.Default()),
		slog.Default(),
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := setupRouter(cfg, reg, eventHub)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: subscriber sockets are long-lived.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func setupRouter(cfg config.Config, reg *registry.Registry, eventHub *hub.Hub) *gin.Engine {
	engine := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		engine.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())

	jobHandler := handler.NewJobHandler(reg)
	subscribeHandler := handler.NewSubscribeHandler(reg, eventHub)
	httprouter.SetupRoutes(engine, jobHandler, subscribeHandler)

	return engine
}
