package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"conductor.app/conductor/common/id"
	"conductor.app/conductor/common/logger"
	"conductor.app/conductor/common/otel"
	"conductor.app/conductor/core/config"
	"conductor.app/conductor/core/db"
	"conductor.app/conductor/internal/cache"
	"conductor.app/conductor/internal/envelope"
	"conductor.app/conductor/internal/hub"
	"conductor.app/conductor/internal/queue"
	"conductor.app/conductor/internal/registry"
	"conductor.app/conductor/internal/resilience"
	"conductor.app/conductor/internal/store"
	"conductor.app/conductor/internal/worker"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	slog.InfoContext(ctx, "conductor worker starting",
		"env", cfg.Env,
		"consumer_group", cfg.Dispatch.Group,
		"consumer_name", cfg.Dispatch.Consumer,
		"tenants", cfg.Dispatch.Tenants)

	// Different node ID than the gateway
	if err := id.Init(2); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
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

	// One stream pair per tenant, priority lane first.
	var priorityStreams, standardStreams []string
	for _, tenant := range cfg.Dispatch.Tenants {
		priorityStreams = append(priorityStreams,
			envelope.StreamName(cfg.Dispatch.TargetService, string(envelope.DomainJob), tenant, envelope.LanePriority))
		standardStreams = append(standardStreams,
			envelope.StreamName(cfg.Dispatch.TargetService, string(envelope.DomainJob), tenant, envelope.LaneStandard))
	}

	consumer, err := queue.NewConsumer(redisClient, queue.ConsumerConfig{
		PriorityStreams: priorityStreams,
		StandardStreams: standardStreams,
		Group:           cfg.Dispatch.Group,
		Consumer:        cfg.Dispatch.Consumer,
		DLQStream:       envelope.DLQStreamName(cfg.Dispatch.TargetService),
		BatchSize:       cfg.Dispatch.BatchSize,
		Block:           cfg.Dispatch.Block,
		RequeueDelay:    cfg.Dispatch.RequeueDelay,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create consumer", "error", err)
		os.Exit(1)
	}

	router := &envelope.Router{PriorityThreshold: cfg.Dispatch.PriorityThreshold}
	producer := queue.NewRedisProducer(redisClient, router, queue.ProducerConfig{
		PriorityLaneCap: cfg.Dispatch.PriorityLaneCap,
	}, slog.Default())

	reg := registry.New(registry.Config{
		SourceService:   cfg.OTel.ServiceName,
		TargetService:   cfg.Dispatch.TargetService,
		DefaultPriority: cfg.Dispatch.PriorityThreshold + 4,
	},
		store.NewPostgresJobStore(database),
		store.NewPostgresArchiveStore(database),
		cache.NewRedisStore(redisClient, slog.Default()),
		producer,
		// Subscriber connections live on the gateway; events cross processes
		// over Redis.
		hub.NewRedisPublisher(redisClient, slog.Default()),
		slog.Default(),
	)

	breakers := resilience.NewBreakerSet(resilience.BreakerConfig{
		Interval:     cfg.Resilience.BreakerInterval,
		Timeout:      cfg.Resilience.BreakerTimeout,
		MinRequests:  cfg.Resilience.BreakerMinRequests,
		FailureRatio: cfg.Resilience.BreakerFailureRatio,
	})
	caller := resilience.NewCaller(breakers, slog.Default())

	processors := worker.NewProcessorSet(worker.NewStubProcessor("echo"))

	w := worker.New(consumer, reg, caller, processors, worker.Config{
		MaxAttempts:       cfg.Dispatch.MaxAttempts,
		PriorityThreshold: cfg.Dispatch.PriorityThreshold,
	})

	reclaimer := worker.NewReclaimer(redisClient, worker.ReclaimerConfig{
		Streams:   consumer.Streams(),
		Group:     cfg.Dispatch.Group,
		Consumer:  cfg.Dispatch.Consumer + "-reclaimer",
		MinIdle:   cfg.Dispatch.ReclaimMinIdle,
		Interval:  cfg.Dispatch.ReclaimInterval,
		BatchSize: 10,
	}, w.ProcessReclaimed)

	errCh := make(chan error, 2)
	go func() {
		errCh <- w.Run(ctx)
	}()
	go func() {
		reclaimer.Run(ctx)
		errCh <- nil
	}()

	slog.InfoContext(ctx, "worker initialized and running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop reclaimer first (quick)
	reclaimer.Stop()

	// Stop worker (may be mid-message)
	w.Stop()

	select {
	case <-shutdownCtx.Done():
		slog.WarnContext(ctx, "shutdown timeout exceeded")
	case err := <-errCh:
		if err != nil {
			slog.ErrorContext(ctx, "worker error during shutdown", "error", err)
		}
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "worker shutdown complete")
}
