package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_handler "forgeos.build/internal/adapters/handler/http"
	"forgeos.build/internal/adapters/handler/mqtt"
	redis_adapter "forgeos.build/internal/adapters/queue/redis"
	"forgeos.build/internal/adapters/repository/pg"
	"forgeos.build/internal/adapters/runtime/docker"
	gitsource "forgeos.build/internal/adapters/source/git"
	"forgeos.build/internal/config"
	"forgeos.build/internal/core/domain"
	"forgeos.build/internal/core/logger"
	"forgeos.build/internal/core/services"
	"forgeos.build/internal/core/tracing"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting forged", "version", version)

	shutdownTracing, err := tracing.Init(cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
	} else {
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				logger.Error("failed to shut down tracing", "error", err)
			}
		}()
	}

	// Storage
	repo, err := pg.NewRepository(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to init postgres", "error", err)
		log.Fatalf("failed to init postgres: %v", err)
	}
	requests := repo.Requests()
	targets := repo.Targets()
	artifacts := repo.Artifacts()

	// Queue and events
	queue, redisClient, err := redis_adapter.NewAdapter(cfg.RedisURL)
	if err != nil {
		logger.Error("failed to init redis", "error", err)
		log.Fatalf("failed to init redis: %v", err)
	}
	deadletter := redis_adapter.NewDeadLetterRecorder(redisClient)

	// Container runtime
	runtime, err := docker.New(cfg.DockerHost, cfg.ImagePrefix)
	if err != nil {
		logger.Error("failed to init docker runtime", "error", err)
		log.Fatalf("failed to init docker runtime: %v", err)
	}

	// Seed declared targets so validator lookups resolve from the start.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, target := range cfg.Catalog.BuildTargets() {
		if err := targets.Upsert(ctx, target); err != nil {
			logger.Error("failed to seed target", "target", target.ID, "error", err)
			log.Fatalf("failed to seed target %s: %v", target.ID, err)
		}
	}

	// Agent pool
	catalog := domain.NewCatalog(cfg.Catalog.Templates)
	pool := services.NewPool(runtime, catalog, services.PoolConfig{
		AcquireTimeout: cfg.AcquireTimeout,
		IdleHorizon:    cfg.IdleHorizon,
		MaxInstanceUse: cfg.MaxInstanceUse,
	})
	go pool.RunReaper(ctx, cfg.ReapInterval)

	// Orchestration
	scheduler := services.NewScheduler(services.SchedulerDeps{
		Validator:  services.NewValidator(targets, cfg.Catalog.ReferenceTarget, cfg.Catalog.SourceProvider),
		Resolver:   services.NewResolver(artifacts),
		Pool:       pool,
		Runtime:    runtime,
		Store:      artifacts,
		Queue:      queue,
		Requests:   requests,
		Targets:    targets,
		PubSub:     queue,
		DeadLetter: deadletter,
		Source:     gitsource.NewResolver(),
	}, cfg.Executors)
	scheduler.Run(ctx)

	periodic := services.NewPeriodicTrigger(scheduler, cfg.Catalog.Schedules)
	go periodic.Run(ctx)

	healthService := services.NewHealthService(repo.DB(), redisClient, runtime, version)

	// Reporters
	hub := http_handler.NewHub(queue)
	go hub.Run()
	go hub.StatusConsumer(ctx)

	if cfg.MQTTBroker != "" {
		mqttPublisher, err := mqtt.NewPublisher(queue, cfg.MQTTBroker)
		if err != nil {
			logger.Error("failed to init MQTT publisher", "error", err)
		} else {
			mqttPublisher.Start(ctx)
			defer mqttPublisher.Close()
		}
	}

	go sampleMetrics(ctx, pool, queue)

	httpServer := http_handler.NewServer(http_handler.ServerDeps{
		Scheduler:  scheduler,
		Pool:       pool,
		Targets:    targets,
		Requests:   requests,
		Store:      artifacts,
		DeadLetter: deadletter,
		Health:     healthService,
		Hub:        hub,
	})

	go func() {
		logger.Info("HTTP server starting", "port", cfg.HTTPPort)
		if err := httpServer.Run(":" + cfg.HTTPPort); err != nil {
			logger.Error("HTTP server failed", "error", err)
			log.Fatalf("failed to serve http: %v", err)
		}
	}()

	// Graceful shutdown: stop dispatching, then drain the pool.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	cancel()
	scheduler.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	pool.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
}

// sampleMetrics exports the per-template instance gauges and the queue
// depth.
func sampleMetrics(ctx context.Context, pool *services.Pool, queue *redis_adapter.Adapter) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			http_handler.SampleAgentInstances(pool.Snapshot())

			if depth, err := queue.Depth(ctx); err == nil {
				http_handler.SetQueueDepth(int(depth))
			}
		}
	}
}
