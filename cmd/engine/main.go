package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/redis/go-redis/v9"

	"github.com/docflow-go/internal/capabilities"
	"github.com/docflow-go/internal/engine/archive"
	"github.com/docflow-go/internal/engine/binarydata"
	"github.com/docflow-go/internal/engine/dispatch"
	"github.com/docflow-go/internal/engine/pindata"
	"github.com/docflow-go/internal/engine/registry"
	"github.com/docflow-go/internal/engine/schedule"
	"github.com/docflow-go/internal/engine/scheduler"
	"github.com/docflow-go/internal/engine/state"
	"github.com/docflow-go/internal/server"
	wfservice "github.com/docflow-go/internal/workflow"
	"github.com/docflow-go/pkg/cache"
	"github.com/docflow-go/pkg/config"
	"github.com/docflow-go/pkg/database"
	"github.com/docflow-go/pkg/events"
	"github.com/docflow-go/pkg/logger"
	"github.com/docflow-go/pkg/telemetry"
)

func main() {
	// Load configuration
	cfg, err := config.Load("engine")
	if err != nil {
		panic(err)
	}

	// Initialize logger
	log := logger.New(cfg.Logger.ToLoggerConfig())

	// Connect storage
	db, err := database.New(cfg.Database.ToDatabaseConfig())
	if err != nil {
		log.Fatal("Failed to connect database", "error", err)
	}
	dbMonitor := database.NewMonitor(db, log)
	dbMonitor.Start()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	pingCancel()
	if err != nil {
		log.Fatal("Failed to connect redis", "error", err)
	}

	// Event bus: in-process subscribers, mirrored to Kafka when enabled
	var bus events.EventBus = events.NewMemoryEventBus()
	if cfg.Kafka.Enabled {
		kafkaBus, err := events.NewKafkaEventBus(events.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		})
		if err != nil {
			log.Fatal("Failed to create kafka event bus", "error", err)
		}
		bus = events.NewFanoutEventBus(bus, kafkaBus)
	}

	// Tracing
	tel, err := telemetry.New(telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		JaegerURL:    cfg.Telemetry.JaegerURL,
		ServiceName:  cfg.Telemetry.ServiceName,
		SamplingRate: cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		log.Fatal("Failed to initialize telemetry", "error", err)
	}

	// Run state
	st := state.New(db, redisClient, state.Config{
		GuardTTL:    cfg.Engine.StateTTL(),
		SnapshotTTL: cfg.Engine.StateTTL(),
	}, log)
	if err := st.Migrate(); err != nil {
		log.Fatal("Failed to migrate state tables", "error", err)
	}

	// Binary payload offloading
	blobs, err := binarydata.New(cfg.Storage, log)
	if err != nil {
		log.Fatal("Failed to initialize binary store", "error", err)
	}

	// Capability registry and dispatcher
	reg := registry.New(log)
	capabilities.RegisterAll(reg, blobs, log)

	d := dispatch.New(reg, dispatch.Config{
		RetryMaxAttempts:   cfg.Engine.RetryMaxAttempts,
		RetryInitialDelay:  time.Duration(cfg.Engine.RetryInitialMillis) * time.Millisecond,
		RetryMaxDelay:      time.Duration(cfg.Engine.RetryMaxMillis) * time.Millisecond,
		DefaultTimeout:     cfg.Engine.NodeTimeout(),
		RPS:                cfg.Engine.DispatchRPS,
		Burst:              cfg.Engine.DispatchBurst,
		BreakerFailureRate: cfg.Engine.BreakerFailureRate,
	}, tel, log)

	// Pins and scheduler
	pins := pindata.New(db, st, bus, log)
	if err := pins.Migrate(); err != nil {
		log.Fatal("Failed to migrate pin tables", "error", err)
	}

	sched := scheduler.New(scheduler.Config{
		MaxConcurrentNodes: cfg.Engine.MaxConcurrentNodes,
		EventBuffer:        cfg.Engine.EventBuffer,
	}, d, reg, st, pins, bus, log)

	// Workflow definitions, with a cached read path for the scheduler
	defs := cache.NewRedis(redisClient, "workflow", 10*time.Minute)
	workflows := wfservice.New(db, pins, defs, bus, log)
	if err := workflows.Migrate(); err != nil {
		log.Fatal("Failed to migrate workflow tables", "error", err)
	}

	// Cron schedules
	schedules := schedule.New(db, sched, workflows, bus, log)
	if err := schedules.Migrate(); err != nil {
		log.Fatal("Failed to migrate schedule tables", "error", err)
	}
	if cfg.Schedule.Enabled {
		if err := schedules.Start(context.Background()); err != nil {
			log.Fatal("Failed to start schedules", "error", err)
		}
	}

	// Execution archive
	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		esClient, err := elasticsearch.NewClient(elasticsearch.Config{
			Addresses: cfg.Archive.Addresses,
		})
		if err != nil {
			log.Fatal("Failed to create elasticsearch client", "error", err)
		}
		archiver = archive.New(esClient, st, cfg.Archive.Index, log)
		if err := archiver.Start(bus); err != nil {
			log.Fatal("Failed to start archiver", "error", err)
		}
	}

	// API server
	srv, err := server.New(cfg, server.Dependencies{
		Workflows: workflows,
		Scheduler: sched,
		State:     st,
		Pins:      pins,
		Schedules: schedules,
		Archive:   archiver,
		Registry:  reg,
		Telemetry: tel,
		Bus:       bus,
		DB:        db,
		Redis:     redisClient,
	}, log)
	if err != nil {
		log.Fatal("Failed to create server", "error", err)
	}

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal("Failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down engine...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	if cfg.Schedule.Enabled {
		schedules.Stop()
	}
	if archiver != nil {
		archiver.Close()
	}
	st.Close()
	if err := bus.Close(); err != nil {
		log.Error("Failed to close event bus", "error", err)
	}
	if err := redisClient.Close(); err != nil {
		log.Error("Failed to close redis", "error", err)
	}
	dbMonitor.Stop()
	if err := db.Close(); err != nil {
		log.Error("Failed to close database", "error", err)
	}
	if err := tel.Close(); err != nil {
		log.Error("Failed to close telemetry", "error", err)
	}

	log.Info("Engine exited")
}
