// Package main is the entry point for the pod agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"podagent/internal/config"
	"podagent/internal/gateway"
	"podagent/internal/gateway/handlers"
	"podagent/internal/logger"
	"podagent/internal/observability"
	"podagent/internal/operations"
	"podagent/internal/registry"
	"podagent/internal/store/postgres"
	"podagent/internal/tracker"
	"podagent/internal/transport"
	"podagent/internal/worker"
)

const serviceName = "podagent"

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run task archive migrations before starting")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	lg := logger.New(cfg.LogLevel)

	ctx := context.Background()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, serviceName, handlers.DefaultCard.Version, cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()

	// Optional task archive
	trackerCfg := tracker.Config{Retention: cfg.TaskRetention, Logger: lg}
	var archive handlers.Pinger
	if cfg.DatabaseURL != "" {
		db, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to DB: %v", err)
		}
		defer db.Close()

		if *migrateFlag {
			version, err := postgres.Migrate(db.DB())
			if err != nil {
				log.Fatalf("Migration failed: %v", err)
			}
			lg.Info("task archive migrated", "version", version)
		}
		trackerCfg.Archive = db
		archive = db
	}
	tasks := tracker.New(trackerCfg)

	metrics, err := observability.NewMetrics(otel.Meter(serviceName), tasks.InFlight)
	if err != nil {
		log.Printf("Failed to register agent metrics: %v", err)
	}

	// Remote backends
	provisioner, executor, err := backends(cfg, lg)
	if err != nil {
		log.Fatalf("Failed to create backends: %v", err)
	}
	lg.Info("remote backends selected", "provisioner", cfg.Provisioner, "executor", cfg.Executor)

	adapter := transport.New(provisioner, executor, transport.Config{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
		Ceiling:        cfg.Retry.Ceiling,
		PollInterval:   cfg.Retry.PollInterval,
		OnRetry: func(call string, kind transport.Kind) {
			metrics.TransportRetry(call, string(kind))
		},
		Logger: lg,
	})

	signer, err := artifactSigner(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to init artifacts: %v", err)
	}

	// Operations
	reg := registry.New()
	deps := operations.Deps{
		Transport: adapter,
		Tracker:   tasks,
		Defaults: operations.Defaults{
			Image:      cfg.RunPod.Image,
			GPUType:    cfg.RunPod.GPUType,
			RepoURL:    cfg.InsTaG.RepoURL,
			RepoRef:    cfg.InsTaG.RepoRef,
			InstallDir: cfg.InsTaG.InstallDir,
		},
		Artifacts: signer,
		Timeouts:  cfg.Timeouts,
		Logger:    lg,
	}
	if err := operations.Register(reg, deps); err != nil {
		log.Fatalf("Failed to register operations: %v", err)
	}
	reg.Freeze()

	dispatcher := worker.New(tasks, worker.Config{
		Concurrency: cfg.Concurrency,
		CancelWait:  cfg.CancelWait,
		Logger:      lg,
		Metrics:     metrics,
	})
	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()
	go dispatcher.Run(dispatchCtx)

	h := handlers.New(handlers.Config{
		Registry:   reg,
		Tracker:    tasks,
		Dispatcher: dispatcher,
		Archive:    archive,
		SyncWait:   cfg.SyncWait,
		Logger:     lg,
	})

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := gateway.New(addr, h, gateway.Options{
		AuthToken: cfg.AuthToken,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		Metrics:   metricsHandler,
		Logger:    lg,
	})

	go func() {
		lg.Info("pod agent starting", "addr", addr)
		if err := srv.Run(ctx); err != nil {
			lg.Error("server stopped", "error", err)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	lg.Info("shutting down agent")

	// New task requests get 503 while running tasks drain; status and cancel keep working.
	stopDispatch()
	select {
	case <-dispatcher.Done():
	case <-time.After(cfg.ShutdownTimeout):
		lg.Warn("drain timed out, cancelling running tasks", "in_flight", dispatcher.InFlight())
		dispatcher.CancelAll()
		select {
		case <-dispatcher.Done():
		case <-time.After(cfg.CancelWait):
			lg.Error("tasks did not stop after cancellation", "in_flight", dispatcher.InFlight())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("server forced to shutdown", "error", err)
	}
	lg.Info("agent exited")
}
