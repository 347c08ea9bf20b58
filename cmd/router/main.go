package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aigoflow/inference-router/internal/backend"
	"github.com/aigoflow/inference-router/internal/config"
	"github.com/aigoflow/inference-router/internal/executor"
	"github.com/aigoflow/inference-router/internal/handlers"
	"github.com/aigoflow/inference-router/internal/health"
	"github.com/aigoflow/inference-router/internal/metrics"
	"github.com/aigoflow/inference-router/internal/registry"
	"github.com/aigoflow/inference-router/internal/repository"
	"github.com/aigoflow/inference-router/internal/routing"
	"github.com/aigoflow/inference-router/internal/services"
	"github.com/aigoflow/inference-router/internal/store"
	"github.com/aigoflow/inference-router/pkg/server"
)

func main() {
	var configFile = flag.String("config", "", "Optional TOML config file to load")
	var envFile = flag.String("env", "", "Optional .env file to load")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configFile, *envFile)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize database
	_ = os.MkdirAll(filepath.Dir(cfg.DBPath), 0755)
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	db.Event("info", "startup", "Router starting", map[string]interface{}{
		"http_addr": cfg.HTTPAddr,
		"nats_url":  cfg.NatsURL,
		"db_path":   cfg.DBPath,
	})

	repo := repository.NewSQLiteRepository(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Rebuild the registry from the durable mirror
	reg := registry.New(repo.Backend())
	persisted, err := repo.Backend().ListBackends(ctx)
	if err != nil {
		db.Event("error", "registry.failed", "Registry reload failed", map[string]interface{}{
			"error": err.Error(),
		})
		slog.Error("Failed to reload backends", "error", err)
		os.Exit(1)
	}
	for _, b := range persisted {
		if err := reg.Restore(b); err != nil {
			slog.Warn("Skipping persisted backend", "backend_id", b.ID, "error", err)
		}
	}
	db.Event("info", "registry.loaded", "Registry reloaded", map[string]interface{}{
		"backends": len(persisted),
	})

	pool := backend.NewPool()

	monitor := health.NewMonitor(reg, pool, health.Config{
		Interval:      cfg.ProbeInterval,
		Jitter:        cfg.ProbeJitter,
		ProbeTimeout:  cfg.ProbeTimeout,
		FailThreshold: cfg.FailThreshold,
	})

	routerCfg := routing.DefaultConfig()
	routerCfg.ModelListTTL = cfg.ModelListTTL
	router := routing.NewRouter(reg, pool, routerCfg)

	// NATS connection is shared by the work queue, the outcome sink
	// and the heartbeat publisher.
	conn, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		db.Event("error", "nats.failed", "NATS connect failed", map[string]interface{}{
			"nats_url": cfg.NatsURL,
			"error":    err.Error(),
		})
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	// Metrics fan-out: structured log, Prometheus, NATS events and the
	// sqlite outcome log behind a bounded async queue.
	promReg := prometheus.NewRegistry()
	repoSink := metrics.NewAsyncSink(metrics.NewRepoSink(repo), cfg.MetricsQueueDepth)
	sink := metrics.MultiSink{
		metrics.LogSink{},
		metrics.NewPromSink(promReg),
		metrics.NewNATSSink(conn, cfg.OutcomePrefix),
		repoSink,
	}

	exec := executor.NewExecutor(router, pool, sink, executor.Config{
		RequestTimeout:    cfg.RequestTimeout,
		StreamIdleTimeout: cfg.StreamIdleTimeout,
	})

	natsService, err := services.NewNATSService(conn, cfg, exec)
	if err != nil {
		slog.Error("Failed to create NATS service", "error", err)
		os.Exit(1)
	}

	heartbeatService := services.NewHeartbeatService(conn, cfg, reg, natsService)

	chatHandler := handlers.NewChatHandler(exec)
	adminHandler := handlers.NewAdminHandler(reg, monitor, router, pool, repo)
	httpServer := server.NewServer(cfg.HTTPAddr, chatHandler, adminHandler, promReg)

	db.Event("info", "server.ready", "Router ready to accept requests", map[string]interface{}{
		"http_addr":       cfg.HTTPAddr,
		"request_subject": cfg.RequestSubject,
	})

	go func() {
		if err := repoSink.Start(ctx); err != nil {
			slog.Error("Outcome sink failed", "error", err)
		}
	}()

	go func() {
		if err := monitor.Start(ctx); err != nil {
			slog.Error("Health monitor failed", "error", err)
		}
	}()

	go func() {
		if err := httpServer.Start(ctx); err != nil {
			db.Event("error", "http.failed", "HTTP server failed", map[string]interface{}{
				"error": err.Error(),
			})
			slog.Error("HTTP server failed", "error", err)
		}
	}()

	go func() {
		if err := natsService.Start(ctx); err != nil {
			db.Event("error", "nats.failed", "NATS service failed", map[string]interface{}{
				"error": err.Error(),
			})
			slog.Error("NATS service failed", "error", err)
		}
	}()

	go func() {
		if err := heartbeatService.Start(ctx); err != nil {
			slog.Error("Heartbeat service failed", "error", err)
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	db.Event("info", "shutdown", "Router shutting down", nil)
	slog.Info("Shutting down router")
	cancel()
}
