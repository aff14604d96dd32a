// Package app wires one delivery worker: configuration, status store,
// template client, delivery engine, broker consumer and the monitoring
// HTTP server. The email and push binaries differ only in the sender they
// hand to Run.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/insider-one/notification-workers/internal/config"
	"github.com/insider-one/notification-workers/internal/domain"
	"github.com/insider-one/notification-workers/internal/handler"
	"github.com/insider-one/notification-workers/internal/metrics"
	"github.com/insider-one/notification-workers/internal/middleware"
	"github.com/insider-one/notification-workers/internal/provider"
	redisrepo "github.com/insider-one/notification-workers/internal/repository/redis"
	"github.com/insider-one/notification-workers/internal/template"
	"github.com/insider-one/notification-workers/internal/worker"
)

// Version is stamped at build time.
var Version = "1.0.0"

// SenderFactory builds the channel-specific provider sender.
type SenderFactory func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (provider.Sender, error)

// Run starts a worker for the given channel and blocks until SIGINT or
// SIGTERM. It returns a non-nil error when startup fails.
func Run(channel domain.Channel, newSender SenderFactory) error {
	// Missing .env is fine in containers; variables come from the runtime.
	_ = godotenv.Load()

	cfg := config.Load(channel)

	logLevel := slog.LevelInfo
	if cfg.App.LogLevel == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", string(channel)+"-worker")
	slog.SetDefault(logger)

	logger.Info("starting worker",
		"env", cfg.App.Env,
		"port", cfg.Server.Port,
		"queue", cfg.Rabbit.Queue,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	statusStore := redisrepo.NewStatusStore(cfg.Redis, channel, logger)
	defer statusStore.Close()

	templateClient := template.NewClient(cfg.Template, logger)

	sender, err := newSender(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build sender: %w", err)
	}

	engine := worker.NewEngine(templateClient, sender, cfg.Breaker, cfg.Retry, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	consumer := worker.NewConsumer(cfg.Rabbit, channel, engine, statusStore, m, cfg.Retry, logger)
	if err := consumer.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect consumer: %w", err)
	}
	defer consumer.Close()

	go observeBreakers(ctx, engine, m)

	healthHandler := handler.NewHealthHandler()
	healthHandler.AddChecker("redis", statusStore)
	healthHandler.AddChecker("rabbitmq", consumer)

	statusHandler := handler.NewStatusHandler(statusStore, engine.Breakers(), channel, Version)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.Correlation)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logging(logger))

	r.Get("/", statusHandler.Info)
	r.Get("/health", healthHandler.Health)
	r.Get("/health/live", healthHandler.Liveness)
	r.Get("/health/ready", healthHandler.Readiness)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Get("/status/{notification_id}", statusHandler.GetStatus)
	r.Get("/circuits", statusHandler.CircuitBreakers)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- consumer.Start(ctx)
	}()

	go func() {
		logger.Info("monitoring server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	consumerStopped := false
	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-consumerDone:
		consumerStopped = true
		if err != nil {
			logger.Error("consumer stopped with error", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Stop consuming; in-flight jobs finish before Start returns.
	consumer.Stop()
	if !consumerStopped {
		select {
		case <-consumerDone:
		case <-shutdownCtx.Done():
			logger.Warn("timed out waiting for in-flight jobs")
		}
	}

	cancel()
	logger.Info("worker stopped")
	return nil
}

// observeBreakers keeps the breaker state gauge current.
func observeBreakers(ctx context.Context, engine *worker.Engine, m *metrics.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, b := range engine.Breakers() {
				m.ObserveBreaker(b.Name(), b.State())
			}
		}
	}
}
