package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"labelflow/internal/api"
	"labelflow/internal/auth"
	"labelflow/internal/config"
	"labelflow/internal/db"
	"labelflow/internal/logging"
	"labelflow/internal/presence"
	"labelflow/internal/repository"
	"labelflow/internal/services"
	"labelflow/internal/services/collaboration"
	"labelflow/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "json", os.Stderr).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout).With("service", "labelflow")
	logger.Info("starting labelflow collaboration server")

	// Tracing first so every later operation is traced.
	tracingShutdown, err := telemetry.InitTracing("labelflow", cfg.JaegerEndpoint, cfg.TracingEnabled, logger)
	if err != nil {
		logger.Warn("failed to initialize tracing, continuing without it", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingShutdown(ctx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	database, err := db.NewGorm(cfg, logger)
	if err != nil {
		logger.Error("failed to connect to database", "driver", cfg.DBDriver, "error", err)
		os.Exit(1)
	}
	defer database.Close()

	checks := map[string]api.Pinger{"database": database}

	var store presence.Store
	switch cfg.PresenceBackend {
	case config.PresenceMemory:
		logger.Warn("using in-process presence; viewers are not shared between instances")
		store = presence.NewMemoryStore(cfg.PresenceTimeout)
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := presence.NewRedisClient(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer client.Close()

		store = presence.NewRedisStore(client, cfg.PresenceTimeout)
		checks["redis"] = api.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		logger.Info("redis presence store ready", "timeout", cfg.PresenceTimeout)
	}

	userRepo := repository.NewUserRepository(database.DB)
	lockRepo := repository.NewLockRepository(database.DB)

	lockService := services.NewLockService(lockRepo, userRepo, cfg.LockLease, logger)
	tokens := auth.NewTokenService(cfg.SecretKey, userRepo)

	hub := collaboration.NewHub(logger)
	sweeper := collaboration.NewSweeper(store, hub, cfg.PresenceSweepInterval, cfg.StoreTimeout, logger)
	wsHandler := collaboration.NewWebSocketHandler(hub, store, sweeper, tokens, collaboration.HandlerOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		StoreTimeout:   cfg.StoreTimeout,
	}, logger)

	handler := api.NewHandler(lockService, hub, store, wsHandler, checks, cfg.StoreTimeout, logger)
	router := api.SetupRoutes(handler, auth.RequireUser(tokens, logger), cfg.AllowedOrigins, logger)

	// No WriteTimeout: it would also cut hijacked websocket connections.
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server listening",
			"addr", cfg.Addr(),
			"db_driver", cfg.DBDriver,
			"presence_backend", cfg.PresenceBackend,
			"lock_lease", cfg.LockLease,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown does not wait for hijacked connections, so the hub closes
	// them explicitly afterwards.
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("server forced to shutdown", "error", err)
	}
	hub.Shutdown()
	sweeper.Shutdown()

	logger.Info("server shutdown complete")
}
