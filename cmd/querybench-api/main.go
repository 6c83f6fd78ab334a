package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/querybench/querybench/internal/api"
	"github.com/querybench/querybench/internal/app"
	"github.com/querybench/querybench/internal/auth"
	"github.com/querybench/querybench/internal/config"
	"github.com/querybench/querybench/internal/observability"
	"github.com/querybench/querybench/internal/secrets"
)

func main() {
	cfg, err := config.LoadFromEnv("querybench-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	if cfg.Backend.Kind != config.BackendLocal && cfg.Backend.APIKey == "" {
		if store, err := secrets.Open(); err != nil {
			logger.Debug("credential store unavailable", slog.Any("error", err))
		} else if err := secrets.ApplyBackendKey(&cfg, store); err != nil {
			logger.Warn("backend key lookup failed", slog.Any("error", err))
		}
	}

	a, err := app.Open(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to open evaluation database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = a.Close() }()

	pipeline, err := a.NewPipeline(context.Background(), nil)
	if err != nil {
		logger.Error("failed to initialize pipeline", slog.Any("error", err))
		os.Exit(1)
	}

	policy := a.Policy()
	deps := api.Dependencies{
		Logger:            logger,
		Readiness:         api.CombineReadinessChecks(a.Ready),
		DependencyTimeout: time.Second,
		Pipeline:          pipeline,
		Schema:            a.Schema,
		Policy:            &policy,
	}
	if a.Cache != nil {
		deps.SchemaRefresher = a.Cache
	}
	if cfg.Auth.APIKeys != "" {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.APIKeys)
		if err != nil {
			logger.Error("failed to parse api keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("backend", string(cfg.Backend.Kind)),
			slog.String("driver", a.Dialect.Name),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
