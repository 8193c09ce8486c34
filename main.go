package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cyderes/mail-intake-service/internal/config"
	"github.com/cyderes/mail-intake-service/internal/forwarding"
	"github.com/cyderes/mail-intake-service/internal/ingestion"
	"github.com/cyderes/mail-intake-service/internal/metrics"
	"github.com/cyderes/mail-intake-service/internal/onedrive"
	"github.com/cyderes/mail-intake-service/internal/server"
	"github.com/cyderes/mail-intake-service/internal/storage"
	"github.com/cyderes/mail-intake-service/internal/webhook"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("mail intake exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Initialize storage
	store, err := storage.NewStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	collector := metrics.NewCollector(logger)
	httpClient := &http.Client{Timeout: cfg.Ingestion.Timeout}

	drive, err := onedrive.NewClient(onedrive.Options{
		Config:     cfg.OneDrive,
		HTTPClient: httpClient,
		Errors:     collector,
		Logger:     logger,
		RetryCount: cfg.Ingestion.RetryCount,

		RequestsPerSecond: float64(cfg.OneDrive.RequestsPerSecond),
	})
	if err != nil {
		return err
	}
	hook := webhook.NewClient(cfg.Webhook.URL, cfg.Webhook.Secret, httpClient, logger)

	ingestor, err := ingestion.NewService(cfg.Ingestion, drive, hook, store, collector, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Ingestion.Mode == config.ModeOnce {
		logger.Info("running single ingestion pass")
		return ingestor.RunOnce(ctx)
	}

	guard := forwarding.NewGuard(collector)
	transitions := forwarding.NewService(store, guard, cfg.Forwarding.StrictTransitions, logger)

	httpServer := server.NewServer(cfg.Server, server.Deps{
		Status:     store,
		Ingestion:  ingestor,
		Forwarding: transitions,
		Metrics:    collector,
		Logger:     logger,
	})

	// Start HTTP server
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			stop()
		}
	}()

	// Start ingestion loop
	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Info("starting mail intake", "interval", cfg.Ingestion.Interval, "post_import_action", cfg.Ingestion.PostImportAction)
		if err := ingestor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("ingestion loop error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("ingestion pass did not finish before shutdown timeout")
	}
	logger.Info("shutdown complete")
	return nil
}

func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				a.Value = slog.StringValue(a.Value.Time().Format("2006-01-02 15:04:05.999"))
			}
			return a
		},
	}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
