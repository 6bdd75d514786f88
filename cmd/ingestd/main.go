// Package main runs the church directory ingestion service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/api"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/app"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/config"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/logging"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/metrics"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/telemetry"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, convErr := strconv.Atoi(port); convErr == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("ingestd exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()
	tp, err := telemetry.InitTracerProvider(ctx, "church-ingest", cfg.Environment)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			logger.Warn("tracer shutdown failed", zap.Error(shutdownErr))
		}
	}()

	services, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init services: %w", err)
	}
	defer services.Close()

	apiServer := api.NewServer(services.Engine, cfg, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}
