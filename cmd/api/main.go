package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcclellann/loanrecon/pkg/config"
	"github.com/mcclellann/loanrecon/pkg/observability"
	"github.com/mcclellann/loanrecon/pkg/store"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("db_path", cfg.DBPath),
		zap.String("match_tolerance", cfg.MatchTolerance.String()),
		zap.Int("match_workers", cfg.MatchWorkers),
		zap.String("default_late_daily_rate", cfg.DefaultLateDailyRate.String()),
		zap.Duration("late_fee_refresh_interval", cfg.LateFeeRefreshInterval),
	)

	shutdownTracer, err := observability.InitTracer(cfg.OTLPEndpoint, "loanrecon")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer(context.Background())

	metrics := observability.NewMetrics()

	sqliteStore, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		logger.Fatal("failed to initialize SQLite store", zap.Error(err))
	}
	defer sqliteStore.Close()

	server := NewServer(sqliteStore, cfg, logger, metrics)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if _, err := server.recon.RestoreQueue(ctx); err != nil {
		logger.Fatal("failed to restore review queue", zap.Error(err))
	}
	go server.refreshLateFees(ctx, cfg.LateFeeRefreshInterval)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}
