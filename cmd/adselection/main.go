package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/adselection/internal/config"
	"github.com/radiusdt/adselection/internal/database"
	"github.com/radiusdt/adselection/internal/httpserver"
	"github.com/radiusdt/adselection/internal/metrics"
	"github.com/radiusdt/adselection/internal/middleware"
	"github.com/radiusdt/adselection/internal/telemetry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	format := cfg.Log.Format
	if cfg.IsDevelopment() {
		format = "console"
	}
	logger, err := middleware.NewLogger(cfg.Log.Level, format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting ad selection service",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics("adselection")
	}

	// Storage backends fall back to memory when unavailable.
	var db *database.PostgresDB
	if cfg.Database.Enabled {
		db, err = database.NewPostgresDB(ctx, cfg.Database, logger)
		if err != nil {
			logger.Warn("PostgreSQL not available, using in-memory storage", zap.Error(err))
			db = nil
		} else {
			defer db.Close()
			go db.ReportStats(ctx, m, 15*time.Second)
		}
	}

	var rdb *database.RedisDB
	if cfg.Redis.Enabled {
		rdb, err = database.NewRedisDB(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Warn("Redis not available, frequency caps and HTTP cache stay in memory", zap.Error(err))
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	stats := telemetry.MultiLogger{telemetry.NewZapLogger(logger)}
	if cfg.ClickHouse.Enabled {
		ch, err := telemetry.NewClickHouseLogger(ctx, cfg.ClickHouse, logger)
		if err != nil {
			logger.Warn("ClickHouse not available, API call stats are only logged", zap.Error(err))
		} else {
			defer ch.Close()
			stats = append(stats, ch)
		}
	}

	server := httpserver.NewServer(&httpserver.Dependencies{
		DB:        db,
		Redis:     rdb,
		Config:    cfg,
		Logger:    logger,
		Metrics:   m,
		Telemetry: stats,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.Auction.OverallTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	// Let in-flight reports finish before the stores close.
	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("background reports still running at shutdown")
	}

	logger.Info("server stopped")
}
