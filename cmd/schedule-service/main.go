package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gorm.io/gorm"

	"schedule-service/internal/config"
	"schedule-service/internal/engine"
	"schedule-service/internal/httpapi"
	"schedule-service/internal/store"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "/data/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("config load failed", "path", configPath, "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", "path", configPath, "error", err)
		os.Exit(1)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		slog.Error("db connect failed", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("store init failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := engine.New(repo, *cfg, engine.Options{})
	if count, err := eng.MigrateLegacy(ctx); err != nil {
		slog.Warn("legacy schedule import failed", "error", err)
	} else if count > 0 {
		slog.Info("legacy schedule import finished", "imported", count)
	}
	if err := eng.Start(ctx); err != nil {
		slog.Error("engine start failed", "error", err)
		os.Exit(1)
	}

	srv := httpapi.New(eng, configPath)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("schedule-service listening", "addr", addr, "platform_configured", cfg.Configured())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case <-ctx.Done():
	}
	slog.Info("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	eng.Stop()
	cancel()
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return store.OpenPostgres(
			cfg.Database.User,
			cfg.Database.Password,
			cfg.Database.Name,
			cfg.Database.Host,
			cfg.Database.Port,
			cfg.Database.SSLMode,
		)
	default:
		return store.OpenSQLite(cfg.Database.SQLitePath)
	}
}

var logLevels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

func setupLogging(level string) {
	lvl, ok := logLevels[strings.ToLower(strings.TrimSpace(level))]
	if !ok {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(
		slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
