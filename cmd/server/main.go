// Package main is the entry point for the Koinonia auth server. It loads
// configuration, establishes database connections, runs migrations, wires
// together all plugins, and starts the HTTP server and the expiry sweeper.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koinonia-app/koinonia/internal/app"
	"github.com/koinonia-app/koinonia/internal/config"
	"github.com/koinonia-app/koinonia/internal/database"
	"github.com/koinonia-app/koinonia/internal/oauth"
	"github.com/koinonia-app/koinonia/internal/sweeper"
)

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	// Configure structured logging based on environment.
	setupLogging(cfg)

	slog.Info("starting Koinonia",
		slog.String("env", cfg.Env),
		slog.Int("port", cfg.Port),
	)

	// --- Connect to MariaDB ---
	db, err := database.NewMariaDB(cfg.Database)
	if err != nil {
		slog.Error("failed to connect to MariaDB", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to MariaDB")

	// --- Run Migrations ---
	if err := database.RunMigrations(db, "migrations"); err != nil {
		slog.Error("failed to run migrations", slog.Any("error", err))
		os.Exit(1)
	}

	// --- Connect to Redis ---
	rdb, err := database.NewRedis(cfg.Redis)
	if err != nil {
		slog.Error("failed to connect to Redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer rdb.Close()
	slog.Info("connected to Redis")

	// --- Google OAuth Provider (optional) ---
	// Without credentials the server still runs; the flow endpoints report
	// Google login as disabled.
	var provider oauth.Provider
	if cfg.GoogleEnabled() {
		google, err := oauth.NewGoogleProvider(context.Background(), cfg.Google)
		if err != nil {
			slog.Error("failed to initialize Google OAuth", slog.Any("error", err))
			os.Exit(1)
		}
		provider = google
		slog.Info("Google OAuth enabled")
	} else {
		slog.Warn("Google OAuth disabled: no client credentials configured")
	}

	// --- Create Application ---
	application := app.New(cfg, db, rdb, provider)
	flowRepo, codeRepo := application.RegisterRoutes()

	// --- Expiry Sweeper ---
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go sweeper.New(
		flowRepo, codeRepo,
		cfg.Auth.SweepInterval, cfg.Auth.CompletedRetention,
	).Run(sweepCtx)

	// --- Graceful Shutdown ---
	// Listen for interrupt/term signals to drain connections cleanly.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		slog.Info("shutting down server...")
		stopSweeper()

		// Give in-flight requests 10 seconds to complete. SSE watchers are
		// cut off; clients reconnect or fall back to polling.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := application.Echo.Shutdown(ctx); err != nil {
			slog.Error("server forced shutdown", slog.Any("error", err))
		}
	}()

	// --- Start Server ---
	if err := application.Start(); err != nil {
		// Echo returns http.ErrServerClosed on graceful shutdown, which is expected.
		slog.Info("server stopped", slog.Any("reason", err))
	}
}

// setupLogging configures the global slog logger based on the environment.
// Development uses text format for readability. Production uses JSON for
// structured log aggregation.
func setupLogging(cfg *config.Config) {
	var handler slog.Handler

	if cfg.IsDevelopment() {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLevel(cfg.LogLevel),
		})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLevel(cfg.LogLevel),
		})
	}

	slog.SetDefault(slog.New(handler))
}

// parseLevel maps the LOG_LEVEL config value to a slog level.
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
