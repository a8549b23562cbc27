// Package cli provides common CLI initialization utilities.
// This package consolidates repeated initialization patterns across
// cmd/fintrack and cmd/fintrack-worker.
package cli

import (
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"fintrack/internal/config"
	"fintrack/internal/storage"
)

// SetupLogger initializes structured logging with default settings.
// Returns the configured logger and sets it as the default logger.
func SetupLogger() *slog.Logger {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
	return logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on validation failure.
func LoadAndValidateConfig(logger *slog.Logger) *config.Config {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

// OpenStorage opens the local SQLite store with the cleanup policy the
// configuration asks for. Exits the process on failure.
func OpenStorage(logger *slog.Logger, cfg *config.Config) *storage.SQLiteRepository {
	policy := storage.DefaultCleanupPolicy()
	policy.MaxAttempts = cfg.MaxAttempts

	repo, err := storage.NewSQLiteRepository(cfg.DBPath, policy)
	if err != nil {
		logger.Error("Failed to open local storage", "error", err, "path", cfg.DBPath)
		os.Exit(1)
	}
	return repo
}

// FormatSyncTime renders a stored sync timestamp for display.
func FormatSyncTime(unixMillis int64) string {
	if unixMillis == 0 {
		return "never"
	}
	return time.UnixMilli(unixMillis).Local().Format("2006-01-02 15:04:05")
}
