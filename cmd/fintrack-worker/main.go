package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"fintrack/internal/cli"
	"fintrack/internal/connectivity"
	"fintrack/internal/remote"
	syncengine "fintrack/internal/sync"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger()

	logger.Info("Starting fintrack-worker")

	cfg := cli.LoadAndValidateConfig(logger)

	repo := cli.OpenStorage(logger, cfg)
	defer repo.Close()

	client := remote.NewClient(cfg.ServerBaseURL, cfg.TokenPagePath, cfg.RequestTimeout)

	monitor := connectivity.NewMonitor(func(ctx context.Context) bool {
		probeCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
		defer cancel()
		return client.Reachable(probeCtx)
	}, cfg.ProbeInterval)

	engineConfig := syncengine.DefaultConfig()
	engineConfig.DispatchDelay = cfg.DispatchDelay
	engineConfig.ReconnectDebounce = cfg.ReconnectDebounce
	engineConfig.SyncInterval = cfg.SyncInterval
	engine := syncengine.NewEngine(repo, client, monitor, engineConfig, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := monitor.Start(ctx); err != nil {
		logger.Error("Failed to start connectivity monitor", "error", err)
		os.Exit(1)
	}
	if err := engine.Start(ctx); err != nil {
		logger.Error("Failed to start sync engine", "error", err)
		os.Exit(1)
	}

	logger.Info("fintrack-worker running",
		"server", cfg.ServerBaseURL,
		"sync_interval", cfg.SyncInterval,
		"probe_interval", cfg.ProbeInterval)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	var g errgroup.Group
	g.Go(func() error { return engine.Stop(shutdownCtx) })
	g.Go(func() error { return monitor.Stop(shutdownCtx) })
	if err := g.Wait(); err != nil {
		logger.Warn("Shutdown incomplete", "error", err)
		return
	}
	logger.Info("Worker shutdown complete")
}
