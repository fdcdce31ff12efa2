package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/xizzxy/gatekeeper/internal/config"
	"github.com/xizzxy/gatekeeper/internal/control"
	"github.com/xizzxy/gatekeeper/internal/telemetry"
)

func main() {
	cfg := config.LoadConfig()
	logger := telemetry.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.Error("Control plane exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Control plane shutdown complete")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if len(cfg.Etcd.Endpoints) == 0 {
		return fmt.Errorf("etcd endpoints are required")
	}

	logger.Info("Starting Gatekeeper Control Plane",
		"version", cfg.Observability.ServiceVersion,
		"address", cfg.Control.Address,
		"etcd_endpoints", cfg.Etcd.Endpoints,
		"policy_prefix", cfg.Etcd.PolicyPrefix,
	)

	server, err := control.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create control server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control server: %w", err)
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Control.ShutdownTimeout)
	defer cancel()

	return server.Stop(shutdownCtx)
}
