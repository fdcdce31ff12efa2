package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/xizzxy/gatekeeper/internal/config"
	"github.com/xizzxy/gatekeeper/internal/gateway"
	"github.com/xizzxy/gatekeeper/internal/telemetry"
)

func main() {
	cfg := config.LoadConfig()
	logger := telemetry.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.Error("Gateway exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Gateway shutdown complete")
}

func run(cfg *config.Config, logger *slog.Logger) (err error) {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Info("Starting Gatekeeper Gateway",
		"version", cfg.Observability.ServiceVersion,
		"store", cfg.Limiter.Store,
		"failure_mode", cfg.Limiter.FailureMode,
		"policy_source", cfg.Gateway.PolicySource,
		"address", cfg.Gateway.Address,
		"grpc_address", cfg.Gateway.GRPCAddress,
	)

	tracing, err := telemetry.Setup(cfg.Observability)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout)
		defer cancel()
		err = errors.Join(err, tracing.Shutdown(ctx))
	}()

	server, err := gateway.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout)
	defer cancel()

	return server.Stop(shutdownCtx)
}
