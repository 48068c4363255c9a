// Package main is the entry point for the agentd binary.
// agentd runs on a host with AI CLI tools installed, connects out to the
// coderelay hub over websocket, and spawns workers on the hub's behalf.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/agentd"
	"github.com/coderelay/coderelay/internal/common/logger"
)

func main() {
	// Load configuration from environment
	cfg, err := agentd.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting agentd",
		zap.String("hub_url", cfg.HubURL),
		zap.String("agent_id", cfg.AgentID),
		zap.Int("max_workers", cfg.MaxWorkers),
		zap.String("workspaces_root", cfg.WorkspacesRoot))

	daemon, err := agentd.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize daemon", zap.Error(err))
		os.Exit(1)
	}

	// Run until interrupted; the daemon handles reconnects itself.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := daemon.Run(ctx); err != nil {
		log.Error("daemon exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("agentd stopped")
}
