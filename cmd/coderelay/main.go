// Package main runs the coderelay hub: the REST API, the browser
// websocket channel, and the agent daemon channel in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coderelay/coderelay/internal/audit"
	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/httpmw"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/common/tracing"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/gateway/websocket"
	"github.com/coderelay/coderelay/internal/httpapi"
	"github.com/coderelay/coderelay/internal/orchestrator"
	"github.com/coderelay/coderelay/internal/repository"
	"github.com/coderelay/coderelay/internal/secrets"
	storageprovider "github.com/coderelay/coderelay/internal/storage/provider"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting coderelay hub...")

	// 3. Signal-bound root context
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Event bus: NATS when configured, in-memory otherwise
	eventBus, closeBus, err := events.Provide(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	// 5. Storage
	store, err := storageprovider.Open(cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to open storage", zap.Error(err))
	}
	defer store.Close()
	log.Info("Storage ready", zap.String("driver", cfg.Database.Driver))

	// 6. Credential vault
	vault, err := secrets.NewVault(cfg.Security.EncryptionKeyFile)
	if err != nil {
		log.Fatal("Failed to open credential vault", zap.Error(err))
	}

	// 7. Repository engine
	engine := repository.NewEngine(store, vault, cfg.Repository, cfg.Workspaces.Root, log)

	// 8. Orchestrator: reconcile whatever a previous run left behind,
	// then run the heartbeat sweep
	recorder := audit.NewRecorder(store, log)
	orch := orchestrator.New(store, eventBus, vault, recorder, cfg.Agents, log)
	if err := orch.Reconcile(ctx); err != nil {
		log.Fatal("Startup reconciliation failed", zap.Error(err))
	}

	// 9. Gateway and REST API
	verifier := websocket.NewConfigTokenVerifier(cfg.Security.ClientTokens)
	gateway, err := websocket.NewGateway(orch, store, eventBus, verifier, log)
	if err != nil {
		log.Fatal("Failed to initialize gateway", zap.Error(err))
	}
	defer gateway.Close()

	api := httpapi.NewServer(store, engine, orch, vault, recorder, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "hub"))
	router.Use(httpmw.OtelTracing("hub"))
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()
	gateway.RegisterRoutes(router)
	api.RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("HTTP server listening",
			zap.String("addr", server.Addr),
			zap.String("client_ws", "/ws/client"),
			zap.String("agent_ws", "/ws/agent"),
			zap.String("api", "/api/v1"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return orch.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Hub exited with error", zap.Error(err))
	}
	log.Info("coderelay hub stopped")
}

// corsMiddleware allows the browser frontend to reach the API from any
// origin; real auth is the client token.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
