// Claw Relay - bridges the messaging platform and the agent gateway.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashureev/claw-relay/internal/auth"
	"github.com/ashureev/claw-relay/internal/config"
	"github.com/ashureev/claw-relay/internal/dedup"
	"github.com/ashureev/claw-relay/internal/filter"
	"github.com/ashureev/claw-relay/internal/gateway"
	"github.com/ashureev/claw-relay/internal/platform"
	"github.com/ashureev/claw-relay/internal/relay"
	"github.com/ashureev/claw-relay/internal/session"
	"github.com/ashureev/claw-relay/internal/store"
	"github.com/ashureev/claw-relay/internal/webhook"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting relay",
		"gateway", cfg.Gateway.URL, "platform", cfg.Platform.URL, "webhook", cfg.Webhook.Enabled)

	privateKey, err := platform.ParsePrivateKey(cfg.Platform.PrivateKey)
	if err != nil {
		slog.Error("Failed to parse platform private key", "error", err)
		os.Exit(1)
	}

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	authMgr := auth.NewManager(auth.Config{
		AdminIDs:      cfg.Auth.AdminIDs,
		PairingExpiry: cfg.Auth.PairingExpiry,
		MaxAttempts:   cfg.Auth.MaxAttempts,
		TokenTTL:      cfg.Auth.TokenTTL,
		Logger:        logger,
	}, repo)
	sessions := session.NewStore(repo, cfg.SessionTTL, logger)

	// The clients deliver into the orchestrator; it does not exist yet when
	// they are constructed, hence the indirection.
	var orch *relay.Orchestrator

	gw := gateway.NewClient(gateway.Config{
		URL:               cfg.Gateway.URL,
		ChannelID:         cfg.Gateway.ChannelID,
		APIKey:            cfg.Gateway.APIKey,
		ResponseTimeout:   cfg.Gateway.ResponseTimeout,
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
		BackoffBase:       cfg.Gateway.BackoffBase,
		BackoffCap:        cfg.Gateway.BackoffCap,
		MaxAttempts:       cfg.Gateway.MaxAttempts,
		Logger:            logger,
	}, func(reply *gateway.AgentReply) {
		orch.HandleUnsolicited(reply)
	})

	plat := platform.NewClient(platform.Config{
		URL:               cfg.Platform.URL,
		AppID:             cfg.Platform.AppID,
		SessionID:         cfg.Platform.SessionID,
		PrivateKey:        privateKey,
		HeartbeatInterval: cfg.Platform.HeartbeatInterval,
		BackoffBase:       cfg.Platform.BackoffBase,
		BackoffCap:        cfg.Platform.BackoffCap,
		MaxAttempts:       cfg.Platform.MaxAttempts,
		Logger:            logger,
	}, func(msg *platform.InboundMessage) {
		orch.HandleInbound(msg)
	})

	orch = relay.New(relay.Config{
		SelfID: cfg.Platform.AppID,
		Logger: logger,
	}, gw, plat, dedup.New(dedup.DefaultCapacity), filter.New(filter.Config{
		RequireMentionInGroup: cfg.Filter.RequireMentionInGroup,
		TriggerWords:          cfg.Filter.TriggerWords,
		BotNames:              cfg.Filter.BotNames,
		IgnoredCategories:     cfg.Filter.IgnoredCategories,
		MaxMessageLength:      cfg.Filter.MaxMessageLength,
		MinMessageLength:      cfg.Filter.MinMessageLength,
	}), authMgr, sessions)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		slog.Error("Failed to start relay", "error", err)
		os.Exit(1)
	}

	go sessions.RunSweeper(ctx, time.Hour)

	// Optional HTTP push ingress alongside the socket.
	var webhookSrv *http.Server
	if cfg.Webhook.Enabled {
		webhookSrv = &http.Server{
			Addr:         ":" + cfg.Webhook.Port,
			Handler:      webhook.NewHandler(orch, cfg.Webhook.Secret, logger).Router(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			slog.Info("Webhook server listening", "addr", webhookSrv.Addr)
			if err := webhookSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Webhook server failed", "error", err)
				os.Exit(1)
			}
		}()
	}

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	if webhookSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := webhookSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Webhook server forced to shutdown", "error", err)
		}
	}

	orch.Stop()
	slog.Info("Relay stopped successfully")
}
