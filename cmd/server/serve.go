package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"entitlement-api/internal/api"
	"entitlement-api/internal/config"
	"entitlement-api/internal/database"
	"entitlement-api/internal/middleware"
	"entitlement-api/internal/models"
	"entitlement-api/internal/services"
	"entitlement-api/pkg/logging"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API (default)",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.AppConfig

	// Initialize database
	if err := database.InitDatabase(cfg); err != nil {
		return err
	}
	defer database.CloseDatabase()

	store := database.NewEntitlementStore(database.DB)
	notifier := services.NewWebhookNotifier(cfg.EntitlementCallbackURL, cfg.EntitlementCallbackSecret)
	replay := services.NewReplayProtection(database.RedisClient, cfg.NotificationReplayTTL)
	defer replay.Stop()

	verifier := services.NewSignatureVerifierFromConfig(cfg)
	service := services.NewSubscriptionService(services.SubscriptionServiceOptions{
		Verifier:     verifier,
		Receipts:     services.NewReceiptVerifierFromConfig(cfg),
		Store:        store,
		Notifier:     notifier,
		Replay:       replay,
		SharedSecret: cfg.AppStoreSharedSecret,
		Environment:  models.ParseEnvironment(cfg.AppStoreEnvironment),
	})

	// Set Gin mode
	gin.SetMode(cfg.Mode)

	// Create Gin engine
	r := gin.Default()

	// Setup routes
	api.SetupRoutes(r, api.NewHandler(service, store), api.RouteOptions{
		Users:         middleware.HeaderUserResolver{},
		AdminAPIKey:   cfg.AdminAPIKey,
		VerifyLimiter: services.NewRateLimiter(database.RedisClient, cfg.VerifyRateLimit, cfg.VerifyRateWindow),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logging.Infof("Starting server on port %s (signature trust mode: %s)", cfg.Port, verifier.TrustMode())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}

	logging.Infof("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Errorf("Server shutdown failed: %v", err)
	}

	// Acknowledged notifications and pending callbacks still have to finish
	service.Wait()
	notifier.Wait()
	logging.Infof("Server stopped")
	return nil
}
