package api

import (
	"context"
	"net/http"

	"entitlement-api/internal/database"
	"entitlement-api/internal/middleware"
	"entitlement-api/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EntitlementReader is the read side of the entitlement store.
type EntitlementReader interface {
	GetEntitlement(ctx context.Context, identifier string, by database.LookupKey) (*database.Entitlement, error)
	ListEntitlements(ctx context.Context, userID string) ([]database.Entitlement, error)
}

// Handler serves the HTTP API
type Handler struct {
	service      *services.SubscriptionService
	entitlements EntitlementReader
}

// NewHandler creates a handler over the ingestion service and the store
func NewHandler(service *services.SubscriptionService, entitlements EntitlementReader) *Handler {
	return &Handler{service: service, entitlements: entitlements}
}

// RouteOptions carries the collaborators of the middleware chain.
type RouteOptions struct {
	Users         middleware.UserResolver
	AdminAPIKey   string
	VerifyLimiter middleware.Limiter // optional
}

// SetupRoutes sets up all routes
func SetupRoutes(r *gin.Engine, h *Handler, opts RouteOptions) {
	verify := []gin.HandlerFunc{h.VerifySubscription}
	if opts.VerifyLimiter != nil {
		verify = append([]gin.HandlerFunc{middleware.RateLimitMiddleware(opts.VerifyLimiter)}, verify...)
	}

	// API route group
	api := r.Group("/api")
	{
		// App Store notification routes (no authentication, Apple calls these)
		appstore := api.Group("/appstore")
		{
			appstore.POST("/notifications", h.AppStoreNotificationHandler)
		}

		// Subscription routes (client API, user resolved upstream)
		subscription := api.Group("/subscription")
		subscription.Use(middleware.UserAuthMiddleware(opts.Users))
		{
			subscription.POST("/verify", verify...)
			subscription.GET("/status", h.GetSubscriptionStatus)
			subscription.GET("/history", h.GetSubscriptionHistory)
		}

		// Operator corrections
		admin := api.Group("/admin")
		admin.Use(middleware.AdminAuthMiddleware(opts.AdminAPIKey))
		{
			admin.PATCH("/entitlements/:user_id/:original_transaction_id", h.UpdateEntitlement)
		}
	}

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "entitlement-service",
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
