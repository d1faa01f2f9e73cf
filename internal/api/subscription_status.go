package api

import (
	"errors"
	"net/http"
	"time"

	"entitlement-api/internal/database"
	"entitlement-api/internal/middleware"
	"entitlement-api/internal/models"

	"github.com/gin-gonic/gin"
)

// GetSubscriptionStatusResponse represents subscription status response
type GetSubscriptionStatusResponse struct {
	Success               bool   `json:"success"`
	Message               string `json:"message,omitempty"`
	IsActive              bool   `json:"is_active"`
	Status                string `json:"status,omitempty"`
	ProductID             string `json:"product_id,omitempty"`
	OriginalTransactionID string `json:"original_transaction_id,omitempty"`
	ExpiresAt             string `json:"expires_at,omitempty"`
	AutoRenew             bool   `json:"auto_renew"`
	Environment           string `json:"environment,omitempty"`
}

// GetSubscriptionStatus gets the current entitlement of the calling user
// GET /api/subscription/status
func (h *Handler) GetSubscriptionStatus(c *gin.Context) {
	entitlement, err := h.entitlements.GetEntitlement(c.Request.Context(), middleware.UserID(c), database.LookupByUserID)
	if errors.Is(err, database.ErrEntitlementNotFound) {
		// No subscription found
		c.JSON(http.StatusOK, GetSubscriptionStatusResponse{
			Success:  true,
			IsActive: false,
			Status:   "inactive",
		})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, statusResponse(entitlement))
}

func statusResponse(e *database.Entitlement) GetSubscriptionStatusResponse {
	resp := GetSubscriptionStatusResponse{
		Success:               true,
		IsActive:              e.IsActive,
		Status:                string(e.Status),
		ProductID:             e.ProductID,
		OriginalTransactionID: e.OriginalTransactionID,
		AutoRenew:             e.AutoRenewStatus,
		Environment:           string(e.Environment),
	}
	if !e.ExpiresDate.IsZero() {
		resp.ExpiresAt = e.ExpiresDate.UTC().Format(time.RFC3339)
	}
	if e.Status == models.StatusActive && !e.IsActive {
		// Active on paper but past its expiry
		resp.Status = string(models.StatusExpired)
	}
	return resp
}
