package api

import (
	"net/http"
	"time"

	"entitlement-api/internal/middleware"

	"github.com/gin-gonic/gin"
)

// SubscriptionHistoryItem represents a subscription history item
type SubscriptionHistoryItem struct {
	ID                    uint      `json:"id"`
	Platform              string    `json:"platform"`
	Status                string    `json:"status"`
	IsActive              bool      `json:"is_active"`
	ProductID             string    `json:"product_id"`
	LatestTransactionID   string    `json:"latest_transaction_id"`
	OriginalTransactionID string    `json:"original_transaction_id"`
	PurchaseDate          time.Time `json:"purchase_date"`
	ExpiresDate           time.Time `json:"expires_date"`
	AutoRenew             bool      `json:"auto_renew"`
	Environment           string    `json:"environment"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// SubscriptionHistoryResponse represents subscription history response
type SubscriptionHistoryResponse struct {
	Success       bool                      `json:"success"`
	Message       string                    `json:"message,omitempty"`
	Subscriptions []SubscriptionHistoryItem `json:"subscriptions"`
}

// GetSubscriptionHistory lists every subscription lineage of the calling user
// GET /api/subscription/history
func (h *Handler) GetSubscriptionHistory(c *gin.Context) {
	entitlements, err := h.entitlements.ListEntitlements(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	// Convert to response format
	historyItems := make([]SubscriptionHistoryItem, len(entitlements))
	for i, e := range entitlements {
		historyItems[i] = SubscriptionHistoryItem{
			ID:                    e.ID,
			Platform:              e.Platform,
			Status:                string(e.Status),
			IsActive:              e.IsActive,
			ProductID:             e.ProductID,
			LatestTransactionID:   e.LatestTransactionID,
			OriginalTransactionID: e.OriginalTransactionID,
			PurchaseDate:          e.PurchaseDate,
			ExpiresDate:           e.ExpiresDate,
			AutoRenew:             e.AutoRenewStatus,
			Environment:           string(e.Environment),
			CreatedAt:             e.CreatedAt,
			UpdatedAt:             e.UpdatedAt,
		}
	}

	c.JSON(http.StatusOK, SubscriptionHistoryResponse{
		Success:       true,
		Subscriptions: historyItems,
	})
}
