package api

import (
	"net/http"

	"entitlement-api/internal/middleware"
	"entitlement-api/internal/response"
	"entitlement-api/internal/services"

	"github.com/gin-gonic/gin"
)

// VerifySubscriptionRequest represents subscription verification request
type VerifySubscriptionRequest struct {
	ReceiptData   string `json:"receipt_data" binding:"required"`
	TransactionID string `json:"transaction_id" binding:"required"`
}

// VerifySubscription verifies a client receipt and grants the purchase
// POST /api/subscription/verify
func (h *Handler) VerifySubscription(c *gin.Context) {
	var req VerifySubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "invalid_request", "Invalid request format: "+err.Error())
		return
	}

	result, err := h.service.VerifyClientReceipt(c.Request.Context(), req.ReceiptData, req.TransactionID, middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	response.SuccessJSON(c, result)
}

// respondError writes a classified service error. Internal failures get a
// generic message.
func respondError(c *gin.Context, err error) {
	class := services.Classify(err)
	message := err.Error()
	if class.Code == "internal_error" {
		message = "Internal server error"
	}
	if class.Retryable {
		c.Header("Retry-After", "1")
	}
	response.ErrorJSON(c, class.HTTPStatus(), class.Code, message)
}
