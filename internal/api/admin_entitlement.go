package api

import (
	"errors"
	"net/http"

	"entitlement-api/internal/database"
	"entitlement-api/internal/response"

	"github.com/gin-gonic/gin"
)

// UpdateEntitlement applies an operator correction to one lineage. The body is
// a JSON object of column names to values; unknown columns are rejected.
// PATCH /api/admin/entitlements/:user_id/:original_transaction_id
func (h *Handler) UpdateEntitlement(c *gin.Context) {
	userID := c.Param("user_id")
	originalTransactionID := c.Param("original_transaction_id")

	var fields map[string]interface{}
	if err := c.ShouldBindJSON(&fields); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "invalid_request", "Invalid request format: "+err.Error())
		return
	}

	result, err := h.service.UpdateEntitlement(c.Request.Context(), userID, originalTransactionID, fields)
	switch {
	case errors.Is(err, database.ErrEntitlementNotFound):
		response.ErrorJSON(c, http.StatusNotFound, "not_found", "Entitlement not found")
		return
	case err != nil:
		respondError(c, err)
		return
	}

	response.SuccessJSON(c, gin.H{
		"outcome":      result.Outcome,
		"subscription": result.Current,
	})
}
