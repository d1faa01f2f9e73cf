package api

import (
	"io"
	"net/http"

	"entitlement-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// maxNotificationBody bounds a single App Store delivery.
const maxNotificationBody = 1 << 20

// AppStoreNotificationHandler handles App Store Server Notifications V2.
// POST /api/appstore/notifications
//
// Apple only needs to know the delivery arrived: the response is always 200
// and processing continues in the background.
func (h *Handler) AppStoreNotificationHandler(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxNotificationBody))
	if err != nil {
		logging.Errorf("Failed to read App Store notification body: %v", err)
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})

	h.service.Dispatch(body)
}
