package middleware

import (
	"context"
	"net/http"

	"entitlement-api/internal/response"
	"entitlement-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// Limiter decides whether a caller may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimitMiddleware limits requests per authenticated user. It must run
// after UserAuthMiddleware. Limiter errors let the request through.
func RateLimitMiddleware(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, err := limiter.Allow(c.Request.Context(), UserID(c))
		if err != nil {
			logging.Warnf("Rate limiter unavailable, allowing request: %v", err)
		}
		if !allowed {
			c.Header("Retry-After", "60")
			c.JSON(http.StatusTooManyRequests, response.ErrorWithCode("rate_limited", "Too many requests"))
			c.Abort()
			return
		}
		c.Next()
	}
}
