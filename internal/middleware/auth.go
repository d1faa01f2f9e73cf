package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"entitlement-api/internal/response"

	"github.com/gin-gonic/gin"
)

const (
	userIDKey = "user_id"

	// DefaultUserHeader is set by the upstream authentication layer.
	DefaultUserHeader = "X-User-ID"
	AdminKeyHeader    = "X-Admin-Key"
)

var ErrNoUser = errors.New("no authenticated user")

// UserResolver extracts the authenticated user of a request. Authentication
// itself happens upstream.
type UserResolver interface {
	ResolveUser(c *gin.Context) (string, error)
}

// HeaderUserResolver trusts a header set by a gateway in front of the service.
type HeaderUserResolver struct {
	Header string
}

func (r HeaderUserResolver) ResolveUser(c *gin.Context) (string, error) {
	header := r.Header
	if header == "" {
		header = DefaultUserHeader
	}
	userID := strings.TrimSpace(c.GetHeader(header))
	if userID == "" {
		return "", ErrNoUser
	}
	return userID, nil
}

// UserAuthMiddleware resolves the calling user and stores it in the context
func UserAuthMiddleware(resolver UserResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := resolver.ResolveUser(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, response.ErrorWithCode("unauthenticated", "Missing authenticated user"))
			c.Abort()
			return
		}

		c.Set(userIDKey, userID)
		c.Set("request_time", time.Now())
		c.Next()
	}
}

// UserID returns the user stored by UserAuthMiddleware.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// AdminAuthMiddleware guards operator routes with a static API key. An empty
// key disables the routes.
func AdminAuthMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.JSON(http.StatusForbidden, response.ErrorWithCode("forbidden", "Admin API is disabled"))
			c.Abort()
			return
		}

		provided := c.GetHeader(AdminKeyHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			c.JSON(http.StatusUnauthorized, response.ErrorWithCode("unauthenticated", "Invalid admin key"))
			c.Abort()
			return
		}
		c.Next()
	}
}
