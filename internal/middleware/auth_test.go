package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers = append(handlers, func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c))
	})
	r.GET("/", handlers...)
	return r
}

func serve(r *gin.Engine, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestUserAuthMiddleware(t *testing.T) {
	r := newRouter(UserAuthMiddleware(HeaderUserResolver{}))

	w := serve(r, map[string]string{DefaultUserHeader: " user-1 "})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-1", w.Body.String())

	w = serve(r, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	custom := newRouter(UserAuthMiddleware(HeaderUserResolver{Header: "X-Account"}))
	w = serve(custom, map[string]string{"X-Account": "acct-9"})
	assert.Equal(t, "acct-9", w.Body.String())
}

func TestAdminAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		apiKey string
		header string
		want   int
	}{
		{"valid key", "secret", "secret", http.StatusOK},
		{"wrong key", "secret", "guess", http.StatusUnauthorized},
		{"missing key", "secret", "", http.StatusUnauthorized},
		{"disabled", "", "", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(AdminAuthMiddleware(tt.apiKey))
			headers := map[string]string{}
			if tt.header != "" {
				headers[AdminKeyHeader] = tt.header
			}
			assert.Equal(t, tt.want, serve(r, headers).Code)
		})
	}
}

type countingLimiter struct {
	limit int
	seen  map[string]int
	err   error
}

func (l *countingLimiter) Allow(_ context.Context, key string) (bool, error) {
	if l.err != nil {
		return true, l.err
	}
	l.seen[key]++
	return l.seen[key] <= l.limit, nil
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := &countingLimiter{limit: 1, seen: map[string]int{}}
	r := newRouter(UserAuthMiddleware(HeaderUserResolver{}), RateLimitMiddleware(limiter))
	user := map[string]string{DefaultUserHeader: "user-1"}

	assert.Equal(t, http.StatusOK, serve(r, user).Code)
	w := serve(r, user)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, serve(r, map[string]string{DefaultUserHeader: "user-2"}).Code)

	failing := newRouter(UserAuthMiddleware(HeaderUserResolver{}), RateLimitMiddleware(&countingLimiter{err: errors.New("down")}))
	assert.Equal(t, http.StatusOK, serve(failing, user).Code)
}
