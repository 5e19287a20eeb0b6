package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"carebridge/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func newLimitedRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func get(router *gin.Engine, remote, xff string) int {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = remote
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	router.ServeHTTP(w, req)
	return w.Code
}

func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	router := newLimitedRouter(cfg)

	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1234", ""))
	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1234", ""))
}

func TestHTTPRateLimitMiddleware_Enabled_RateLimitedPerIP(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	router := newLimitedRouter(cfg)

	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1234", ""))
	assert.Equal(t, http.StatusTooManyRequests, get(router, "10.0.0.1:1234", ""))
	assert.Equal(t, http.StatusOK, get(router, "10.0.0.2:1234", ""))

	// The first forwarded hop identifies the client behind a proxy.
	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1234", "203.0.113.7, 10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, get(router, "10.0.0.9:1234", "203.0.113.7"))
}

func TestRateLimiterStore_SweepsIdleLimiters(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	store := newRateLimiterStore(rate.Limit(1), 1)
	store.now = func() time.Time { return now }

	store.getLimiter("a")
	store.getLimiter("b")
	assert.Equal(t, 2, store.size())

	now = now.Add(limiterIdleTTL + time.Minute)
	store.getLimiter("c")
	assert.Equal(t, 1, store.size())
}

func TestWebSocketRateLimitMiddleware_LimitsConnectionAttempts(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 2

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/test", NewWebSocketRateLimitMiddleware(cfg), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1234", ""))
	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1234", ""))
	assert.Equal(t, http.StatusTooManyRequests, get(router, "10.0.0.1:1234", ""))
	assert.Equal(t, http.StatusOK, get(router, "10.0.0.2:1234", ""))
}
