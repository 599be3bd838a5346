package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLimiter(t *testing.T, cfg RateLimitConfig) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRateLimiter(client, cfg, nil), mr
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl, _ := setupLimiter(t, RateLimitConfig{})

	assert.Equal(t, 120, rl.config.RequestsPerMinute)
	assert.Equal(t, "ruleforge:ratelimit", rl.config.KeyPrefix)
	assert.Equal(t, 30, rl.Cost(http.MethodPost, "/api/v1/catalog/reload"))
}

func TestRateLimiter_Cost(t *testing.T) {
	rl, _ := setupLimiter(t, RateLimitConfig{RouteCosts: map[string]int{
		"POST:/api/v1/rules/validate": 5,
		"GET:/api/v1/stats":           0,
	}})

	assert.Equal(t, 5, rl.Cost("post", "/api/v1/rules/validate"))
	assert.Equal(t, 1, rl.Cost(http.MethodGet, "/api/v1/stats"), "non-positive costs fall back to 1")
	assert.Equal(t, 1, rl.Cost(http.MethodGet, "/api/v1/techniques"))
}

func TestRateLimiter_Check(t *testing.T) {
	rl, _ := setupLimiter(t, RateLimitConfig{RequestsPerMinute: 3})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res := rl.Check(ctx, "client-a", http.MethodGet, "/api/v1/techniques")
		require.True(t, res.Allowed, "request %d should be allowed", i)
		assert.Equal(t, 3-i, res.Remaining)
		assert.Equal(t, 3, res.Limit)
	}

	res := rl.Check(ctx, "client-a", http.MethodGet, "/api/v1/techniques")
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, "Rate limit exceeded", res.Reason)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	other := rl.Check(ctx, "client-b", http.MethodGet, "/api/v1/techniques")
	assert.True(t, other.Allowed, "clients have independent budgets")
}

func TestRateLimiter_CostDrawsMultipleUnits(t *testing.T) {
	rl, _ := setupLimiter(t, RateLimitConfig{
		RequestsPerMinute: 10,
		RouteCosts:        map[string]int{"POST:/api/v1/catalog/reload": 8},
	})
	ctx := context.Background()

	res := rl.Check(ctx, "c", http.MethodPost, "/api/v1/catalog/reload")
	require.True(t, res.Allowed)
	assert.Equal(t, 8, res.Cost)
	assert.Equal(t, 2, res.Remaining)

	res = rl.Check(ctx, "c", http.MethodPost, "/api/v1/catalog/reload")
	assert.False(t, res.Allowed)
}

func TestRateLimiter_WindowExpires(t *testing.T) {
	rl, mr := setupLimiter(t, RateLimitConfig{RequestsPerMinute: 1})
	ctx := context.Background()

	require.True(t, rl.Check(ctx, "c", http.MethodGet, "/health").Allowed)
	require.False(t, rl.Check(ctx, "c", http.MethodGet, "/health").Allowed)

	mr.FastForward(time.Minute + time.Second)

	assert.True(t, rl.Check(ctx, "c", http.MethodGet, "/health").Allowed)
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	rl, mr := setupLimiter(t, RateLimitConfig{RequestsPerMinute: 1})
	mr.Close()

	for i := 0; i < 3; i++ {
		res := rl.Check(context.Background(), "c", http.MethodGet, "/health")
		assert.True(t, res.Allowed)
	}
}

func TestMiddleware(t *testing.T) {
	rl, _ := setupLimiter(t, RateLimitConfig{RequestsPerMinute: 1, IncludeHeaders: true})

	handler := rl.Middleware(ClientIDFromHeader)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tactics", nil)
		req.Header.Set("X-Client-ID", "ci")
		return req
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newReq())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, newReq())
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate_limit_exceeded", body["error"])
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:51234"
	assert.Equal(t, "10.0.0.7", getClientIP(req))

	req.Header.Set("X-Real-IP", "192.0.2.1")
	assert.Equal(t, "192.0.2.1", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", getClientIP(req))
}
