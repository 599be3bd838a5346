// Package gateway provides API gateway functionality including rate limiting
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const window = time.Minute

// RateLimiter enforces a per-client request budget over a fixed one-minute
// window shared by all routes. Expensive routes draw more than one unit.
type RateLimiter struct {
	redis  *redis.Client
	logger *zap.Logger
	config RateLimitConfig
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	RequestsPerMinute int            `yaml:"requests_per_minute"`
	RouteCosts        map[string]int `yaml:"route_costs"` // "METHOD:/path" -> units per request
	IncludeHeaders    bool           `yaml:"include_headers"`
	KeyPrefix         string         `yaml:"key_prefix"`
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	Cost       int
	ResetAt    time.Time
	RetryAfter time.Duration
	Reason     string
}

// incrWindow adds ARGV[1] units to the window counter and starts the window
// expiry on first use.
var incrWindow = redis.NewScript(`
	local current = redis.call('INCRBY', KEYS[1], ARGV[1])
	if redis.call('PTTL', KEYS[1]) < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return current
`)

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(redisClient *redis.Client, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}
	if cfg.RouteCosts == nil {
		cfg.RouteCosts = DefaultRouteCosts()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ruleforge:ratelimit"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RateLimiter{
		redis:  redisClient,
		logger: logger,
		config: cfg,
	}
}

// DefaultRouteCosts returns the default per-route costs. A catalog reload
// refetches the whole ATT&CK bundle.
func DefaultRouteCosts() map[string]int {
	return map[string]int{
		"POST:/api/v1/catalog/reload": 30,
		"POST:/api/v1/rules/validate": 2,
	}
}

// Cost returns the number of units a request to path with method draws.
func (rl *RateLimiter) Cost(method, path string) int {
	if c, ok := rl.config.RouteCosts[strings.ToUpper(method)+":"+path]; ok && c > 1 {
		return c
	}
	return 1
}

// Check performs a rate limit check. Redis failures allow the request.
func (rl *RateLimiter) Check(ctx context.Context, clientID, method, path string) *RateLimitResult {
	limit := rl.config.RequestsPerMinute
	cost := rl.Cost(method, path)
	now := time.Now()

	redisKey := fmt.Sprintf("%s:%s:minute", rl.config.KeyPrefix, clientID)

	current, err := incrWindow.Run(ctx, rl.redis, []string{redisKey}, cost, window.Milliseconds()).Int()
	if err != nil {
		rl.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
		return &RateLimitResult{Allowed: true, Limit: limit, Remaining: limit, Cost: cost}
	}

	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}

	ttl, err := rl.redis.PTTL(ctx, redisKey).Result()
	if err != nil || ttl < 0 {
		ttl = window
	}

	result := &RateLimitResult{
		Allowed:   current <= limit,
		Remaining: remaining,
		Limit:     limit,
		Cost:      cost,
		ResetAt:   now.Add(ttl),
	}
	if !result.Allowed {
		result.RetryAfter = ttl
		result.Reason = "Rate limit exceeded"
		rl.logger.Debug("Request rate limited",
			zap.String("client_id", clientID),
			zap.String("route", method+" "+path),
			zap.Int("cost", cost),
		)
	}
	return result
}

// Middleware returns an HTTP middleware for rate limiting
func (rl *RateLimiter) Middleware(getClientID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := ""
			if getClientID != nil {
				clientID = getClientID(r)
			}
			if clientID == "" {
				clientID = getClientIP(r)
			}

			result := rl.Check(r.Context(), clientID, r.Method, r.URL.Path)

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				if !result.ResetAt.IsZero() {
					w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
				}
			}

			if !result.Allowed {
				retryAfter := int(result.RetryAfter.Round(time.Second).Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limit_exceeded","message":"%s","retry_after":%d}`,
					result.Reason, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIDFromHeader identifies clients by the X-Client-ID header.
func ClientIDFromHeader(r *http.Request) string {
	return r.Header.Get("X-Client-ID")
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
