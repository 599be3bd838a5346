// Package cache stores built technique catalogs in Redis so restarts and
// repeated CLI runs can skip re-downloading the ATT&CK bundle.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lvonguyen/ruleforge/internal/config"
	"github.com/lvonguyen/ruleforge/internal/mitre"
)

const keyPrefix = "ruleforge:catalog:"

// RedisCache implements mitre.SnapshotCache.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ mitre.SnapshotCache = (*RedisCache)(nil)

// NewRedisCache connects to Redis using cfg and verifies the connection.
func NewRedisCache(ctx context.Context, cfg config.RedisConfig) (*RedisCache, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	if cfg.PasswordEnv != "" {
		opts.Password = os.Getenv(cfg.PasswordEnv)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisCacheWithClient(client, cfg.CacheTTL), nil
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{client: client, ttl: ttl}
}

// Get returns the cached snapshot for source.
func (c *RedisCache) Get(ctx context.Context, source string) (*mitre.Snapshot, bool, error) {
	data, err := c.client.Get(ctx, cacheKey(source)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cached catalog: %w", err)
	}

	var snap mitre.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("decoding cached catalog: %w", err)
	}
	if snap.Catalog == nil {
		snap.Catalog = mitre.Catalog{}
	}
	return &snap, true, nil
}

// Set stores snap for source with the configured TTL.
func (c *RedisCache) Set(ctx context.Context, source string, snap *mitre.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding catalog: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(source), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("writing cached catalog: %w", err)
	}
	return nil
}

// Invalidate drops the cached snapshot for source.
func (c *RedisCache) Invalidate(ctx context.Context, source string) error {
	return c.client.Del(ctx, cacheKey(source)).Err()
}

// Client returns the underlying Redis client for components sharing the connection.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Sources are URLs; hash them to keep keys short and free of separators.
func cacheKey(source string) string {
	sum := sha256.Sum256([]byte(source))
	return keyPrefix + hex.EncodeToString(sum[:8])
}
