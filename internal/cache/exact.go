// Package cache provides Redis-backed storage for the fingerprint-keyed
// response cache (see fingerprint.go and responsecache.go).
//
// Graceful degradation: when Redis is unavailable, Get returns (nil, false)
// and Set returns nil so a cache outage never turns into a request failure —
// the gateway just falls through to the upstream provider on every request.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisTimeout = 500 * time.Millisecond

// ExactCache implements Cache against a single Redis key per entry — no
// fuzzy matching, no secondary index, just GET/SET/DEL on the fingerprint
// string ResponseCache hands it.
//
// All operations degrade gracefully when Redis is unavailable:
//   - Get returns (nil, false) on any error.
//   - Set returns nil even on error (silent degradation keeps the gateway alive).
//   - Delete returns the underlying error so callers can log/handle it.
type ExactCache struct {
	rdb     *redis.Client
	timeout time.Duration
}

// NewExactCacheFromClient wraps an existing Redis client. The caller owns
// the client's lifecycle (creation and Close).
func NewExactCacheFromClient(rdb *redis.Client) *ExactCache {
	return &ExactCache{rdb: rdb, timeout: defaultRedisTimeout}
}

// NewExactCacheFromURL parses redisURL, dials a client, verifies
// connectivity with a PING, and returns an ExactCache. Returns an error if
// the URL is invalid or the initial ping fails — once constructed, later
// Redis outages degrade silently instead of erroring.
func NewExactCacheFromURL(ctx context.Context, redisURL string) (*ExactCache, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return &ExactCache{rdb: rdb, timeout: defaultRedisTimeout}, nil
}

// Get returns (data, true) on a hit and (nil, false) on a miss or any Redis
// error. Errors other than a plain miss are logged at WARN but not
// propagated — the caller sees an ordinary cache miss either way.
func (c *ExactCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	val, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "response_cache_redis_get_failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	return val, true
}

// Set stores value under key with the given TTL. Always returns nil — a
// failed write just means the next request misses the cache instead of the
// whole request failing.
func (c *ExactCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "response_cache_redis_set_failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// Delete removes key from Redis, propagating any error to the caller.
func (c *ExactCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: del %s: %w", key, err)
	}

	return nil
}

// Close releases the underlying Redis connection pool.
func (c *ExactCache) Close() error {
	return c.rdb.Close()
}
