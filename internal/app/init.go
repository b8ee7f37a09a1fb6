package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riftgate/gateway/internal/auth"
	"github.com/riftgate/gateway/internal/balancer"
	npCache "github.com/riftgate/gateway/internal/cache"
	"github.com/riftgate/gateway/internal/catalog"
	"github.com/riftgate/gateway/internal/metrics"
	"github.com/riftgate/gateway/internal/proxy"
	"github.com/riftgate/gateway/internal/ratelimit"
	"github.com/riftgate/gateway/internal/router"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the LLM provider map. At least one provider must have
// an API key configured: config.validate checks this unless
// AllowClientAPIKeys is set, and this step fails when the map is empty.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "lru":
		// Bounded LRU with admission filtering — same replica scoping as
		// "memory" but capped by entry count / byte budget instead of a pure
		// TTL sweep.
		a.lruCache = npCache.NewLRUCache(a.cfg.Cache.MaxEntries, a.cfg.Cache.MaxBytes)
		a.log.Info("cache backend: lru (in-process, bounded)",
			slog.Int("max_entries", a.cfg.Cache.MaxEntries))

	case "s3":
		// Metadata sidecar: Redis when connected, otherwise an in-process map.
		var metadata npCache.Cache
		if a.rdb != nil {
			metadata = npCache.NewExactCacheFromClient(a.rdb)
		} else {
			metadata = npCache.NewMemoryCache(ctx)
		}
		store, err := npCache.NewObjectStore(ctx, a.cfg.Cache.S3Bucket, a.cfg.Cache.S3Region, a.cfg.Cache.S3Prefix, metadata, a.log)
		if err != nil {
			return fmt.Errorf("cache: s3 backend: %w", err)
		}
		a.objectCache = store
		a.log.Info("cache backend: s3", slog.String("bucket", a.cfg.Cache.S3Bucket))

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl npCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "lru":
		cacheImpl = a.lruCache
		cacheReady = func() bool { return true }
	case "s3":
		cacheImpl = a.objectCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	// ── Build the gateway ────────────────────────────────────────────────────
	var redisReadyProbe func() bool
	if a.rdb != nil {
		redisReadyProbe = redisPinger(a.baseCtx, a.rdb)
	}

	opts := proxy.GatewayOptions{
		Logger:             a.log,
		MaxRetries:         a.cfg.Failover.MaxRetries,
		ProviderTimeout:    a.cfg.Failover.ProviderTimeout,
		CacheTTL:           a.cfg.Cache.TTL,
		CacheMaxStale:      a.cfg.Cache.MaxStale,
		RedisReady:         redisReadyProbe,
		Metrics:            a.prom,
		AllowClientAPIKeys: a.cfg.AllowClientAPIKeys,
		CBConfig: proxy.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.provs, cacheImpl, cacheReady, opts)

	// ── Catalog and default router ────────────────────────────────────────────
	// Restrict the default catalog to providers that actually have credentials
	// configured, so the balancer never selects an endpoint the gateway can't
	// serve.
	var configuredSpecs []catalog.ProviderSpec
	for _, spec := range catalog.DefaultProviderSpecs() {
		if _, ok := a.provs[spec.Name]; ok {
			configuredSpecs = append(configuredSpecs, spec)
		}
	}
	if len(configuredSpecs) > 0 {
		cat, err := catalog.Load(configuredSpecs, nil)
		if err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
		pools := catalog.DefaultPoolsByType(cat)

		reg, err := router.NewRegistry([]router.Spec{
			{
				Name:  "default",
				Pools: pools,
				Strategies: map[catalog.EndpointType]balancer.Config{
					catalog.Chat:       {Kind: balancer.Latency},
					catalog.Completion: {Kind: balancer.Latency},
					catalog.Embedding:  {Kind: balancer.Latency},
				},
				Retry: router.RetryConfig{MaxAttempts: a.cfg.Failover.MaxRetries},
			},
		}, cat, "default")
		if err != nil {
			return fmt.Errorf("router: %w", err)
		}

		a.catalog = cat
		a.routers = reg
		gw.SetRouters(reg, cat)
	}

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting — hierarchical over global/router/api-key/user scopes.
	// The Redis backend is used when Redis is connected so the limits are
	// shared across replicas; otherwise every replica enforces its own
	// process-local limits via the in-memory backend rather than running
	// with no limiter at all.
	rlCfg := a.cfg.RateLimit
	if rlCfg.RPMLimit > 0 || rlCfg.RouterRPMLimit > 0 || rlCfg.APIKeyRPMLimit > 0 || rlCfg.UserRPMLimit > 0 {
		configs := map[ratelimit.Key]ratelimit.BucketConfig{}
		if rlCfg.RPMLimit > 0 {
			rpm := int64(rlCfg.RPMLimit)
			configs[ratelimit.Key{Scope: ratelimit.Global, Counter: ratelimit.Requests, ID: "global"}] =
				ratelimit.BucketConfig{Capacity: rpm, RefillPerPeriod: rpm, Period: time.Minute}
		}
		if rlCfg.RouterRPMLimit > 0 {
			rpm := int64(rlCfg.RouterRPMLimit)
			// No ID: this is a wildcard config applied to every router name,
			// each metered in its own bucket.
			configs[ratelimit.Key{Scope: ratelimit.RouterScope, Counter: ratelimit.Requests}] =
				ratelimit.BucketConfig{Capacity: rpm, RefillPerPeriod: rpm, Period: time.Minute}
		}
		if rlCfg.APIKeyRPMLimit > 0 {
			rpm := int64(rlCfg.APIKeyRPMLimit)
			configs[ratelimit.Key{Scope: ratelimit.APIKeyScope, Counter: ratelimit.Requests}] =
				ratelimit.BucketConfig{Capacity: rpm, RefillPerPeriod: rpm, Period: time.Minute}
		}
		if rlCfg.UserRPMLimit > 0 {
			rpm := int64(rlCfg.UserRPMLimit)
			configs[ratelimit.Key{Scope: ratelimit.UserScope, Counter: ratelimit.Requests}] =
				ratelimit.BucketConfig{Capacity: rpm, RefillPerPeriod: rpm, Period: time.Minute}
		}

		var backend ratelimit.Backend
		backendKind := "memory"
		if a.rdb != nil {
			backend = ratelimit.NewRedisBackend(a.rdb)
			backendKind = "redis"
		} else {
			backend = ratelimit.NewMemoryBackend()
		}

		limiter := ratelimit.New(backend, configs, ratelimit.Settle)
		gw.SetRateLimiters(limiter)
		a.log.Info("rate limiting enabled",
			slog.String("backend", backendKind),
			slog.Int("rpm_limit", rlCfg.RPMLimit),
			slog.Int("router_rpm_limit", rlCfg.RouterRPMLimit),
			slog.Int("api_key_rpm_limit", rlCfg.APIKeyRPMLimit),
			slog.Int("user_rpm_limit", rlCfg.UserRPMLimit),
		)
	}

	// Async request logger — not wired in the open-source build.
	// In the managed version this connects to ClickHouse for analytics.
	// Request metadata is still written via slog (see gateway.go logRequest).

	// Authentication.
	if a.cfg.Auth.Mode == "static" {
		gw.SetAuthenticator(auth.NewStaticKeyAuthenticator(a.cfg.Auth.StaticKeys))
		a.log.Info("auth mode: static", slog.Int("keys", len(a.cfg.Auth.StaticKeys)))
	}

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
