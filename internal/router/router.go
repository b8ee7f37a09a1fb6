// Package router holds the named-router registry: the mapping from an
// inbound request path to the load-balance, rate-limit, cache, and retry
// configuration that governs it.
//
// A Registry is rebuilt wholesale on config reload and swapped in atomically
// so in-flight requests always see one consistent generation; nothing ever
// mutates a live Router in place.
package router

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/riftgate/gateway/internal/balancer"
	"github.com/riftgate/gateway/internal/catalog"
	"github.com/riftgate/gateway/internal/ratelimit"
)

// RetryConfig configures the retry/fallback controller for one router.
type RetryConfig struct {
	MaxAttempts int
}

// CacheDirective mirrors an RFC 7234-style Cache-Control directive used to
// drive freshness and stale-while-revalidate decisions.
type CacheDirective struct {
	MaxAge   int // seconds; 0 disables caching for this router
	MaxStale int // seconds of additional grace after MaxAge, for SWR
}

// Router is one named dispatch pipeline: a pool of candidate models per
// endpoint type, plus its own balancer, rate limiter, cache directive, and
// retry policy.
type Router struct {
	Name string

	Pools       map[catalog.EndpointType][]catalog.Endpoint
	Balancers   map[catalog.EndpointType]*balancer.Balancer
	RateLimiter *ratelimit.Limiter
	Cache       CacheDirective
	Retry       RetryConfig
}

// Candidates returns the configured pool for an endpoint type.
func (r *Router) Candidates(t catalog.EndpointType) []catalog.Endpoint {
	return r.Pools[t]
}

// Balancer returns the balancer configured for an endpoint type, or nil.
func (r *Router) Balancer(t catalog.EndpointType) *balancer.Balancer {
	return r.Balancers[t]
}

// Spec is the config-time description of one router, used to build a
// Registry snapshot via NewRegistry.
type Spec struct {
	Name        string
	Pools       map[catalog.EndpointType][]catalog.Endpoint
	Strategies  map[catalog.EndpointType]balancer.Config
	RateLimiter *ratelimit.Limiter
	Cache       CacheDirective
	Retry       RetryConfig
}

// snapshot is the immutable registry generation held behind the atomic
// pointer. Building it is the only place that allocates Router values.
type snapshot struct {
	byName map[string]*Router
	names  []string
}

// Registry resolves inbound paths to routers. Safe for concurrent use;
// Reload swaps the whole table atomically.
type Registry struct {
	current atomic.Pointer[snapshot]
	def     string // name of the default router, mounted at /ai/ and the legacy flat routes
}

// NewRegistry builds a Registry from specs. cat validates that every pool
// entry is a known catalog endpoint. defaultRouter names the router mounted
// at "/ai/..." and the legacy "/v1/..." routes; it must be one of specs.
func NewRegistry(specs []Spec, cat *catalog.Catalog, defaultRouter string) (*Registry, error) {
	snap, err := buildSnapshot(specs, cat)
	if err != nil {
		return nil, err
	}
	if _, ok := snap.byName[defaultRouter]; !ok {
		return nil, fmt.Errorf("router: default router %q not found among %d configured routers", defaultRouter, len(specs))
	}

	reg := &Registry{def: defaultRouter}
	reg.current.Store(snap)
	return reg, nil
}

func buildSnapshot(specs []Spec, cat *catalog.Catalog) (*snapshot, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("router: at least one router must be configured")
	}

	snap := &snapshot{byName: make(map[string]*Router, len(specs))}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("router: router with empty name")
		}
		if _, exists := snap.byName[spec.Name]; exists {
			return nil, fmt.Errorf("router: duplicate router name %q", spec.Name)
		}
		if cat != nil {
			for _, pool := range spec.Pools {
				for _, ep := range pool {
					if _, err := cat.Resolve(ep.Provider + "/" + ep.Model); err != nil {
						return nil, fmt.Errorf("router %q: pool entry: %w", spec.Name, err)
					}
				}
			}
		}

		r := &Router{
			Name:        spec.Name,
			Pools:       spec.Pools,
			Balancers:   make(map[catalog.EndpointType]*balancer.Balancer, len(spec.Strategies)),
			RateLimiter: spec.RateLimiter,
			Cache:       spec.Cache,
			Retry:       spec.Retry,
		}
		if r.Retry.MaxAttempts <= 0 {
			r.Retry.MaxAttempts = 1
		}
		for epType, cfg := range spec.Strategies {
			r.Balancers[epType] = balancer.New(cfg, cat)
		}

		snap.byName[spec.Name] = r
		snap.names = append(snap.names, spec.Name)
	}
	return snap, nil
}

// Reload atomically replaces the registry's routers.
func (reg *Registry) Reload(specs []Spec, cat *catalog.Catalog) error {
	snap, err := buildSnapshot(specs, cat)
	if err != nil {
		return err
	}
	if _, ok := snap.byName[reg.def]; !ok {
		return fmt.Errorf("router: default router %q missing from reloaded config", reg.def)
	}
	reg.current.Store(snap)
	return nil
}

// Resolve maps an inbound path to its router and endpoint type.
//
// Recognized shapes:
//
//	/router/<name>/<openai-path>  -> named router
//	/ai/<openai-path>             -> default router
//	/v1/<openai-path>             -> default router (legacy flat mount)
func (reg *Registry) Resolve(path string) (*Router, catalog.EndpointType, error) {
	snap := reg.current.Load()

	name := reg.def
	rest := path

	switch {
	case strings.HasPrefix(path, "/router/"):
		trimmed := strings.TrimPrefix(path, "/router/")
		parts := strings.SplitN(trimmed, "/", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, 0, fmt.Errorf("router: malformed path %q", path)
		}
		name = parts[0]
		rest = "/" + parts[1]
	case strings.HasPrefix(path, "/ai/"):
		rest = strings.TrimPrefix(path, "/ai")
	case strings.HasPrefix(path, "/v1/"):
		rest = path
	default:
		return nil, 0, fmt.Errorf("router: unrecognized path %q", path)
	}

	r, ok := snap.byName[name]
	if !ok {
		return nil, 0, fmt.Errorf("router: unknown router %q", name)
	}

	epType, err := endpointTypeForPath(rest)
	if err != nil {
		return nil, 0, err
	}
	return r, epType, nil
}

func endpointTypeForPath(path string) (catalog.EndpointType, error) {
	switch {
	case strings.HasSuffix(path, "/embeddings"):
		return catalog.Embedding, nil
	case strings.HasSuffix(path, "/completions") && !strings.HasSuffix(path, "/chat/completions"):
		return catalog.Completion, nil
	case strings.HasSuffix(path, "/chat/completions"):
		return catalog.Chat, nil
	default:
		return 0, fmt.Errorf("router: unrecognized endpoint path %q", path)
	}
}

// List returns the configured router names in registration order.
func (reg *Registry) List() []string {
	snap := reg.current.Load()
	out := make([]string, len(snap.names))
	copy(out, snap.names)
	return out
}

// Default returns the name of the default router.
func (reg *Registry) Default() string { return reg.def }
