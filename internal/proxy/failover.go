package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riftgate/gateway/internal/catalog"
	"github.com/riftgate/gateway/internal/health"
	"github.com/riftgate/gateway/internal/providers"
)

// failoverEvent records one failover attempt for observability.
type failoverEvent struct {
	From      string
	To        string
	Reason    string
	LatencyMs int64
}

// requestWithFailover tries the primary provider and, on retryable errors,
// walks the remaining candidates from buildCandidateList until one succeeds
// or g.maxRetries is exhausted.
//
// It skips providers whose circuit breaker is in the Open state.
// Returns the successful response, the name of the provider that served it,
// and nil — or nil, "", and an error if every candidate fails.
func (g *Gateway) requestWithFailover(
	ctx context.Context,
	req *providers.ProxyRequest,
	primary string,
	route string,
) (*providers.ProxyResponse, string, error) {

	candidates := buildCandidateList(primary, g.catalog, req.Model)

	var lastErr error

	prevProvider := ""
	prevReason := ""
	havePrevFailure := false
	attempts := 0

	for _, name := range candidates {
		if attempts >= g.maxRetries {
			break
		}

		prov, ok := g.providers[name]
		if !ok {
			continue // provider not configured, skip
		}

		// Skip endpoints excluded by the latency/load-aware health table
		// (used by the balancer for candidate scoring outside this loop).
		if g.endpointHealth != nil && !g.endpointHealth.Allow(health.EndpointID(name)) {
			continue
		}

		// Skip providers whose circuit breaker is open.
		if g.cb != nil && !g.cb.Allow(name) {
			g.log.WarnContext(ctx, "circuit_breaker_open",
				slog.String("request_id", req.RequestID),
				slog.String("provider", name),
			)
			if g.metrics != nil {
				g.metrics.RecordCircuitBreakerRejection(name, g.cb.StateLabel(name))
				g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
				g.metrics.ObserveUpstreamAttempt(name, route, "circuit_reject", 0)
			}
			continue
		}

		// We are switching to a different provider after a failure.
		if havePrevFailure && prevProvider != "" && prevProvider != name {
			if g.metrics != nil {
				g.metrics.RecordFailover(primary, prevProvider, name, prevReason)
			}
		}

		start := time.Now()
		resp, err := prov.Request(ctx, req)
		dur := time.Since(start)
		latencyMs := dur.Milliseconds()
		attempts++

		if err == nil {
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(name, route, "success", dur)
			}
			// ── Success ───────────────────────────────────────────────────────
			if g.cb != nil {
				g.cb.RecordSuccess(name)
				if g.metrics != nil {
					g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
				}
			}
			if g.endpointHealth != nil {
				id := health.EndpointID(name)
				g.endpointHealth.ObserveLatency(id, dur)
				g.endpointHealth.ObserveResult(id, health.Success)
				if g.metrics != nil {
					g.metrics.SetEndpointHealthScore(name, g.endpointHealth.LoadScore(id))
				}
			}
			if name != primary {
				g.log.InfoContext(ctx, "failover_success",
					slog.String("request_id", req.RequestID),
					slog.String("from", primary),
					slog.String("to", name),
					slog.Int64("latency_ms", latencyMs),
				)
				if g.metrics != nil {
					g.metrics.RecordFailoverSuccess(primary, name)
				}
			}
			return resp, name, nil
		}

		// ── Failure ───────────────────────────────────────────────────────────
		if g.cb != nil {
			g.cb.RecordFailure(name)
			if g.metrics != nil {
				g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
			}
		}
		if g.endpointHealth != nil {
			id := health.EndpointID(name)
			g.endpointHealth.ObserveLatency(id, dur)
			switch {
			case isRateLimited(err):
				g.endpointHealth.ObserveResult(id, health.RateLimited)
				g.endpointHealth.SetRateLimitReset(id, rateLimitResetAt(err))
			case !isRetryable(err):
				g.endpointHealth.ObserveResult(id, health.Fatal)
			default:
				g.endpointHealth.ObserveResult(id, health.RetryableError)
			}
			if g.metrics != nil {
				g.metrics.SetEndpointHealthScore(name, g.endpointHealth.LoadScore(id))
			}
		}

		reason := classifyError(err)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(name, route, reason, dur)
			g.metrics.RecordError(name, reason)
		}
		g.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("from", primary),
			slog.String("to", name),
			slog.String("reason", reason),
			slog.Int64("latency_ms", latencyMs),
			slog.String("error", err.Error()),
		)

		lastErr = err
		prevProvider = name
		prevReason = reason
		havePrevFailure = true

		// Non-retryable errors (4xx, excluding rate limits) abort failover
		// immediately — further providers are unlikely to return a different
		// result for the same request parameters. A 429/408/425 only cools
		// down the offending endpoint (above) and moves on to the next
		// candidate rather than aborting the whole walk.
		if !isRetryable(err) {
			break
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no providers available")
	}
	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(primary)
	}
	return nil, "", fmt.Errorf("failover: all providers failed after %d attempt(s): %w", attempts, lastErr)
}

// buildCandidateList returns an ordered slice starting with primary, followed
// by the remaining candidates.
//
// When cat is non-nil the pool is drawn from the model's catalog entry — the
// provider mapping (aliases, cost-based routing) configured for the router —
// falling back to the flat providers.DefaultFallbackOrder walk when the
// model is unknown to the catalog or no catalog is attached.
func buildCandidateList(primary string, cat *catalog.Catalog, model string) []string {
	if cat != nil {
		if endpoints, err := cat.Resolve(model); err == nil && len(endpoints) > 0 {
			seen := map[string]bool{}
			out := make([]string, 0, len(endpoints)+1)
			if _, ok := seen[primary]; !ok {
				seen[primary] = true
				out = append(out, primary)
			}
			for _, e := range endpoints {
				if !seen[e.Provider] {
					seen[e.Provider] = true
					out = append(out, e.Provider)
				}
			}
			return out
		}
	}

	seen := map[string]bool{primary: true}
	out := []string{primary}
	for _, name := range providers.DefaultFallbackOrder {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// isRetryable returns true for errors that should trigger provider failover.
//
//   - 5xx provider errors → retryable (infrastructure failure)
//   - 429/408/425 → retryable (the endpoint itself cools down, see isRateLimited)
//   - context.DeadlineExceeded → retryable (timeout, different provider may be faster)
//   - other 4xx provider errors → NOT retryable (bad request / auth — won't change)
//   - unknown errors → retryable (conservative default)
func isRetryable(err error) bool {
	if err == context.DeadlineExceeded {
		return true
	}
	if sc, ok := err.(providers.StatusCoder); ok {
		status := sc.HTTPStatus()
		return (status >= 500 && status < 600) || isRateLimitStatus(status)
	}
	return true // unknown errors are treated as retryable
}

// isRateLimitStatus reports whether status is one the upstream uses to signal
// that the caller should back off this endpoint specifically: 429 (Too Many
// Requests), 408 (Request Timeout), and 425 (Too Early).
func isRateLimitStatus(status int) bool {
	return status == 429 || status == 408 || status == 425
}

// isRateLimited reports whether err represents a rate-limit style response
// that should cool down the endpoint rather than open its circuit breaker.
func isRateLimited(err error) bool {
	sc, ok := err.(providers.StatusCoder)
	return ok && isRateLimitStatus(sc.HTTPStatus())
}

// defaultRateLimitCooldown is used when the provider error does not surface
// a Retry-After value.
const defaultRateLimitCooldown = 30 * time.Second

// retryAfterer is an optional interface a provider error can implement to
// report an upstream-supplied Retry-After duration.
type retryAfterer interface {
	RetryAfter() (time.Duration, bool)
}

// rateLimitResetAt computes when an endpoint should become eligible again
// after a rate-limit response, honoring a provider-reported Retry-After when
// available and falling back to defaultRateLimitCooldown otherwise.
func rateLimitResetAt(err error) time.Time {
	if ra, ok := err.(retryAfterer); ok {
		if d, ok := ra.RetryAfter(); ok && d > 0 {
			return time.Now().Add(d)
		}
	}
	return time.Now().Add(defaultRateLimitCooldown)
}

// classifyError converts an error into a short human-readable category string
// used in log fields and metrics labels.
func classifyError(err error) string {
	if err == context.DeadlineExceeded {
		return "timeout"
	}
	if sc, ok := err.(providers.StatusCoder); ok {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}
