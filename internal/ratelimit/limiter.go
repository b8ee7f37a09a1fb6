// Package ratelimit implements hierarchical token-bucket rate limiting over
// global, router, api-key, and user scopes, with in-memory and Redis-backed
// atomic implementations.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Scope identifies one level of the rate-limit hierarchy. A request is
// admitted only if every applicable scope has capacity.
type Scope int

const (
	Global Scope = iota
	RouterScope
	APIKeyScope
	UserScope
)

func (s Scope) String() string {
	switch s {
	case Global:
		return "global"
	case RouterScope:
		return "router"
	case APIKeyScope:
		return "api-key"
	case UserScope:
		return "user"
	default:
		return "unknown"
	}
}

// Counter selects what a bucket meters. Requests are checked at admission;
// Tokens and Dollars may be charged post-response (see Mode).
type Counter int

const (
	Requests Counter = iota
	Tokens
	Dollars
)

// Mode controls when dollar/token-scoped buckets are debited.
type Mode int

const (
	// Settle debits only after the response is known, using actual usage.
	// Never blocks admission on cost it hasn't observed yet.
	Settle Mode = iota
	// Estimate debits a conservative pre-request estimate at admission time.
	Estimate
)

// BucketConfig describes one scope's bucket for one counter.
type BucketConfig struct {
	Capacity        int64
	RefillPerPeriod int64
	Period          time.Duration
}

// Key identifies one bucket: a scope, the counter it meters, and the
// identity within that scope (router name, API key hash, user id — empty
// for Global).
type Key struct {
	Scope   Scope
	Counter Counter
	ID      string
}

func (k Key) redisKey() string {
	return fmt.Sprintf("ratelimit:%s:%d:%s", k.Scope, k.Counter, k.ID)
}

// resolveConfig looks up the BucketConfig for key, falling back to a
// wildcard entry for the same Scope/Counter with an empty ID. This lets a
// Limiter be configured once per scope (e.g. "every API key gets 500 rpm")
// without knowing every ID — router names, API-key hashes, user IDs — up
// front; each ID still gets its own independently-metered bucket.
func resolveConfig(configs map[Key]BucketConfig, key Key) (BucketConfig, bool) {
	if cfg, ok := configs[key]; ok {
		return cfg, true
	}
	cfg, ok := configs[Key{Scope: key.Scope, Counter: key.Counter}]
	return cfg, ok
}

// Backend performs the atomic multi-bucket admission check. Implementations
// must decrement every bucket in keys together, and roll back the ones
// already decremented if any bucket lacks capacity — a request is never
// partially admitted.
type Backend interface {
	TryAcquire(ctx context.Context, keys []Key, configs map[Key]BucketConfig, amount int64) (allowed bool, retryAfter time.Duration, err error)
}

// Limiter is the hierarchical rate limiter used by the dispatch pipeline. It
// composes a Backend with per-router scope configuration.
type Limiter struct {
	backend Backend
	mode    Mode
	configs map[Key]BucketConfig
}

// New builds a Limiter over backend with the given per-key bucket
// configuration and dollar/token settlement mode.
func New(backend Backend, configs map[Key]BucketConfig, mode Mode) *Limiter {
	return &Limiter{backend: backend, configs: configs, mode: mode}
}

// Mode reports the configured settlement mode for token/dollar buckets.
func (l *Limiter) Mode() Mode { return l.mode }

// Allow checks the Requests counter across every key. On any rejection, the
// backend has already rolled back the buckets it decremented — callers do
// not need to release anything.
func (l *Limiter) Allow(ctx context.Context, keys ...Key) (bool, time.Duration, error) {
	if len(keys) == 0 {
		return true, 0, nil
	}
	return l.backend.TryAcquire(ctx, keys, l.configs, 1)
}

// Charge debits a token or dollar bucket post-response. Used for Settle mode
// (always) and, in Estimate mode, to true up the estimate charged at
// admission — callers pass the delta between actual and estimated usage,
// which may be negative.
func (l *Limiter) Charge(ctx context.Context, key Key, amount int64) error {
	if amount == 0 {
		return nil
	}
	_, _, err := l.backend.TryAcquire(ctx, []Key{key}, l.configs, amount)
	return err
}

// EstimateCharge admits amount at request time under Estimate mode. Returns
// the same admission semantics as Allow.
func (l *Limiter) EstimateCharge(ctx context.Context, key Key, amount int64) (bool, time.Duration, error) {
	return l.backend.TryAcquire(ctx, []Key{key}, l.configs, amount)
}
