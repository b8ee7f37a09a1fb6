package ratelimit

import (
	"context"
	"sync"
	"time"
)

// tokenBucket is a single scope's bucket: capacity, current tokens, and a
// fixed-period refill, refilled lazily on access.
type tokenBucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refill     int64
	period     time.Duration
	lastRefill time.Time
}

func newTokenBucket(cfg BucketConfig) *tokenBucket {
	return &tokenBucket{
		capacity:   cfg.Capacity,
		tokens:     cfg.Capacity,
		refill:     cfg.RefillPerPeriod,
		period:     cfg.Period,
		lastRefill: time.Now(),
	}
}

func (b *tokenBucket) refillLocked(now time.Time) {
	if b.period <= 0 {
		return
	}
	elapsed := now.Sub(b.lastRefill)
	periods := int64(elapsed / b.period)
	if periods <= 0 {
		return
	}
	b.tokens += periods * b.refill
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(periods) * b.period)
}

// tryDecrement attempts to take amount tokens, returning whether it
// succeeded and, if not, how long until the next refill might allow it.
func (b *tokenBucket) tryDecrement(amount int64) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.refillLocked(now)

	if b.tokens >= amount {
		b.tokens -= amount
		return true, 0
	}

	retryAfter := b.period - now.Sub(b.lastRefill)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return false, retryAfter
}

func (b *tokenBucket) refund(amount int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens += amount
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// MemoryBackend is a process-local Backend. Each distinct Key gets its own
// bucket, created lazily from configs on first use.
type MemoryBackend struct {
	mu      sync.Mutex
	buckets map[Key]*tokenBucket
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{buckets: make(map[Key]*tokenBucket)}
}

func (m *MemoryBackend) bucketFor(key Key, cfg BucketConfig) *tokenBucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok {
		b = newTokenBucket(cfg)
		m.buckets[key] = b
	}
	return b
}

// TryAcquire decrements every bucket named by keys, atomically as a group:
// if any bucket lacks capacity, every bucket already decremented in this
// call is refunded before returning false.
func (m *MemoryBackend) TryAcquire(ctx context.Context, keys []Key, configs map[Key]BucketConfig, amount int64) (bool, time.Duration, error) {
	select {
	case <-ctx.Done():
		return false, 0, ctx.Err()
	default:
	}

	decremented := make([]*tokenBucket, 0, len(keys))
	var maxRetryAfter time.Duration

	for _, key := range keys {
		cfg, ok := resolveConfig(configs, key)
		if !ok {
			// No configured limit for this key or its scope — treat as unbounded.
			continue
		}
		b := m.bucketFor(key, cfg)
		ok2, retryAfter := b.tryDecrement(amount)
		if !ok2 {
			for _, done := range decremented {
				done.refund(amount)
			}
			if retryAfter > maxRetryAfter {
				maxRetryAfter = retryAfter
			}
			return false, maxRetryAfter, nil
		}
		decremented = append(decremented, b)
	}

	return true, 0, nil
}
