package cache

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// Result is what Lookup returns: the entry (if any) and its freshness
// relative to the caller's directive.
type Result struct {
	Entry     Entry
	Freshness Freshness
	Hit       bool
}

// Producer computes a fresh entry on a cache miss or during stale
// revalidation. It must not itself consult the cache.
type Producer func(ctx context.Context) (Entry, error)

// ResponseCache adds fingerprint-keyed lookup, stale-while-revalidate, and
// in-process single-flighted revalidation on top of a byte-oriented Cache
// backend. Concurrent requests for the same key collapse into one Producer
// call; the result is shared with every waiter.
type ResponseCache struct {
	backend Cache
	group   singleflight.Group
	log     *slog.Logger
}

// NewResponseCache wraps backend with fingerprint/SWR/single-flight semantics.
func NewResponseCache(backend Cache, log *slog.Logger) *ResponseCache {
	if log == nil {
		log = slog.Default()
	}
	return &ResponseCache{backend: backend, log: log}
}

// Lookup fetches key and classifies it against directive. A miss or expired
// entry reports Hit=false; callers are expected to call GetOrProduce next.
func (rc *ResponseCache) Lookup(ctx context.Context, key string, directive Directive) Result {
	if !directive.Enabled() {
		return Result{}
	}

	raw, ok := rc.backend.Get(ctx, key)
	if !ok {
		return Result{}
	}

	entry, err := decodeEntry(raw)
	if err != nil {
		rc.log.WarnContext(ctx, "cache_decode_error", slog.String("key", key), slog.String("error", err.Error()))
		return Result{}
	}

	freshness := directive.Classify(entry.CreatedAt)
	if freshness == Expired {
		return Result{}
	}
	return Result{Entry: entry, Freshness: freshness, Hit: true}
}

// GetOrProduce implements the full SWR flow:
//
//   - Fresh hit: return immediately, no Producer call.
//   - Stale hit: return the stale entry immediately, and kick off a
//     single-flighted background revalidation so the next request sees a
//     fresh entry.
//   - Miss: single-flight the Producer call and cache the result on success.
func (rc *ResponseCache) GetOrProduce(ctx context.Context, key string, directive Directive, produce Producer) (Entry, error) {
	res := rc.Lookup(ctx, key, directive)

	switch {
	case res.Hit && res.Freshness == Fresh:
		return res.Entry, nil

	case res.Hit && res.Freshness == Stale:
		go rc.revalidate(context.WithoutCancel(ctx), key, directive, produce)
		return res.Entry, nil

	default:
		return rc.produceAndStore(ctx, key, directive, produce)
	}
}

func (rc *ResponseCache) revalidate(ctx context.Context, key string, directive Directive, produce Producer) {
	// produceAndStore already single-flights on key; wrapping it in another
	// group.Do on the same key would wait on itself forever.
	if _, err := rc.produceAndStore(ctx, key, directive, produce); err != nil {
		rc.log.WarnContext(ctx, "cache_revalidate_error", slog.String("key", key), slog.String("error", err.Error()))
	}
}

func (rc *ResponseCache) produceAndStore(ctx context.Context, key string, directive Directive, produce Producer) (Entry, error) {
	v, err, _ := rc.group.Do(key, func() (any, error) {
		entry, err := produce(ctx)
		if err != nil {
			return Entry{}, err
		}
		entry.CreatedAt = time.Now()
		rc.store(ctx, key, entry, directive)
		return entry, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

// Put stores a fresh entry directly, bypassing single-flight — used by the
// dispatch pipeline after a successful non-cached upstream call.
func (rc *ResponseCache) Put(ctx context.Context, key string, entry Entry, directive Directive) {
	entry.CreatedAt = time.Now()
	rc.store(ctx, key, entry, directive)
}

func (rc *ResponseCache) store(ctx context.Context, key string, entry Entry, directive Directive) {
	data, err := encodeEntry(entry)
	if err != nil {
		rc.log.WarnContext(ctx, "cache_encode_error", slog.String("key", key), slog.String("error", err.Error()))
		return
	}
	ttl := directive.MaxAge + directive.MaxStale
	if err := rc.backend.Set(ctx, key, data, ttl); err != nil {
		rc.log.WarnContext(ctx, "cache_store_error", slog.String("key", key), slog.String("error", err.Error()))
	}
}
