// Package cache memoizes expensive results across two tiers: a bounded
// in-process LRU and an optional shared Redis tier. The cache is strictly
// best-effort. Every failure is logged and reported as a miss, never
// returned to the caller.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/phrazzld/aiqueue/internal/config"
	"github.com/phrazzld/aiqueue/internal/domain"
	"github.com/phrazzld/aiqueue/internal/platform/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// durableWriteTimeout bounds each asynchronous write to the durable tier.
const durableWriteTimeout = 5 * time.Second

// DurableStore is the shared tier. *redisstore.Client satisfies it.
type DurableStore interface {
	Enabled() bool
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	DeletePattern(ctx context.Context, pattern string) (int, error)
	MemoryUsed(ctx context.Context) (string, error)
}

type entry struct {
	data      []byte
	ttl       time.Duration
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return e.ttl > 0 && !now.Before(e.expiresAt)
}

// Stats summarizes cache effectiveness.
type Stats struct {
	MemorySize        int     `json:"memory_size"`
	MemoryMax         int     `json:"memory_max"`
	HitRate           float64 `json:"hit_rate"`
	Hits              int64   `json:"hits"`
	Misses            int64   `json:"misses"`
	DurableMemoryUsed string  `json:"durable_memory_used"`
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces the time source used for memory-tier expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMeterProvider records hit and miss counters against provider instead of
// the global MeterProvider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(c *Cache) { c.provider = provider }
}

// Cache is safe for concurrent use.
type Cache struct {
	types     map[domain.CacheType]config.CacheTypeConfig
	memoryTTL time.Duration
	memoryMax int
	store     DurableStore
	logger    *slog.Logger
	now       func() time.Time
	provider  metric.MeterProvider

	mem *lru.Cache[string, entry]

	hits   atomic.Int64
	misses atomic.Int64

	hitCounter  metric.Int64Counter
	missCounter metric.Int64Counter

	pending sync.WaitGroup

	// durable writes still in flight, by key
	inflightMu sync.Mutex
	inflight   map[string][]chan struct{}
}

// New creates a cache. store may be nil, or report Enabled() == false, in
// which case only the memory tier is used.
func New(cfg config.CacheConfig, store DurableStore, logger *slog.Logger, opts ...Option) (*Cache, error) {
	if cfg.MemoryMaxItems <= 0 {
		return nil, fmt.Errorf("%w: memory max items must be positive, got %d",
			domain.ErrConfiguration, cfg.MemoryMaxItems)
	}

	mem, err := lru.New[string, entry](cfg.MemoryMaxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory tier: %w", err)
	}

	types := make(map[domain.CacheType]config.CacheTypeConfig, len(cfg.Types))
	for name, tc := range cfg.Types {
		types[domain.CacheType(name)] = tc
	}

	if store != nil && !store.Enabled() {
		store = nil
	}

	c := &Cache{
		types:     types,
		memoryTTL: cfg.MemoryTTL,
		memoryMax: cfg.MemoryMaxItems,
		store:     store,
		logger:    logger.With("component", "cache"),
		now:       time.Now,
		mem:       mem,
		inflight:  make(map[string][]chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	meter := telemetry.Meter(c.provider)
	c.hitCounter = telemetry.Counter(meter, "aiq.cache.hits", "Cache lookups served from a tier", c.logger)
	c.missCounter = telemetry.Counter(meter, "aiq.cache.misses", "Cache lookups served from no tier", c.logger)

	if c.store == nil {
		c.logger.Info("durable cache tier disabled, running memory-only")
	}
	return c, nil
}

// Key returns the storage key for request under cache type ct.
func (c *Cache) Key(ct domain.CacheType, request any) (string, error) {
	tc, ok := c.types[ct]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrUnknownCacheType, ct)
	}
	return deriveKey(tc.Prefix, request)
}

// HasType reports whether ct is configured.
func (c *Cache) HasType(ct domain.CacheType) bool {
	_, ok := c.types[ct]
	return ok
}

// memoryExpiry is the shorter of the type's TTL and the memory tier's TTL,
// where zero means no expiry.
func (c *Cache) memoryExpiry(tc config.CacheTypeConfig) time.Duration {
	typeTTL := tc.Expiry()
	switch {
	case typeTTL == 0:
		return c.memoryTTL
	case c.memoryTTL == 0:
		return typeTTL
	case typeTTL < c.memoryTTL:
		return typeTTL
	default:
		return c.memoryTTL
	}
}

func (c *Cache) resolve(ctx context.Context, op string, ct domain.CacheType, request any) (config.CacheTypeConfig, string, bool) {
	tc, ok := c.types[ct]
	if !ok {
		c.logger.WarnContext(ctx, "unknown cache type", "op", op, "cache_type", string(ct))
		return tc, "", false
	}
	key, err := deriveKey(tc.Prefix, request)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to derive cache key",
			"op", op, "cache_type", string(ct), "error", err)
		return tc, "", false
	}
	return tc, key, true
}

// Get looks request up under ct and decodes a hit into out, which must be a
// pointer. It reports whether out was populated.
func (c *Cache) Get(ctx context.Context, ct domain.CacheType, request any, out any) bool {
	tc, key, ok := c.resolve(ctx, "get", ct, request)
	if !ok {
		c.recordMiss(ctx, ct)
		return false
	}

	if tc.MemoryEnabled {
		if data, ok := c.memoryGet(key); ok {
			if c.decode(ctx, ct, key, data, out) {
				c.recordHit(ctx, ct, "memory")
				return true
			}
			c.mem.Remove(key)
		}
	}

	if c.store != nil {
		data, found, err := c.store.Get(ctx, key)
		if err != nil {
			c.logger.WarnContext(ctx, "durable cache read failed",
				"cache_type", string(ct), "key", key, "error", err)
		}
		if found && c.decode(ctx, ct, key, data, out) {
			if tc.MemoryEnabled {
				c.memorySet(key, data, c.memoryExpiry(tc))
			}
			c.recordHit(ctx, ct, "durable")
			return true
		}
	}

	c.recordMiss(ctx, ct)
	return false
}

// Lookup is a typed Get.
func Lookup[V any](ctx context.Context, c *Cache, ct domain.CacheType, request any) (V, bool) {
	var v V
	ok := c.Get(ctx, ct, request, &v)
	return v, ok
}

// Set stores value for request under ct. The memory tier is written before
// Set returns; the durable tier is written in the background.
func (c *Cache) Set(ctx context.Context, ct domain.CacheType, request any, value any) {
	tc, key, ok := c.resolve(ctx, "set", ct, request)
	if !ok {
		return
	}

	data, err := json.Marshal(value)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to encode cache value",
			"cache_type", string(ct), "error", err)
		return
	}

	if tc.MemoryEnabled {
		c.memorySet(key, data, c.memoryExpiry(tc))
	}

	if c.store == nil {
		return
	}

	ttl := tc.Expiry()
	done := c.track(key)
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		defer c.untrack(key, done)

		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), durableWriteTimeout)
		defer cancel()

		if err := c.store.Set(wctx, key, data, ttl); err != nil {
			c.logger.WarnContext(wctx, "durable cache write failed",
				"cache_type", string(ct), "key", key, "error", err)
		}
	}()
}

// Delete removes request's entry under ct from both tiers.
func (c *Cache) Delete(ctx context.Context, ct domain.CacheType, request any) {
	_, key, ok := c.resolve(ctx, "delete", ct, request)
	if !ok {
		return
	}

	c.mem.Remove(key)

	if c.store != nil {
		if err := c.awaitWrites(ctx, func(k string) bool { return k == key }); err != nil {
			c.logger.WarnContext(ctx, "durable cache delete abandoned",
				"cache_type", string(ct), "key", key, "error", err)
			return
		}
		if err := c.store.Del(ctx, key); err != nil {
			c.logger.WarnContext(ctx, "durable cache delete failed",
				"cache_type", string(ct), "key", key, "error", err)
		}
	}
}

// ClearType removes every durable entry under ct's prefix. The memory tier
// cannot delete by prefix, so it is flushed entirely.
func (c *Cache) ClearType(ctx context.Context, ct domain.CacheType) {
	tc, ok := c.types[ct]
	if !ok {
		c.logger.WarnContext(ctx, "unknown cache type", "op", "clear", "cache_type", string(ct))
		return
	}

	c.mem.Purge()

	if c.store == nil {
		c.logger.InfoContext(ctx, "cache type cleared", "cache_type", string(ct), "durable_keys", 0)
		return
	}

	if err := c.awaitWrites(ctx, func(k string) bool { return strings.HasPrefix(k, tc.Prefix) }); err != nil {
		c.logger.WarnContext(ctx, "durable cache clear abandoned", "cache_type", string(ct), "error", err)
		return
	}

	n, err := c.store.DeletePattern(ctx, tc.Prefix+"*")
	if err != nil {
		c.logger.WarnContext(ctx, "durable cache clear failed",
			"cache_type", string(ct), "deleted", n, "error", err)
		return
	}
	c.logger.InfoContext(ctx, "cache type cleared", "cache_type", string(ct), "durable_keys", n)
}

// Stats reports memory-tier occupancy, hit counters and durable-tier memory.
func (c *Cache) Stats(ctx context.Context) Stats {
	hits, misses := c.hits.Load(), c.misses.Load()

	s := Stats{
		MemorySize:        c.mem.Len(),
		MemoryMax:         c.memoryMax,
		Hits:              hits,
		Misses:            misses,
		DurableMemoryUsed: "disabled",
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}

	if c.store != nil {
		used, err := c.store.MemoryUsed(ctx)
		if err != nil {
			c.logger.WarnContext(ctx, "failed to read durable cache memory", "error", err)
			s.DurableMemoryUsed = "unavailable"
		} else {
			s.DurableMemoryUsed = used
		}
	}
	return s
}

func (c *Cache) track(key string) chan struct{} {
	done := make(chan struct{})
	c.inflightMu.Lock()
	c.inflight[key] = append(c.inflight[key], done)
	c.inflightMu.Unlock()
	return done
}

func (c *Cache) untrack(key string, done chan struct{}) {
	c.inflightMu.Lock()
	list := c.inflight[key]
	for i, ch := range list {
		if ch == done {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.inflight, key)
	} else {
		c.inflight[key] = list
	}
	c.inflightMu.Unlock()
	close(done)
}

// awaitWrites waits for the in-flight durable writes of every key match
// accepts, so a delete issued afterwards cannot be overtaken by them.
func (c *Cache) awaitWrites(ctx context.Context, match func(key string) bool) error {
	c.inflightMu.Lock()
	var waits []chan struct{}
	for k, list := range c.inflight {
		if match(k) {
			waits = append(waits, list...)
		}
	}
	c.inflightMu.Unlock()

	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Flush blocks until every background durable write has finished.
func (c *Cache) Flush() {
	c.pending.Wait()
}

func (c *Cache) memoryGet(key string) ([]byte, bool) {
	e, ok := c.mem.Get(key)
	if !ok {
		return nil, false
	}

	now := c.now()
	if e.expired(now) {
		c.mem.Remove(key)
		return nil, false
	}

	// reading an entry renews its lifetime
	if e.ttl > 0 {
		e.expiresAt = now.Add(e.ttl)
		c.mem.Add(key, e)
	}
	return e.data, true
}

func (c *Cache) memorySet(key string, data []byte, ttl time.Duration) {
	e := entry{data: data, ttl: ttl}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.mem.Add(key, e)
}

func (c *Cache) decode(ctx context.Context, ct domain.CacheType, key string, data []byte, out any) bool {
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.WarnContext(ctx, "failed to decode cached value",
			"cache_type", string(ct), "key", key, "error", err)
		return false
	}
	return true
}

func (c *Cache) recordHit(ctx context.Context, ct domain.CacheType, tier string) {
	c.hits.Add(1)
	c.hitCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache_type", string(ct)),
		attribute.String("tier", tier),
	))
}

func (c *Cache) recordMiss(ctx context.Context, ct domain.CacheType) {
	c.misses.Add(1)
	c.missCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("cache_type", string(ct))))
}
