package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel"

	"github.com/teamlens/syncd/pkg/store"
)

// Cache is the two-tier result cache: a process-local ttlcache in front of
// durable rows in the store. The durable row's capture timestamp is
// authoritative; the memory tier is a best-effort accelerator.
type Cache struct {
	logger *slog.Logger
	store  *store.Store
	mem    *ttlcache.Cache[string, []byte]

	statsLk          sync.RWMutex
	hits             uint64
	misses           uint64
	lastSweepAt      time.Time
	lastSweepRemoved int64

	sweepInterval time.Duration
	done          chan struct{}
}

var tracer = otel.Tracer("cache")

// Stats is a read-only snapshot of cache behavior for observability.
type Stats struct {
	Hits             uint64    `json:"hits"`
	Misses           uint64    `json:"misses"`
	HitRate          float64   `json:"hit_rate"`
	MemoryEntries    int       `json:"memory_entries"`
	LastSweepAt      time.Time `json:"last_sweep_at"`
	LastSweepRemoved int64     `json:"last_sweep_removed"`
}

func New(logger *slog.Logger, st *store.Store, sweepInterval time.Duration) *Cache {
	logger = logger.With("module", "cache")

	mem := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)
	go mem.Start()

	c := &Cache{
		logger:        logger,
		store:         st,
		mem:           mem,
		sweepInterval: sweepInterval,
		done:          make(chan struct{}),
	}

	if sweepInterval > 0 {
		go c.sweepLoop()
	}

	return c
}

// Get checks the memory tier, then the durable tier. A durable hit is
// promoted back into memory for its remaining TTL. A durable-tier failure
// degrades to a miss (fail-open toward the remote source) and is reported
// through the degraded return so callers can surface the advisory.
func (c *Cache) Get(ctx context.Context, key string) (value []byte, degraded bool, ok bool) {
	ctx, span := tracer.Start(ctx, "Get")
	defer span.End()

	if item := c.mem.Get(key); item != nil {
		c.recordHit()
		return item.Value(), false, true
	}

	entry, err := c.store.GetCacheEntry(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("durable cache read failed, treating as miss", "key", key, "err", err)
			cacheDegraded.Inc()
			degraded = true
		}
		c.recordMiss()
		return nil, degraded, false
	}

	now := time.Now()
	if entry.Expired(now) {
		// Lazy expiry; the sweep loop removes the row eventually.
		c.recordMiss()
		return nil, false, false
	}

	remaining := time.Duration(entry.TTLSeconds)*time.Second - now.Sub(entry.CapturedAt)
	c.mem.Set(key, entry.Value, remaining)

	c.recordHit()
	return entry.Value, false, true
}

// Put writes both tiers. The memory write is synchronous and immediately
// visible; a durable write failure leaves the memory entry in place and is
// reported as a degrade, not an error.
func (c *Cache) Put(ctx context.Context, key, userID string, value []byte, ttl time.Duration) (degraded bool) {
	ctx, span := tracer.Start(ctx, "Put")
	defer span.End()

	c.mem.Set(key, value, ttl)

	err := c.store.PutCacheEntry(ctx, store.CacheEntry{
		Key:        key,
		UserID:     userID,
		Value:      value,
		CapturedAt: time.Now(),
		TTLSeconds: int64(ttl / time.Second),
	})
	if err != nil {
		c.logger.Warn("durable cache write failed", "key", key, "err", err)
		cacheDegraded.Inc()
		return true
	}

	return false
}

// Invalidate removes a single key from both tiers.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	c.mem.Delete(key)
	return c.store.DeleteCacheEntry(ctx, key)
}

// InvalidateUser drops every cached entry owned by the user. Used on
// disconnect and on explicit user-requested refresh.
func (c *Cache) InvalidateUser(ctx context.Context, userID string) error {
	// The memory tier is not indexed by user, so clear it wholesale. It
	// refills from the durable tier on the next read.
	c.mem.DeleteAll()
	return c.store.DeleteCacheEntriesForUser(ctx, userID)
}

// SweepExpired removes lapsed durable rows and expired memory entries.
// Idempotent; safe to run concurrently and repeatedly.
func (c *Cache) SweepExpired(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "SweepExpired")
	defer span.End()

	c.mem.DeleteExpired()

	removed, err := c.store.DeleteExpiredCacheEntries(ctx, time.Now())

	c.statsLk.Lock()
	c.lastSweepAt = time.Now()
	c.lastSweepRemoved = removed
	c.statsLk.Unlock()

	if err != nil {
		return removed, err
	}

	sweepRemoved.Add(float64(removed))

	return removed, nil
}

func (c *Cache) Stats() Stats {
	c.statsLk.RLock()
	defer c.statsLk.RUnlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}

	return Stats{
		Hits:             c.hits,
		Misses:           c.misses,
		HitRate:          rate,
		MemoryEntries:    c.mem.Len(),
		LastSweepAt:      c.lastSweepAt,
		LastSweepRemoved: c.lastSweepRemoved,
	}
}

// Close stops the sweep loop and the memory tier's expiry goroutine.
func (c *Cache) Close() {
	close(c.done)
	c.mem.Stop()
}

func (c *Cache) recordHit() {
	cacheHits.Inc()
	c.statsLk.Lock()
	c.hits++
	c.statsLk.Unlock()
}

func (c *Cache) recordMiss() {
	cacheMisses.Inc()
	c.statsLk.Lock()
	c.misses++
	c.statsLk.Unlock()
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			removed, err := c.SweepExpired(context.Background())
			if err != nil {
				c.logger.Error("failed to sweep expired cache entries", "err", err)
				continue
			}
			if removed > 0 {
				c.logger.Info("swept expired cache entries", "removed", removed)
			}
		}
	}
}
