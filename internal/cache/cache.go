package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Stats is a snapshot of multi-tier cache counters.
type Stats struct {
	// Gets counts all Get calls; Hits counts the ones served from any tier.
	Gets uint64
	Hits uint64

	// Sets counts all Set calls.
	Sets uint64

	// TierHits counts hits per tier name.
	TierHits map[string]uint64
}

// HitRatio returns Hits/Gets, or 0 when nothing has been requested.
func (s Stats) HitRatio() float64 {
	if s.Gets == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Gets)
}

// Cache composes storage tiers, fastest first. A hit in a lower tier is
// promoted into every faster tier; a tier backend failure degrades silently
// (the tier is skipped) and surfaces only through [Cache.Health].
//
// Safe for concurrent use.
type Cache struct {
	tiers []Tier

	mu       sync.Mutex
	gets     uint64
	hits     uint64
	sets     uint64
	tierHits map[string]uint64
}

// New composes the given tiers in probe order (memory first).
func New(tiers ...Tier) *Cache {
	return &Cache{
		tiers:    tiers,
		tierHits: make(map[string]uint64),
	}
}

// Get probes tiers in order. On a hit in tier k, the value is promoted to
// tiers 0..k-1 in the background; promotion is idempotent (values are
// content-addressed) and never delays the returning Get.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	c.gets++
	c.mu.Unlock()

	for i, tier := range c.tiers {
		value, ok, err := tier.Get(ctx, key)
		if err != nil {
			slog.Debug("cache tier get failed, skipping",
				"tier", tier.Name(), "error", err)
			continue
		}
		if !ok {
			continue
		}

		c.mu.Lock()
		c.hits++
		c.tierHits[tier.Name()]++
		c.mu.Unlock()

		if i > 0 {
			c.promote(key, value, c.tiers[:i])
		}
		return value, true
	}
	return nil, false
}

// Set writes the value to every tier.
func (c *Cache) Set(ctx context.Context, key string, value []byte) {
	c.mu.Lock()
	c.sets++
	c.mu.Unlock()

	for _, tier := range c.tiers {
		if err := tier.Set(ctx, key, value); err != nil {
			slog.Debug("cache tier set failed, skipping",
				"tier", tier.Name(), "error", err)
		}
	}
}

// Delete removes the key from every tier.
func (c *Cache) Delete(ctx context.Context, key string) {
	for _, tier := range c.tiers {
		if err := tier.Delete(ctx, key); err != nil {
			slog.Debug("cache tier delete failed, skipping",
				"tier", tier.Name(), "error", err)
		}
	}
}

// Clear empties every tier.
func (c *Cache) Clear(ctx context.Context) {
	for _, tier := range c.tiers {
		if err := tier.Clear(ctx); err != nil {
			slog.Warn("cache tier clear failed",
				"tier", tier.Name(), "error", err)
		}
	}
}

// Contains reports whether key is present in any tier, without counting a
// get or triggering promotion. Used by the predictive generator to dedupe.
func (c *Cache) Contains(ctx context.Context, key string) bool {
	for _, tier := range c.tiers {
		if _, ok, err := tier.Get(ctx, key); err == nil && ok {
			return true
		}
	}
	return false
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	hits := make(map[string]uint64, len(c.tierHits))
	for k, v := range c.tierHits {
		hits[k] = v
	}
	return Stats{Gets: c.gets, Hits: c.hits, Sets: c.sets, TierHits: hits}
}

// Health pings every tier and returns a map of tier name → error (nil when
// healthy).
func (c *Cache) Health(ctx context.Context) map[string]error {
	out := make(map[string]error, len(c.tiers))
	for _, tier := range c.tiers {
		out[tier.Name()] = tier.Ping(ctx)
	}
	return out
}

// promote writes the value into faster tiers in the background.
func (c *Cache) promote(key string, value []byte, faster []Tier) {
	tiers := make([]Tier, len(faster))
	copy(tiers, faster)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, tier := range tiers {
			if err := tier.Set(ctx, key, value); err != nil {
				slog.Debug("cache promotion failed",
					"tier", tier.Name(), "error", err)
			}
		}
	}()
}

// sweeper is implemented by tiers with in-process expiry sweeps.
type sweeper interface {
	Sweep() int
}

// RunMaintenance periodically sweeps expired entries from tiers that support
// it, until ctx is cancelled. Run it in its own goroutine.
func (c *Cache) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tier := range c.tiers {
				switch t := tier.(type) {
				case sweeper:
					if n := t.Sweep(); n > 0 {
						slog.Debug("cache sweep removed entries",
							"tier", tier.Name(), "removed", n)
					}
				case *KVTier:
					if n, err := t.Sweep(ctx); err == nil && n > 0 {
						slog.Debug("cache sweep removed entries",
							"tier", tier.Name(), "removed", n)
					}
				}
			}
		}
	}
}
