package cache

import "context"

// Tier is one storage layer of the multi-tier cache. Implementations must be
// safe for concurrent use.
type Tier interface {
	// Name identifies the tier in stats and logs ("memory", "kv", "filesystem").
	Name() string

	// Get returns the value for key, or ok=false on a miss. Expired entries
	// are treated as misses and removed on access.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key with the tier's configured TTL.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key if present.
	Delete(ctx context.Context, key string) error

	// Clear removes all entries owned by this tier.
	Clear(ctx context.Context) error

	// Ping reports whether the tier's backend is reachable.
	Ping(ctx context.Context) error
}
