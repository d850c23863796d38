// Package idempotency deduplicates inbound platform events by event id.
//
// Platforms redeliver webhooks aggressively; the cache guarantees that one
// event id dispatches at most once within the retention window. The
// check-and-set is a single Redis SETNX so concurrent deliveries of the same
// event race safely.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 24 * time.Hour

// Cache is the Redis-backed dedupe window.
type Cache struct {
	rdb       redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// New creates a cache. A zero ttl uses the 24h default.
func New(rdb redis.UniversalClient, ttl time.Duration) *Cache {
	if ttl == 0 {
		ttl = defaultTTL
	}
	return &Cache{rdb: rdb, keyPrefix: "gw:idem:", ttl: ttl}
}

// Seen atomically records eventID and reports whether it was already
// present. The first caller for an id gets false; every later caller within
// the TTL gets true.
func (c *Cache) Seen(ctx context.Context, eventID string) (bool, error) {
	set, err := c.rdb.SetNX(ctx, c.keyPrefix+eventID, "1", c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency setnx: %w", err)
	}
	return !set, nil
}

// Forget removes the marker for eventID. Used when a handler exceeds its
// budget: the event must stay eligible for a platform retry.
func (c *Cache) Forget(ctx context.Context, eventID string) error {
	if err := c.rdb.Del(ctx, c.keyPrefix+eventID).Err(); err != nil {
		return fmt.Errorf("idempotency del: %w", err)
	}
	return nil
}
