// Package ratelimit throttles the gateway's auth surfaces with a
// sliding-window counter per (action, actor).
//
// The counter store is pluggable: a multi-instance deployment must share
// counters (Redis), while a single-instance deployment may keep them in
// memory. Handlers only see Allow.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store counts events in a sliding window. Hit records one event for key
// and returns the number of events inside the window, including this one.
type Store interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Rule is one throttling rule.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Limiter applies rules over a shared store.
type Limiter struct {
	store  Store
	logger *log.Logger
}

// New creates a limiter over the given store.
func New(store Store) *Limiter {
	return &Limiter{
		store:  store,
		logger: log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
}

// Allow records one hit for (action, actor) and reports whether it stays
// within rule. A denied hit still counts: retrying while throttled extends
// the denial, which is what an auth surface wants.
func (l *Limiter) Allow(ctx context.Context, action, actor string, rule Rule) (bool, error) {
	key := action + ":" + actor
	n, err := l.store.Hit(ctx, key, rule.Window)
	if err != nil {
		return false, fmt.Errorf("rate limit hit: %w", err)
	}
	if n > int64(rule.Limit) {
		l.logger.Printf("throttled: action=%s count=%d limit=%d", action, n, rule.Limit)
		return false, nil
	}
	return true, nil
}

// ============================================================================
// REDIS STORE — shared across instances
// ============================================================================

// RedisStore implements Store on a Redis sorted set per key: one member per
// hit scored by unix-nano, trimmed to the window on every hit.
type RedisStore struct {
	rdb       redis.UniversalClient
	keyPrefix string
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb, keyPrefix: "gw:rl:"}
}

// Hit implements Store.
func (s *RedisStore) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	now := time.Now()
	rkey := s.keyPrefix + key
	cutoff := now.Add(-window).UnixNano()

	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "-inf", fmt.Sprintf("%d", cutoff))
	pipe.ZAdd(ctx, rkey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	card := pipe.ZCard(ctx, rkey)
	pipe.Expire(ctx, rkey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

// ============================================================================
// MEMORY STORE — single-instance deployments and tests
// ============================================================================

// MemoryStore implements Store with per-key hit timestamps. A background
// sweep drops keys whose newest hit has aged out.
type MemoryStore struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	stop chan struct{}
	once sync.Once
}

// NewMemoryStore creates a memory-backed counter store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		hits: make(map[string][]time.Time),
		stop: make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Hit implements Store.
func (s *MemoryStore) Hit(_ context.Context, key string, window time.Duration) (int64, error) {
	now := time.Now()
	cutoff := now.Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.hits[key][:0]
	for _, t := range s.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.hits[key] = kept
	return int64(len(kept)), nil
}

// Close stops the background sweep.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *MemoryStore) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * time.Hour)
			s.mu.Lock()
			for key, times := range s.hits {
				if len(times) == 0 || times[len(times)-1].Before(cutoff) {
					delete(s.hits, key)
				}
			}
			s.mu.Unlock()
		}
	}
}
