// Package sharedstore abstracts the shared key-value store that coordinates
// stashd instances: job state, cache tracking, and the distributed locks.
//
// The remote backend is Redis. When Redis is unreachable at construction
// time every operation degrades to an in-process map: return values keep the
// same contract, but TTLs become advisory and cross-process exclusion is
// lost. Components must consult Available() before relying on distributed
// correctness.
package sharedstore

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ScoredMember is one sorted-set entry.
type ScoredMember struct {
	Member string
	Score  float64
}

// Store is the shared key-value contract. A TTL of zero or less means the
// key does not expire.
type Store interface {
	// Available reports whether writes reach the remote store. False means
	// the instance is running on the in-process fallback.
	Available() bool

	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX atomically sets key to value iff the key is absent.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes key (and any companion keys) iff its current
	// value equals owner. Returns whether the delete happened.
	CompareAndDelete(ctx context.Context, key, owner string, companions ...string) (bool, error)

	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// TTL returns the remaining lifetime. ok is false when the key is absent;
	// a zero duration with ok true means the key has no expiry.
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)

	HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// IncrBy adjusts the named counter by delta (negative to decrement) and
	// returns the new value.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	ZCard(ctx context.Context, key string) (int64, error)

	// ZRange returns members ordered by score ascending, or descending when
	// reverse is set. start/stop follow Redis index semantics.
	ZRange(ctx context.Context, key string, start, stop int64, reverse bool) ([]ScoredMember, error)

	// RPush appends values, trims the list to its last maxLen entries
	// (maxLen <= 0 keeps everything), and refreshes the TTL.
	RPush(ctx context.Context, key string, values []string, maxLen int64, ttl time.Duration) error

	// LRange reads list entries; negative indices count from the tail.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Keys enumerates keys matching a glob pattern. Intended for bulk
	// cleanup, not hot paths.
	Keys(ctx context.Context, pattern string) ([]string, error)

	Close() error
}

// Config configures Connect.
type Config struct {
	// URL is a redis:// connection URL. Empty forces the memory fallback.
	URL         string
	DialTimeout time.Duration
}

// Connect returns a Redis-backed store, or the in-process fallback when the
// remote store is unreachable. The fallback is reported, never silent.
func Connect(ctx context.Context, cfg Config, log *zap.Logger) Store {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.URL == "" {
		log.Info("shared store disabled, using in-process fallback")
		return newMemory(false)
	}

	s, err := dialRedis(ctx, cfg)
	if err != nil {
		log.Warn("shared store unreachable, degrading to in-process fallback",
			zap.String("url", cfg.URL),
			zap.Error(err))
		return newMemory(false)
	}
	log.Info("shared store connected", zap.String("url", cfg.URL))
	return s
}

// NewMemory returns a deterministic in-memory store for tests. Unlike the
// degraded fallback it reports Available()==true so components under test
// exercise their store-backed paths.
func NewMemory() Store {
	return newMemory(true)
}
