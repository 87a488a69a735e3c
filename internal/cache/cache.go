// Package cache provides the read-through store used for lifecycle config lookups.
// Values are opaque byte slices; callers own encoding.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guildkit/welcomer/internal/config"
)

// Cache is a key/value store with per-entry expiry. A miss is reported as found=false with a nil error.
// Add stores value only when key holds no live entry and reports whether it did.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// New returns the backend selected by cfg.Backend. The redis client is only used
// for the redis backend and must be non-nil in that case.
func New(cfg config.CacheConfig, rdb *redis.Client) (Cache, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemory(cfg.TTL, cfg.CleanupInterval), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis cache backend requires a redis client")
		}
		return NewRedis(rdb, "welcomer:"), nil
	case "none":
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// Noop never stores anything; every Get misses.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Noop) Add(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, nil
}
func (Noop) Delete(context.Context, ...string) error { return nil }
