// ratelimit.go provides Gin middleware that enforces per-client request limits, returning
// 429 responses when the configured requests-per-minute threshold is exceeded. Limits are
// kept in process memory, or in Redis when several replicas must share them.
package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	"github.com/guildkit/welcomer/internal/config"
	"github.com/guildkit/welcomer/internal/telemetry"
)

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained number of requests allowed per minute
	RequestsPerMinute int
	// BurstSize is the maximum burst of requests allowed
	BurstSize int
	// CleanupInterval is how often the memory limiter drops idle clients
	CleanupInterval time.Duration
}

// RateLimitConfigFrom converts the security.rate_limiting configuration section.
func RateLimitConfigFrom(cfg config.RateLimitConfig) RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: cfg.RequestsPerMinute,
		BurstSize:         cfg.Burst,
		CleanupInterval:   5 * time.Minute,
	}
}

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether the client identified by key may make another request.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Backend() string
}

// ---------------------------------------------------------------------------
// In-memory token bucket
// ---------------------------------------------------------------------------

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// MemoryLimiter implements a per-process token bucket rate limiter.
type MemoryLimiter struct {
	config  RateLimitConfig
	entries map[string]*bucket
	mu      sync.Mutex
	now     func() time.Time
	stopCh  chan struct{}
	stop    sync.Once
}

// NewMemoryLimiter creates a limiter and starts its cleanup goroutine; call Stop to end it.
func NewMemoryLimiter(config RateLimitConfig) *MemoryLimiter {
	rl := &MemoryLimiter{
		config:  config,
		entries: make(map[string]*bucket),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

func (rl *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.evictIdle(10 * time.Minute)
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *MemoryLimiter) evictIdle(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, b := range rl.entries {
		if now.Sub(b.lastUpdate) > idle {
			delete(rl.entries, key)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *MemoryLimiter) Stop() {
	rl.stop.Do(func() { close(rl.stopCh) })
}

// Backend implements Limiter.
func (rl *MemoryLimiter) Backend() string { return "memory" }

// Allow implements Limiter. It never returns an error.
func (rl *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	burst := float64(rl.config.BurstSize)
	perSecond := float64(rl.config.RequestsPerMinute) / 60.0

	b, ok := rl.entries[key]
	if !ok {
		b = &bucket{tokens: burst, lastUpdate: now}
		rl.entries[key] = b
	} else {
		b.tokens = min(burst, b.tokens+now.Sub(b.lastUpdate).Seconds()*perSecond)
		b.lastUpdate = now
	}

	d := Decision{Limit: rl.config.RequestsPerMinute}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
	} else if perSecond > 0 {
		d.RetryAfter = time.Duration((1 - b.tokens) / perSecond * float64(time.Second))
	} else {
		d.RetryAfter = time.Minute
	}
	d.Remaining = int(b.tokens)
	return d, nil
}

// ---------------------------------------------------------------------------
// Redis-backed GCRA limiter
// ---------------------------------------------------------------------------

// RedisLimiter shares limits between replicas through Redis.
type RedisLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewRedisLimiter creates a limiter that stores its state in rdb.
func NewRedisLimiter(rdb *redis.Client, config RateLimitConfig) *RedisLimiter {
	return &RedisLimiter{
		limiter: redis_rate.NewLimiter(rdb),
		limit: redis_rate.Limit{
			Rate:   config.RequestsPerMinute,
			Burst:  config.BurstSize,
			Period: time.Minute,
		},
	}
}

// Backend implements Limiter.
func (rl *RedisLimiter) Backend() string { return "redis" }

// Allow implements Limiter.
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := rl.limiter.Allow(ctx, "welcomer:ratelimit:"+key, rl.limit)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{
		Allowed:   res.Allowed > 0,
		Limit:     rl.limit.Rate,
		Remaining: res.Remaining,
	}
	if !d.Allowed {
		d.RetryAfter = res.RetryAfter
	}
	return d, nil
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// RateLimitMiddleware creates a Gin middleware that rate limits requests per client IP.
// When the limiter itself fails the request is let through.
func RateLimitMiddleware(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := limiter.Allow(c.Request.Context(), getRateLimitKey(c))
		if err != nil {
			slog.Warn("rate limiter unavailable, allowing request",
				"backend", limiter.Backend(), "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

		if !d.Allowed {
			retry := max(1, int(math.Ceil(d.RetryAfter.Seconds())))
			telemetry.HTTPRateLimitedTotal.WithLabelValues(limiter.Backend()).Inc()
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":        http.StatusTooManyRequests,
				"message":     "rate limit exceeded",
				"retry_after": retry,
			})
			return
		}

		c.Next()
	}
}

func getRateLimitKey(c *gin.Context) string {
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
