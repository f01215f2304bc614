package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

var (
	ErrEmptyIdentity     = errors.New("rate limit identity must not be empty")
	ErrUnknownLimitClass = errors.New("unknown rate limit class")
)

// RateLimit is a fixed window of Limit requests per Window.
type RateLimit struct {
	Limit  int
	Window time.Duration
}

// RateDecision is the verdict for one request plus what the client needs
// for X-RateLimit-* headers.
type RateDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// Fallback is set when the shared counter store was unreachable and the
	// in-process cap decided instead.
	Fallback bool
}

// WindowCounter increments a window counter and returns the new value.
type WindowCounter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RateLimiter implements fixed-window rate limiting keyed by
// floor(now / window). Counters are reset, never decremented, when the
// window rolls over.
type RateLimiter struct {
	counter  WindowCounter
	classes  map[string]RateLimit
	fallback RateLimit
	logger   *slog.Logger
	metrics  *MetricsCollector
	now      func() time.Time

	mu        sync.Mutex
	fallbacks map[string]*fallbackEntry
}

type fallbackEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter over counter. fallback caps traffic
// per identity while counter is failing.
func NewRateLimiter(counter WindowCounter, classes map[string]RateLimit, fallback RateLimit, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		counter:   counter,
		classes:   classes,
		fallback:  fallback,
		logger:    logger,
		now:       time.Now,
		fallbacks: make(map[string]*fallbackEntry),
	}
}

// WithClock overrides the time source.
func (rl *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	rl.now = now
	return rl
}

// WithMetrics records fallback use.
func (rl *RateLimiter) WithMetrics(m *MetricsCollector) *RateLimiter {
	rl.metrics = m
	return rl
}

// HasClass reports whether class is configured.
func (rl *RateLimiter) HasClass(class string) bool {
	_, ok := rl.classes[class]
	return ok
}

// Check counts one request for identity in class and decides it. Every
// evaluated request consumes budget, including rejected ones, so retry
// storms stay throttled.
func (rl *RateLimiter) Check(ctx context.Context, identity, class string) (RateDecision, error) {
	if identity == "" {
		return RateDecision{}, ErrEmptyIdentity
	}
	limit, ok := rl.classes[class]
	if !ok {
		return RateDecision{}, fmt.Errorf("%w: %q", ErrUnknownLimitClass, class)
	}

	now := rl.now()
	window := int64(limit.Window)
	idx := now.UnixNano() / window
	resetAt := time.Unix(0, (idx+1)*window)

	key := fmt.Sprintf("rate_limit:%s:%s:%d", class, identity, idx)
	count, err := rl.counter.Incr(ctx, key, limit.Window)
	if err != nil {
		rl.logger.Error("rate limit store unavailable, using fallback cap",
			"identity", identity, "class", class, "error", err)
		if rl.metrics != nil {
			rl.metrics.RecordRateLimitFallback()
		}
		return rl.checkFallback(identity, class, limit, now), nil
	}

	remaining := limit.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return RateDecision{
		Allowed:   count <= int64(limit.Limit),
		Limit:     limit.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// checkFallback applies min(class limit, fallback limit) per identity using
// an in-process token bucket.
func (rl *RateLimiter) checkFallback(identity, class string, limit RateLimit, now time.Time) RateDecision {
	capped := rl.fallback
	if limit.Limit < capped.Limit {
		capped.Limit = limit.Limit
	}

	key := class + ":" + identity
	rl.mu.Lock()
	ent, ok := rl.fallbacks[key]
	if !ok {
		every := capped.Window / time.Duration(capped.Limit)
		ent = &fallbackEntry{lim: rate.NewLimiter(rate.Every(every), capped.Limit)}
		rl.fallbacks[key] = ent
	}
	ent.lastSeen = now
	allowed := ent.lim.AllowN(now, 1)
	remaining := int(ent.lim.TokensAt(now))
	rl.mu.Unlock()

	if remaining < 0 {
		remaining = 0
	}
	idx := now.UnixNano() / int64(capped.Window)
	return RateDecision{
		Allowed:   allowed,
		Limit:     capped.Limit,
		Remaining: remaining,
		ResetAt:   time.Unix(0, (idx+1)*int64(capped.Window)),
		Fallback:  true,
	}
}

// SweepFallback drops fallback buckets idle for longer than idle.
func (rl *RateLimiter) SweepFallback(idle time.Duration) int {
	cutoff := rl.now().Add(-idle)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for k, ent := range rl.fallbacks {
		if ent.lastSeen.Before(cutoff) {
			delete(rl.fallbacks, k)
			removed++
		}
	}
	return removed
}

// RedisWindowCounter keeps window counters in Redis.
type RedisWindowCounter struct {
	client *redis.Client
}

func NewRedisWindowCounter(client *redis.Client) *RedisWindowCounter {
	return &RedisWindowCounter{client: client}
}

// Incr atomically increments a counter and returns the new value.
// Sets TTL on every increment; the key embeds the window index so a
// refreshed TTL never extends a window.
func (c *RedisWindowCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// MemoryWindowCounter is an in-process WindowCounter for single-instance
// deployments and tests.
type MemoryWindowCounter struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
	now     func() time.Time
}

type windowEntry struct {
	count     int64
	expiresAt time.Time
}

func NewMemoryWindowCounter() *MemoryWindowCounter {
	return &MemoryWindowCounter{
		entries: make(map[string]*windowEntry),
		now:     time.Now,
	}
}

func (c *MemoryWindowCounter) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries[key]
	if !ok || !now.Before(ent.expiresAt) {
		ent = &windowEntry{}
		c.entries[key] = ent
	}
	ent.count++
	ent.expiresAt = now.Add(ttl)
	return ent.count, nil
}

// Cleanup removes expired counters.
func (c *MemoryWindowCounter) Cleanup() {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, ent := range c.entries {
		if !now.Before(ent.expiresAt) {
			delete(c.entries, k)
		}
	}
}
