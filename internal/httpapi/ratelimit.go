package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/masroof-app/masroof-api/internal/auth"
)

// RateLimitInfo describes the rate limiting policy. It doubles as the
// limiter configuration and the shape advertised on /api/v1/sync/info.
type RateLimitInfo struct {
	WindowSeconds int `json:"window_seconds"`
	MaxRequests   int `json:"max_requests"`
	Burst         int `json:"burst"`
}

// withDefaults fills unset fields with the stock policy: 60 requests
// per 600 second window, burst equal to the window allowance.
func (c RateLimitInfo) withDefaults() RateLimitInfo {
	if c.MaxRequests <= 0 {
		c.MaxRequests = 60
	}
	if c.WindowSeconds <= 0 {
		c.WindowSeconds = 600
	}
	if c.Burst <= 0 {
		c.Burst = c.MaxRequests
	}
	return c
}

// Decision is the outcome of one Limiter.Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAt is when the next request could succeed (Retry-After).
	RetryAt time.Time
	// ResetAt is when the limit fully resets (X-RateLimit-Reset).
	ResetAt time.Time
}

// Limiter is the rate limit backend. Allow consumes one slot for key.
// Implementations must be safe for concurrent use.
type Limiter interface {
	Allow(ctx context.Context, key string) Decision
}

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a new token bucket with given capacity and refill rate
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow checks if a token is available and consumes it if so
// Returns (allowed bool, tokensRemaining int, nextTokenTime time.Time, fullResetTime time.Time)
// - nextTokenTime: when the next token will be available (use for Retry-After)
// - fullResetTime: when the bucket will be completely full (use for X-RateLimit-Reset)
func (tb *TokenBucket) Allow() (bool, int, time.Time, time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	// Refill tokens based on elapsed time
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	tokensNeeded := tb.capacity - tb.tokens
	fullResetTime := now.Add(time.Duration(tokensNeeded/tb.refillRate) * time.Second)

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, int(tb.tokens), now, fullResetTime
	}

	// When denied, report when the next single token lands.
	tokensUntilNext := 1.0 - tb.tokens
	secondsUntilNext := tokensUntilNext / tb.refillRate
	nextTokenTime := now.Add(time.Duration(secondsUntilNext) * time.Second)

	return false, 0, nextTokenTime, fullResetTime
}

// RateLimiter manages per-key token buckets in process memory. It is
// the default backend when no Redis is configured.
type RateLimiter struct {
	buckets map[string]*TokenBucket
	config  RateLimitInfo
	mu      sync.RWMutex
}

// NewRateLimiter creates a new rate limiter with the given configuration
func NewRateLimiter(config RateLimitInfo) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*TokenBucket),
		config:  config.withDefaults(),
	}

	// Start cleanup goroutine to remove inactive buckets
	go rl.cleanupLoop()

	return rl
}

// getBucket retrieves or creates a token bucket for the given key
func (rl *RateLimiter) getBucket(key string) *TokenBucket {
	rl.mu.RLock()
	bucket, exists := rl.buckets[key]
	rl.mu.RUnlock()

	if exists {
		return bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if bucket, exists := rl.buckets[key]; exists {
		return bucket
	}

	refillRate := float64(rl.config.MaxRequests) / float64(rl.config.WindowSeconds)
	bucket = NewTokenBucket(rl.config.Burst, refillRate)
	rl.buckets[key] = bucket
	return bucket
}

// Allow consumes one token for key.
func (rl *RateLimiter) Allow(_ context.Context, key string) Decision {
	allowed, remaining, retryAt, resetAt := rl.getBucket(key).Allow()
	return Decision{Allowed: allowed, Remaining: remaining, RetryAt: retryAt, ResetAt: resetAt}
}

// cleanupLoop periodically removes inactive buckets to prevent memory leaks
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		for key, bucket := range rl.buckets {
			bucket.mu.Lock()
			// Remove bucket if it hasn't been used in the last hour
			if time.Since(bucket.lastRefill) > time.Hour {
				delete(rl.buckets, key)
			}
			bucket.mu.Unlock()
		}
		rl.mu.Unlock()
	}
}

// redisCmds is the slice of the redis client the limiter needs.
type redisCmds interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
}

// RedisLimiter is a fixed-window limiter shared across server
// instances: INCR per key, EXPIRE on the first hit of a window. Redis
// failures fail open so a broken cache cannot take sync down.
type RedisLimiter struct {
	Client redisCmds
	Config RateLimitInfo
}

// NewRedisLimiter wraps client with the given policy.
func NewRedisLimiter(client redisCmds, config RateLimitInfo) *RedisLimiter {
	return &RedisLimiter{Client: client, Config: config.withDefaults()}
}

// Allow consumes one slot of the current window for key.
func (rl *RedisLimiter) Allow(ctx context.Context, key string) Decision {
	window := time.Duration(rl.Config.WindowSeconds) * time.Second
	rkey := "ratelimit:" + key

	count, err := rl.Client.Incr(ctx, rkey).Result()
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("rate limit INCR failed, allowing request")
		return Decision{Allowed: true, Remaining: rl.Config.MaxRequests, RetryAt: time.Now(), ResetAt: time.Now().Add(window)}
	}
	if count == 1 {
		if err := rl.Client.Expire(ctx, rkey, window).Err(); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("rate limit EXPIRE failed")
		}
	}

	ttl, err := rl.Client.TTL(ctx, rkey).Result()
	if err != nil || ttl <= 0 {
		ttl = window
	}
	resetAt := time.Now().Add(ttl)

	remaining := rl.Config.MaxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}
	if int(count) > rl.Config.MaxRequests {
		return Decision{Allowed: false, Remaining: 0, RetryAt: resetAt, ResetAt: resetAt}
	}
	return Decision{Allowed: true, Remaining: remaining, RetryAt: time.Now(), ResetAt: resetAt}
}

// RateLimitMiddleware enforces the policy per authenticated caller,
// keyed by user and device so one chatty device cannot starve the
// user's other devices.
func RateLimitMiddleware(limiter Limiter, config RateLimitInfo) func(http.Handler) http.Handler {
	config = config.withDefaults()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.FromContext(r.Context())
			if !ok || id.UserID == "" {
				// Unauthenticated requests have no key to meter on.
				next.ServeHTTP(w, r)
				return
			}
			key := id.UserID
			if id.DeviceID != "" {
				key += "|" + id.DeviceID
			}

			d := limiter.Allow(r.Context(), key)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				retryAfter := int(time.Until(d.RetryAt).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

				log.Ctx(r.Context()).Warn().
					Str("key", key).
					Str("path", r.URL.Path).
					Int("retry_after", retryAfter).
					Msg("rate limit exceeded")

				writeError(w, http.StatusTooManyRequests, "rate_limited",
					"rate limit exceeded, retry after "+strconv.Itoa(retryAfter)+"s")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
