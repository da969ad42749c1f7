package httpapi

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/masroof-app/masroof-api/internal/auth"
	"github.com/masroof-app/masroof-api/internal/service/syncengine"
	"github.com/masroof-app/masroof-api/internal/storage/memory"
	"github.com/masroof-app/masroof-api/internal/syncx"
)

func TestRateLimit429(t *testing.T) {
	srv := &Server{
		Engine: syncengine.New(memory.New(), syncx.NewWalletClock(), "SAR"),
		RateLimitConfig: RateLimitInfo{
			WindowSeconds: 600,
			MaxRequests:   10,
			Burst:         2, // third request in quick succession must trip
		},
	}
	router := srv.Routes(auth.JWTCfg{HS256Secret: "test-secret", DevMode: true})

	// The first two hits reach the handler (the wallet does not exist,
	// which proves the limiter let them through).
	for i := 0; i < 2; i++ {
		w := doRequest(t, router, "GET", pullQuery("device-1", "wallet-01", "", 0), nil, "user-1", "device-1")
		if w.Code != http.StatusExpectationFailed {
			t.Fatalf("request %d: status = %d, want 417", i+1, w.Code)
		}
		if w.Header().Get("X-RateLimit-Limit") != "10" {
			t.Fatalf("request %d: X-RateLimit-Limit = %q", i+1, w.Header().Get("X-RateLimit-Limit"))
		}
	}

	w := doRequest(t, router, "GET", pullQuery("device-1", "wallet-01", "", 0), nil, "user-1", "device-1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if got := decodeBody(t, w); got["error"] != "rate_limited" {
		t.Fatalf("body = %v", got)
	}
	if w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("X-RateLimit-Remaining = %q", w.Header().Get("X-RateLimit-Remaining"))
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After missing")
	}
	if w.Header().Get("X-RateLimit-Reset") == "" {
		t.Fatal("X-RateLimit-Reset missing")
	}

	// Another device of the same user has its own bucket.
	w = doRequest(t, router, "GET", pullQuery("device-2", "wallet-01", "", 0), nil, "user-1", "device-2")
	if w.Code != http.StatusExpectationFailed {
		t.Fatalf("second device: status = %d, want 417", w.Code)
	}

	// Unauthenticated endpoints are not metered.
	for i := 0; i < 5; i++ {
		if w := doRequest(t, router, "GET", "/healthz", nil, "", ""); w.Code != http.StatusOK {
			t.Fatalf("healthz: status = %d", w.Code)
		}
	}
}

func TestTokenBucketRefill(t *testing.T) {
	// Refill so slow the test never earns a token back.
	tb := NewTokenBucket(2, 0.0001)

	for i := 0; i < 2; i++ {
		allowed, _, _, _ := tb.Allow()
		if !allowed {
			t.Fatalf("request %d denied within burst", i+1)
		}
	}
	allowed, remaining, retryAt, _ := tb.Allow()
	if allowed {
		t.Fatal("request allowed beyond burst")
	}
	if remaining != 0 {
		t.Fatalf("remaining = %d, want 0", remaining)
	}
	if !retryAt.After(time.Now()) {
		t.Fatalf("retryAt = %v, want future", retryAt)
	}
}

// fakeRedis counts INCRs in memory and serves a fixed TTL.
type fakeRedis struct {
	counts map[string]int64
	ttl    time.Duration
	err    error
}

func (f *fakeRedis) Incr(ctx context.Context, key string) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	if f.counts == nil {
		f.counts = make(map[string]int64)
	}
	f.counts[key]++
	return redis.NewIntResult(f.counts[key], nil)
}

func (f *fakeRedis) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(true, f.err)
}

func (f *fakeRedis) TTL(ctx context.Context, key string) *redis.DurationCmd {
	return redis.NewDurationResult(f.ttl, f.err)
}

func TestRedisLimiterFixedWindow(t *testing.T) {
	ctx := context.Background()
	limiter := NewRedisLimiter(&fakeRedis{ttl: 30 * time.Second}, RateLimitInfo{
		WindowSeconds: 60,
		MaxRequests:   2,
	})

	for i := 0; i < 2; i++ {
		if d := limiter.Allow(ctx, "u|d"); !d.Allowed {
			t.Fatalf("request %d denied within window allowance", i+1)
		}
	}
	d := limiter.Allow(ctx, "u|d")
	if d.Allowed {
		t.Fatal("request allowed beyond window allowance")
	}
	if d.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0", d.Remaining)
	}
	if !d.RetryAt.After(time.Now()) {
		t.Fatalf("RetryAt = %v, want future", d.RetryAt)
	}

	// Other keys are untouched.
	if d := limiter.Allow(ctx, "u|other"); !d.Allowed {
		t.Fatal("independent key denied")
	}
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	limiter := NewRedisLimiter(&fakeRedis{err: errors.New("connection refused")}, RateLimitInfo{
		WindowSeconds: 60,
		MaxRequests:   1,
	})

	for i := 0; i < 3; i++ {
		if d := limiter.Allow(context.Background(), "u|d"); !d.Allowed {
			t.Fatalf("request %d denied while redis is down", i+1)
		}
	}
}
