package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"github.com/imageattach/imageattach/internal/config"
	"github.com/imageattach/imageattach/internal/telemetry"
)

// ---------------------------------------------------------------------------
// Config constructors
// ---------------------------------------------------------------------------

func TestUploadRateLimitConfig(t *testing.T) {
	cfg := UploadRateLimitConfig()
	if cfg.RequestsPerMinute != 30 {
		t.Errorf("RequestsPerMinute = %d, want 30", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 5 {
		t.Errorf("BurstSize = %d, want 5", cfg.BurstSize)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m", cfg.CleanupInterval)
	}
}

func TestRateLimitConfigFrom(t *testing.T) {
	cfg := RateLimitConfigFrom(config.RateLimitingConfig{Enabled: true, RequestsPerMinute: 90, Burst: 12})
	if cfg.RequestsPerMinute != 90 || cfg.BurstSize != 12 {
		t.Errorf("RateLimitConfigFrom = %+v, want rpm 90 burst 12", cfg)
	}

	cfg = RateLimitConfigFrom(config.RateLimitingConfig{Enabled: true})
	if cfg.RequestsPerMinute != 30 || cfg.BurstSize != 5 {
		t.Errorf("RateLimitConfigFrom(unset) = %+v, want upload defaults", cfg)
	}
}

// ---------------------------------------------------------------------------
// RateLimiter.Allow
// ---------------------------------------------------------------------------

func newTestLimiter(rpm, burst int) *RateLimiter {
	cfg := RateLimitConfig{
		RequestsPerMinute: rpm,
		BurstSize:         burst,
		CleanupInterval:   time.Hour, // Don't clean up during tests
	}
	return NewRateLimiter(cfg)
}

func allow(rl *RateLimiter, key string) bool {
	d, _ := rl.Allow(context.Background(), key)
	return d.Allowed
}

func TestRateLimiter_NewClientGetsFullBurst(t *testing.T) {
	rl := newTestLimiter(60, 5)
	defer rl.Stop()

	d, err := rl.Allow(context.Background(), "client-a")
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !d.Allowed {
		t.Error("Allow() = false for new client, want true")
	}
	if d.Remaining != 4 {
		t.Errorf("Remaining = %d, want 4", d.Remaining)
	}
	if d.Limit != 60 {
		t.Errorf("Limit = %d, want 60", d.Limit)
	}
}

func TestRateLimiter_AllowsUpToBurstSize(t *testing.T) {
	burst := 3
	rl := newTestLimiter(600, burst)
	defer rl.Stop()

	allowed := 0
	for i := 0; i < burst+2; i++ {
		if allow(rl, "burst-test") {
			allowed++
		}
	}
	if allowed != burst {
		t.Errorf("allowed %d requests at burst=%d, want exactly %d", allowed, burst, burst)
	}
}

func TestRateLimiter_RejectionCarriesRetryAfter(t *testing.T) {
	rl := newTestLimiter(60, 1) // one token per second
	defer rl.Stop()

	allow(rl, "retry-test")
	d, _ := rl.Allow(context.Background(), "retry-test")
	if d.Allowed {
		t.Fatal("second Allow() = true, want false")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Errorf("RetryAfter = %v, want (0, 1s]", d.RetryAfter)
	}
}

func TestRateLimiter_TokensRefillOverTime(t *testing.T) {
	rl := newTestLimiter(600, 2) // 10 tokens/sec
	defer rl.Stop()

	key := "refill-test"
	for allow(rl, key) {
	}

	time.Sleep(120 * time.Millisecond)

	if !allow(rl, key) {
		t.Error("Allow() = false after token refill wait, want true")
	}
}

func TestRateLimiter_DifferentKeysAreIndependent(t *testing.T) {
	rl := newTestLimiter(60, 2)
	defer rl.Stop()

	for allow(rl, "key-a") {
	}

	if !allow(rl, "key-b") {
		t.Error("Allow() = false for independent key-b after exhausting key-a")
	}
}

func TestRateLimiter_StopTwice(t *testing.T) {
	rl := newTestLimiter(60, 5)
	rl.Stop()
	rl.Stop()
}

// ---------------------------------------------------------------------------
// RateLimiter.RemainingTokens
// ---------------------------------------------------------------------------

func TestRateLimiter_RemainingTokens_NewKey(t *testing.T) {
	burst := 10
	rl := newTestLimiter(60, burst)
	defer rl.Stop()

	if remaining := rl.RemainingTokens("unknown-key"); remaining != burst {
		t.Errorf("RemainingTokens(unknown) = %d, want %d", remaining, burst)
	}
}

func TestRateLimiter_RemainingTokens_AfterRequests(t *testing.T) {
	burst := 5
	rl := newTestLimiter(60, burst)
	defer rl.Stop()

	allow(rl, "remain-test")

	if remaining := rl.RemainingTokens("remain-test"); remaining != burst-1 {
		t.Errorf("RemainingTokens = %d, want %d", remaining, burst-1)
	}
}

// ---------------------------------------------------------------------------
// getRateLimitKey
// ---------------------------------------------------------------------------

func TestGetRateLimitKey_IP(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	c.Request = req

	if key := getRateLimitKey(c); key != "ip:192.168.1.1" {
		t.Errorf("key = %q, want ip:192.168.1.1", key)
	}
}

// ---------------------------------------------------------------------------
// RateLimitMiddleware
// ---------------------------------------------------------------------------

func newRateLimitRouter(limiter Limiter) *gin.Engine {
	r := gin.New()
	r.Use(RateLimitMiddleware(limiter))
	r.POST("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func sendFrom(r *gin.Engine, addr string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = addr
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware_Allowed(t *testing.T) {
	rl := newTestLimiter(600, 10)
	defer rl.Stop()

	w := sendFrom(newRateLimitRouter(rl), "10.0.0.1:1234")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Header().Get("X-RateLimit-Limit") != "600" {
		t.Errorf("X-RateLimit-Limit = %q, want 600", w.Header().Get("X-RateLimit-Limit"))
	}
	if w.Header().Get("X-RateLimit-Remaining") != "9" {
		t.Errorf("X-RateLimit-Remaining = %q, want 9", w.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimitMiddleware_Blocked(t *testing.T) {
	rl := newTestLimiter(1, 1)
	defer rl.Stop()
	r := newRateLimitRouter(rl)

	rejected := telemetry.RateLimitRejectionsTotal.WithLabelValues("memory")
	before := testutil.ToFloat64(rejected)

	if first := sendFrom(r, "10.0.0.2:1234"); first.Code != http.StatusOK {
		t.Errorf("first request status = %d, want 200", first.Code)
	}

	second := sendFrom(r, "10.0.0.2:1234")
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", second.Code)
	}
	// One token per minute: the client has to wait most of a minute.
	retryAfter, err := strconv.Atoi(second.Header().Get("Retry-After"))
	if err != nil || retryAfter < 50 || retryAfter > 60 {
		t.Errorf("Retry-After = %q, want about 60", second.Header().Get("Retry-After"))
	}
	if got := testutil.ToFloat64(rejected) - before; got != 1 {
		t.Errorf("rejections delta = %.0f, want 1", got)
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{}, errors.New("connection refused")
}
func (failingLimiter) Name() string { return "failing" }

func TestRateLimitMiddleware_LimiterErrorAllowsRequest(t *testing.T) {
	before := testutil.ToFloat64(telemetry.LimiterErrorsTotal)

	w := sendFrom(newRateLimitRouter(failingLimiter{}), "10.0.0.5:1234")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when the limiter fails", w.Code)
	}
	if got := testutil.ToFloat64(telemetry.LimiterErrorsTotal) - before; got != 1 {
		t.Errorf("limiter errors delta = %.0f, want 1", got)
	}
}

func TestRedisLimiter_UnreachableServerAllowsRequest(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	limiter := NewRedisLimiter(rdb, UploadRateLimitConfig(), "ratelimit:upload:")
	if limiter.Name() != "redis" {
		t.Errorf("Name() = %q, want redis", limiter.Name())
	}
	if _, err := limiter.Allow(context.Background(), "ip:10.0.0.6"); err == nil {
		t.Fatal("Allow() against an unreachable server returned no error")
	}

	w := sendFrom(newRateLimitRouter(limiter), "10.0.0.6:1234")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

// ---------------------------------------------------------------------------
// RateLimiter.cleanup
// ---------------------------------------------------------------------------

func TestRateLimiter_CleanupRemovesStaleEntries(t *testing.T) {
	cfg := RateLimitConfig{
		RequestsPerMinute: 600,
		BurstSize:         10,
		CleanupInterval:   10 * time.Millisecond,
	}
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	allow(rl, "stale-client")

	// Back-date the entry so the cleanup goroutine evicts it.
	rl.mu.Lock()
	if entry, ok := rl.entries["stale-client"]; ok {
		entry.lastUpdate = time.Now().Add(-11 * time.Minute)
	}
	rl.mu.Unlock()

	time.Sleep(60 * time.Millisecond)

	rl.mu.RLock()
	_, stillPresent := rl.entries["stale-client"]
	rl.mu.RUnlock()

	if stillPresent {
		t.Error("expected stale-client entry to be evicted by cleanup goroutine, but it is still present")
	}
}
