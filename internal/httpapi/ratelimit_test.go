package httpapi

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/ereezyy/synai-sync/internal/auth"
)

func newLimitedRouter(t *testing.T, cfg RateLimitInfo) http.Handler {
	t.Helper()
	ts := newTestServer(t)
	srv := &Server{
		Queue:           ts.srv.Queue,
		Scheduler:       ts.srv.Scheduler,
		Monitor:         ts.monitor,
		RateLimitConfig: cfg,
	}
	t.Cleanup(srv.Close)
	return srv.Routes(auth.JWTCfg{HS256Secret: "test-secret", DevMode: true})
}

func TestRateLimiting_429Response(t *testing.T) {
	router := newLimitedRouter(t, RateLimitInfo{
		WindowSeconds: 60,
		MaxRequests:   10, // Very low for testing
		Burst:         2,  // Allow only 2 flushes in burst
	})

	// Burst is 2, so first 2 should succeed, 3rd should fail with 429
	for i := 1; i <= 3; i++ {
		rec := doAs(t, router, "test-user", http.MethodPost, "/v1/sync/flush", nil)

		for _, h := range []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "X-RateLimit-Burst"} {
			if rec.Header().Get(h) == "" {
				t.Errorf("Request %d: %s header missing", i, h)
			}
		}

		remaining, _ := strconv.Atoi(rec.Header().Get("X-RateLimit-Remaining"))

		if i <= 2 {
			if rec.Code == http.StatusTooManyRequests {
				t.Errorf("Request %d: Expected success (within burst), got 429: %s", i, rec.Body.String())
			}
			if want := 2 - i; remaining != want {
				t.Errorf("Request %d: Expected remaining=%d, got %d", i, want, remaining)
			}
			continue
		}

		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("Request %d: Expected 429 Too Many Requests, got %d: %s", i, rec.Code, rec.Body.String())
		}
		retrySeconds, err := strconv.Atoi(rec.Header().Get("Retry-After"))
		if err != nil || retrySeconds < 1 {
			t.Errorf("Retry-After should be >= 1, got %q", rec.Header().Get("Retry-After"))
		}
		if remaining != 0 {
			t.Errorf("Expected remaining=0 when rate limited, got %d", remaining)
		}
	}
}

func TestRateLimiting_HeaderValues(t *testing.T) {
	router := newLimitedRouter(t, RateLimitInfo{
		WindowSeconds: 60,
		MaxRequests:   100,
		Burst:         20,
	})

	rec := doAs(t, router, "test-user", http.MethodPost, "/v1/sync/flush", nil)

	if limit := rec.Header().Get("X-RateLimit-Limit"); limit != "100" {
		t.Errorf("Expected X-RateLimit-Limit=100, got %s", limit)
	}
	if burst := rec.Header().Get("X-RateLimit-Burst"); burst != "20" {
		t.Errorf("Expected X-RateLimit-Burst=20, got %s", burst)
	}
	remaining, _ := strconv.Atoi(rec.Header().Get("X-RateLimit-Remaining"))
	if remaining < 0 || remaining > 20 {
		t.Errorf("Expected X-RateLimit-Remaining between 0-20, got %d", remaining)
	}
	resetUnix, err := strconv.ParseInt(rec.Header().Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		t.Errorf("Invalid X-RateLimit-Reset value: %v", err)
	}
	if resetUnix < time.Now().Unix() {
		t.Error("X-RateLimit-Reset should not be in the past")
	}
}

func TestRateLimiting_OnlyFlushIsLimited(t *testing.T) {
	router := newLimitedRouter(t, RateLimitInfo{WindowSeconds: 60, MaxRequests: 1, Burst: 1})

	for i := 0; i < 5; i++ {
		rec := doAs(t, router, "test-user", http.MethodGet, "/v1/stats", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("stats request %d: got %d", i, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "" {
			t.Fatal("stats should not carry rate limit headers")
		}
	}
}

func TestRateLimiting_PerSubject(t *testing.T) {
	router := newLimitedRouter(t, RateLimitInfo{
		WindowSeconds: 60,
		MaxRequests:   10,
		Burst:         2,
	})

	// Exhaust user A's bucket
	for i := 0; i < 2; i++ {
		doAs(t, router, "user-a", http.MethodPost, "/v1/sync/flush", nil)
	}

	recA := doAs(t, router, "user-a", http.MethodPost, "/v1/sync/flush", nil)
	if recA.Code != http.StatusTooManyRequests {
		t.Errorf("Expected user-a to be rate limited (429), got %d", recA.Code)
	}

	// User B has a separate bucket
	recB := doAs(t, router, "user-b", http.MethodPost, "/v1/sync/flush", nil)
	if recB.Code == http.StatusTooManyRequests {
		t.Errorf("Expected user-b NOT to be rate limited, got 429: %s", recB.Body.String())
	}
	if recB.Header().Get("X-RateLimit-Remaining") == "0" {
		t.Error("User B should have tokens remaining (independent rate limit)")
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	tb := NewTokenBucket(1, 50) // one token every 20ms
	if ok, _, _, _ := tb.Allow(); !ok {
		t.Fatal("expected first token")
	}
	if ok, _, next, _ := tb.Allow(); ok || next.IsZero() {
		t.Fatal("expected empty bucket with next token time")
	}
	time.Sleep(40 * time.Millisecond)
	if ok, _, _, _ := tb.Allow(); !ok {
		t.Error("expected token after refill")
	}
}
