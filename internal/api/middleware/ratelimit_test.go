package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestInMemoryRateLimiterGlobalLimit(t *testing.T) {
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   1,
		GlobalBurst: 2,
		ClientRPS:   100,
	})
	defer func() { _ = rl.Close() }()

	if !rl.Allow("10.0.0.1") {
		t.Error("first request must pass")
	}

	if !rl.Allow("10.0.0.2") {
		t.Error("second request within burst must pass")
	}

	if rl.Allow("10.0.0.3") {
		t.Error("third request must exceed the global burst")
	}
}

func TestInMemoryRateLimiterPerClientLimit(t *testing.T) {
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   1000,
		ClientRPS:   1,
		ClientBurst: 1,
	})
	defer func() { _ = rl.Close() }()

	if !rl.Allow("10.0.0.1") {
		t.Error("first request from client must pass")
	}

	if rl.Allow("10.0.0.1") {
		t.Error("second request from same client must be limited")
	}

	// A different client has its own bucket.
	if !rl.Allow("10.0.0.2") {
		t.Error("request from a fresh client must pass")
	}
}

func TestInMemoryRateLimiterCleanup(t *testing.T) {
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:       1000,
		ClientRPS:       10,
		CleanupInterval: time.Hour,
		IdleTimeout:     time.Nanosecond,
	})
	defer func() { _ = rl.Close() }()

	rl.Allow("10.0.0.1")
	time.Sleep(time.Millisecond)
	rl.cleanup()

	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if len(rl.perClient) != 0 {
		t.Errorf("perClient entries = %d, want 0 after cleanup", len(rl.perClient))
	}
}

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   1,
		GlobalBurst: 1,
		ClientRPS:   100,
	})
	defer func() { _ = rl.Close() }()

	handler := RateLimit(rl, testLogger())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/datasets", nil)
	req.RemoteAddr = "10.0.0.1:4242"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", rec.Code)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q, want application/problem+json", ct)
	}
}

func TestCorrelationIDPropagation(t *testing.T) {
	var seen string

	handler := CorrelationID()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
	}))

	// Provided header is reused.
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Correlation-ID", "abc123")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "abc123" {
		t.Errorf("correlation id = %q, want abc123", seen)
	}

	if got := rec.Header().Get("X-Correlation-ID"); got != "abc123" {
		t.Errorf("response header = %q, want abc123", got)
	}

	// Absent header generates one.
	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen == "" || seen == "abc123" {
		t.Errorf("generated correlation id = %q, want a fresh value", seen)
	}
}
