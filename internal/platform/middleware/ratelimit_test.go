package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/healthsecure/healthsecure/internal/platform/auth"
)

func serveOnce(e *echo.Echo, h echo.HandlerFunc, ip, userID string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/records", nil)
	req.RemoteAddr = ip + ":1234"
	if userID != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), userID, auth.RolePatient))
	}
	rec := httptest.NewRecorder()
	return rec, h(e.NewContext(req, rec))
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})(okHandler)

	for i := 0; i < 5; i++ {
		rec, err := serveOnce(e, h, "10.0.0.1", "")
		if err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: X-RateLimit-Limit = %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})(okHandler)

	for i := 0; i < 2; i++ {
		if _, err := serveOnce(e, h, "10.0.0.2", ""); err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
	}
	rec, err := serveOnce(e, h, "10.0.0.2", "")
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("expected Retry-After 1, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Error("expected X-RateLimit-Remaining 0")
	}
}

func TestRateLimit_PerClientIsolation(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})(okHandler)

	if _, err := serveOnce(e, h, "10.0.0.3", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := serveOnce(e, h, "10.0.0.4", ""); err != nil {
		t.Fatalf("second client should have its own bucket: %v", err)
	}
	// same IP but authenticated: keyed by account
	if _, err := serveOnce(e, h, "10.0.0.3", "acct-1"); err != nil {
		t.Fatalf("authenticated client should have its own bucket: %v", err)
	}
	if _, err := serveOnce(e, h, "10.0.0.3", ""); err == nil {
		t.Fatal("expected anonymous client to be limited")
	}
}

func TestRateLimit_DefaultConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 100 || cfg.BurstSize != 200 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		rps  float64
		want int
	}{
		{0, 1},
		{0.5, 2},
		{1, 1},
		{100, 1},
	}
	for _, tt := range tests {
		if got := retryAfter(tt.rps); got != tt.want {
			t.Errorf("retryAfter(%v) = %d, want %d", tt.rps, got, tt.want)
		}
	}
}

func TestRateLimiterStore_SweepsIdleClients(t *testing.T) {
	store := newRateLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	now := time.Now()
	store.get("a", now)
	store.get("b", now)
	if store.size() != 2 {
		t.Fatalf("expected 2 clients, got %d", store.size())
	}
	store.get("c", now.Add(2*time.Minute))
	if store.size() != 1 {
		t.Errorf("expected idle clients swept, got %d", store.size())
	}
}
