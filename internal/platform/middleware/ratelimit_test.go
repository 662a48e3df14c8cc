package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func rateLimitedCall(t *testing.T, mw echo.MiddlewareFunc, ip, path string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = ip + ":1234"
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	err := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c)
	return rec, err
}

func TestRateLimit_AllowsBurstThenRejects(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if _, err := rateLimitedCall(t, mw, "10.0.0.1", "/bills"); err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
	}

	rec, err := rateLimitedCall(t, mw, "10.0.0.1", "/bills")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRateLimit_SeparateClients(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1})

	if _, err := rateLimitedCall(t, mw, "10.0.0.1", "/bills"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := rateLimitedCall(t, mw, "10.0.0.2", "/bills"); err != nil {
		t.Fatalf("second client should have its own bucket: %v", err)
	}
}

func TestRateLimit_Skipper(t *testing.T) {
	mw := RateLimit(RateLimitConfig{
		RequestsPerSecond: 0.001,
		BurstSize:         1,
		Skipper:           func(c echo.Context) bool { return c.Request().URL.Path == "/transactions/callback" },
	})

	for i := 0; i < 5; i++ {
		if _, err := rateLimitedCall(t, mw, "10.0.0.1", "/transactions/callback"); err != nil {
			t.Fatalf("request %d: skipped path was limited: %v", i, err)
		}
	}
}

func TestLimiterStore_EvictsIdleClients(t *testing.T) {
	store := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	now := time.Now()
	store.now = func() time.Time { return now }
	store.lastSweep = now

	store.get("a")
	now = now.Add(2 * time.Minute)
	store.get("b")

	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.clients["a"]; ok {
		t.Error("expected idle client to be evicted")
	}
	if _, ok := store.clients["b"]; !ok {
		t.Error("expected active client to remain")
	}
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 50 || cfg.BurstSize != 100 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
