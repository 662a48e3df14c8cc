package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/idempotency"
	"github.com/hms/hms/internal/platform/middleware"
)

// A deposit that outlives the request deadline must reach the client as 504,
// never as a buffered empty 200, and must not be stored for replay.
func TestDepositTimeout_WithIdempotencyKey(t *testing.T) {
	store := idempotency.NewMemoryStore(time.Hour)
	var calls int32

	e := echo.New()
	e.Use(middleware.RequestTimeout(50 * time.Millisecond))
	e.POST("/transactions/deposit", func(c echo.Context) error {
		atomic.AddInt32(&calls, 1)
		<-c.Request().Context().Done()
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Payment gateway unavailable")
	}, idempotency.Middleware(store, zerolog.Nop()))

	srv := httptest.NewServer(e)
	defer srv.Close()

	post := func() *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/transactions/deposit", strings.NewReader(`{"bill_id":1}`))
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(idempotency.HeaderKey, "deposit-1")
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		return resp
	}

	resp := post()
	var body map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d %v", resp.StatusCode, body)
	}
	if body["message"] == nil {
		t.Errorf("expected an error message in the body, got %v", body)
	}
	if resp.Header.Get(idempotency.HeaderReplayed) != "" {
		t.Error("first response must not be marked as replayed")
	}

	if _, ok, _ := store.Get(context.Background(), ":deposit-1"); ok {
		t.Fatal("timed-out deposit must not be cached")
	}

	resp = post()
	resp.Body.Close()
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("expected retry to run again and time out, got %d", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("expected handler to run twice, got %d", got)
	}
}
