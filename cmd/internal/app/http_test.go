package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg, err := LoadConfig(NewViper(), "")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestHandler_HealthAndReadiness(t *testing.T) {
	h := newTestApp(t).Handler()

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := get(t, h, path)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
		if got := rr.Header().Get("X-Content-Type-Options"); got != "nosniff" {
			t.Fatalf("%s: security headers missing", path)
		}
	}
}

func TestHandler_Metrics(t *testing.T) {
	h := newTestApp(t).Handler()

	rr := get(t, h, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, name := range []string{"chatroom_ws_connections", "chatroom_ws_recovery_window_seconds", "go_goroutines"} {
		if !strings.Contains(body, name) {
			t.Fatalf("metrics output missing %s", name)
		}
	}
}

func TestHandler_WSRequiresUpgrade(t *testing.T) {
	h := newTestApp(t).Handler()

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "http://localhost")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code < 400 {
		t.Fatalf("plain GET on /ws should be rejected, got %d", rr.Code)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg, err := LoadConfig(NewViper(), "")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg.HTTP.Addr = "127.0.0.1:0"

	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run after cancel: %v", err)
	}
}
