package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/quartz"

	"github.com/pmoraes/chat-backend/internal/notifications"
)

type stubLimiter struct {
	decision Decision
	err      error
	calls    []string
}

func (s *stubLimiter) Acquire(_ context.Context, identifier string, _ int) (Decision, error) {
	s.calls = append(s.calls, identifier)
	return s.decision, s.err
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		remoteAddr string
		want       string
	}{
		{"10.0.0.1:51234", "10.0.0.1"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"10.0.0.1", "10.0.0.1"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
		req.RemoteAddr = tc.remoteAddr
		if got := ClientIP(req); got != tc.want {
			t.Errorf("ClientIP(%q) = %q, want %q", tc.remoteAddr, got, tc.want)
		}
	}
}

func TestGateAllowsWithinLimit(t *testing.T) {
	limiter := &stubLimiter{decision: Decision{Allowed: true}}
	gate := NewGate(limiter, NewBypassStore(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.RemoteAddr = "10.0.0.1:51234"
	rec := httptest.NewRecorder()

	gate.Middleware(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(limiter.calls) != 1 || limiter.calls[0] != "ip:10.0.0.1" {
		t.Errorf("expected single ip identifier, got %v", limiter.calls)
	}
}

func TestGateAPIKeyIdentifierOrder(t *testing.T) {
	limiter := &stubLimiter{decision: Decision{Allowed: true}}
	gate := NewGate(limiter, NewBypassStore(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.RemoteAddr = "10.0.0.1:51234"
	req.Header.Set("X-API-Key", "secret-key")
	rec := httptest.NewRecorder()

	gate.Middleware(okHandler()).ServeHTTP(rec, req)

	want := []string{"api_key:secret-key", "ip:10.0.0.1"}
	if len(limiter.calls) != 2 || limiter.calls[0] != want[0] || limiter.calls[1] != want[1] {
		t.Errorf("expected identifiers %v, got %v", want, limiter.calls)
	}
}

func TestGateRejectsWhenExhausted(t *testing.T) {
	limiter := &stubLimiter{decision: Decision{Allowed: false, RetryAfter: 1200 * time.Millisecond}}
	gate := NewGate(limiter, NewBypassStore(), nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/sessions", nil)
	req.RemoteAddr = "10.0.0.1:51234"
	rec := httptest.NewRecorder()

	gate.Middleware(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Errorf("expected Retry-After header 2 (ceiling of 1.2), got %q", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("expected JSON content type, got %q", got)
	}

	var body struct {
		Error      string  `json:"error"`
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != "rate_limited" {
		t.Errorf("expected error code rate_limited, got %q", body.Error)
	}
	if body.RetryAfter < 1.19 || body.RetryAfter > 1.21 {
		t.Errorf("expected retry_after about 1.2, got %v", body.RetryAfter)
	}
}

func TestGateNotifiesOnDenial(t *testing.T) {
	limiter := &stubLimiter{decision: Decision{Allowed: false, RetryAfter: 2 * time.Second}}
	notifier := notifications.NewLogNotifier()
	gate := NewGate(limiter, NewBypassStore(), nil, notifier)

	req := httptest.NewRequest(http.MethodPost, "/sessions", nil)
	req.RemoteAddr = "10.0.0.1:51234"
	rec := httptest.NewRecorder()

	gate.Middleware(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}

	// The event is published off the request path, so give it a moment.
	var events []notifications.Event
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events = notifier.Events()
		if len(events) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events[0].Type != notifications.EventRateLimited {
		t.Errorf("expected %s event, got %s", notifications.EventRateLimited, events[0].Type)
	}
	if got := events[0].Data["identifier"]; got != "ip:10.0.0.1" {
		t.Errorf("expected identifier ip:10.0.0.1 in event data, got %v", got)
	}
}

func TestGateRetryAfterHeaderFloor(t *testing.T) {
	limiter := &stubLimiter{decision: Decision{Allowed: false, RetryAfter: 100 * time.Millisecond}}
	gate := NewGate(limiter, NewBypassStore(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.RemoteAddr = "10.0.0.1:51234"
	rec := httptest.NewRecorder()

	gate.Middleware(okHandler()).ServeHTTP(rec, req)

	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After never drops below 1, got %q", got)
	}
}

func TestGateBypassSkipsLimiter(t *testing.T) {
	limiter := &stubLimiter{decision: Decision{Allowed: false, RetryAfter: time.Second}}
	bypass := NewBypassStore("10.0.0.5")
	gate := NewGate(limiter, bypass, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.RemoteAddr = "10.0.0.5:51234"
	rec := httptest.NewRecorder()

	gate.Middleware(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("bypassed address should pass, got %d", rec.Code)
	}
	if len(limiter.calls) != 0 {
		t.Errorf("limiter must not be consulted for bypassed addresses, got %v", limiter.calls)
	}
}

func TestGateFailsOpenOnLimiterError(t *testing.T) {
	limiter := &stubLimiter{err: errors.New("backend unreachable")}
	gate := NewGate(limiter, NewBypassStore(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.RemoteAddr = "10.0.0.1:51234"
	rec := httptest.NewRecorder()

	gate.Middleware(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("limiter errors must fail open, got %d", rec.Code)
	}
}

func TestGateAnonymousFallback(t *testing.T) {
	limiter := &stubLimiter{decision: Decision{Allowed: true}}
	gate := NewGate(limiter, NewBypassStore(), func(r *http.Request) []string { return nil }, nil)

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.RemoteAddr = "10.0.0.1:51234"
	rec := httptest.NewRecorder()

	gate.Middleware(okHandler()).ServeHTTP(rec, req)

	if len(limiter.calls) != 1 || limiter.calls[0] != "anonymous" {
		t.Errorf("empty resolver result should fall back to anonymous, got %v", limiter.calls)
	}
}

func TestGateEndToEndWithTokenBucket(t *testing.T) {
	clock := quartz.NewMock(t)
	limiter, err := NewInMemoryLimiter(1.0, 1, clock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer limiter.Close()

	gate := NewGate(limiter, NewBypassStore(), nil, nil)
	handler := gate.Middleware(okHandler())

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
		req.RemoteAddr = "10.0.0.1:51234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(); rec.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rec.Code)
	}
	if rec := send(); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be limited, got %d", rec.Code)
	}

	clock.Advance(time.Second)
	if rec := send(); rec.Code != http.StatusOK {
		t.Errorf("request after replenishment should pass, got %d", rec.Code)
	}
}
