package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"recordkeeper/internal/observability"
)

type stubCounter struct {
	admitted bool
	err      error
	calls    int
	lastAddr string
}

func (s *stubCounter) Admit(_ context.Context, addr string) (bool, error) {
	s.calls++
	s.lastAddr = addr
	return s.admitted, s.err
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LevelError)
}

func TestWrapAdmits(t *testing.T) {
	primary := &stubCounter{admitted: true}
	m := NewMiddleware(primary, nil, 60, nil, testLogger())

	rec := httptest.NewRecorder()
	m.Wrap(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/records", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if primary.calls != 1 {
		t.Fatalf("primary calls = %d, want 1", primary.calls)
	}
}

func TestWrapRejectsWithRetryAfter(t *testing.T) {
	primary := &stubCounter{admitted: false}
	m := NewMiddleware(primary, nil, 60, nil, testLogger())

	rec := httptest.NewRecorder()
	m.Wrap(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/records", nil))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Fatalf("Retry-After = %q, want 60", got)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "rate_limited" {
		t.Fatalf("body = %v", body)
	}
}

func TestWrapBypassSkipsCounter(t *testing.T) {
	primary := &stubCounter{admitted: false}
	m := NewMiddleware(primary, nil, 60, []string{"/health"}, testLogger())

	rec := httptest.NewRecorder()
	m.Wrap(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want bypass", rec.Code)
	}
	if primary.calls != 0 {
		t.Fatal("counter consulted for a bypassed path")
	}
}

func TestWrapFallsBackWhenPrimaryErrors(t *testing.T) {
	primary := &stubCounter{err: errors.New("connection refused")}
	fallback := &stubCounter{admitted: true}
	m := NewMiddleware(primary, fallback, 60, nil, testLogger())

	rec := httptest.NewRecorder()
	m.Wrap(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/records", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 via fallback", rec.Code)
	}
	if fallback.calls != 1 {
		t.Fatalf("fallback calls = %d, want 1", fallback.calls)
	}

	// The fallback can still reject.
	fallback.admitted = false
	rec = httptest.NewRecorder()
	m.Wrap(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/records", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 from fallback", rec.Code)
	}
}

func TestWrapAdmitsWhenPrimaryErrorsWithoutFallback(t *testing.T) {
	primary := &stubCounter{err: errors.New("connection refused")}
	m := NewMiddleware(primary, nil, 60, nil, testLogger())

	rec := httptest.NewRecorder()
	m.Wrap(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/records", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want fail-open admit", rec.Code)
	}
}

func TestClientAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:52001"
	if got := ClientAddr(req); got != "192.0.2.10:52001" {
		t.Fatalf("addr = %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := ClientAddr(req); got != "203.0.113.7" {
		t.Fatalf("addr = %q, want first forwarded entry", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = ""
	if got := ClientAddr(req); got != "unknown" {
		t.Fatalf("addr = %q, want unknown", got)
	}
}
