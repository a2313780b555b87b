package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keystone-comms/keystone-web/internal/httpmw"
)

// Client IP is injected via httpmw.WithClientIP, these tests do not depend on
// the ClientIP middleware's XFF parsing or trust logic.

func makeRequest(handler http.Handler, clientIP string, hdr map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/api/contact", http.NoBody)
	r = r.WithContext(httpmw.WithClientIP(r.Context(), clientIP))
	for k, v := range hdr {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	return w
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// ClientID

func TestClientID(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		ctxIP    string
		headers  map[string]string
		expected string
	}{
		{
			name:     "configured header wins",
			header:   "X-Client-Id",
			ctxIP:    "203.0.113.9",
			headers:  map[string]string{"X-Client-Id": "session-abc"},
			expected: "session-abc",
		},
		{
			name:     "empty configured header falls back to resolved ip",
			header:   "X-Client-Id",
			ctxIP:    "203.0.113.9",
			headers:  map[string]string{"X-Client-Id": "   "},
			expected: "203.0.113.9",
		},
		{
			name:     "resolved ip preferred over raw forwarded headers",
			ctxIP:    "203.0.113.9",
			headers:  map[string]string{"X-Forwarded-For": "198.51.100.1"},
			expected: "203.0.113.9",
		},
		{
			name:     "first forwarded-for entry",
			headers:  map[string]string{"X-Forwarded-For": " 198.51.100.1 , 10.0.0.1"},
			expected: "198.51.100.1",
		},
		{
			name:     "real ip when no forwarded-for",
			headers:  map[string]string{"X-Real-Ip": "198.51.100.7"},
			expected: "198.51.100.7",
		},
		{
			name:     "unknown when nothing identifies the client",
			expected: UnknownClient,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			r = r.WithContext(httpmw.WithClientIP(r.Context(), tt.ctxIP))
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := ClientID(r, tt.header); got != tt.expected {
				t.Fatalf("ClientID = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestClientID_ClampsLongHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r.Header.Set("X-Client-Id", strings.Repeat("a", 1000))
	if got := ClientID(r, "X-Client-Id"); len(got) != maxClientIDLen {
		t.Fatalf("len = %d, want %d", len(got), maxClientIDLen)
	}
}

// RouteID

func TestRouteID_PrefersChiPattern(t *testing.T) {
	var got string
	r := chi.NewRouter()
	r.Get("/api/services/{slug}", func(w http.ResponseWriter, req *http.Request) {
		got = RouteID(req)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/services/fiber", http.NoBody))
	if got != "/api/services/{slug}" {
		t.Fatalf("RouteID = %q, want pattern", got)
	}
}

func TestRouteID_FallsBackToPath(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/plain", http.NoBody)
	if got := RouteID(r); got != "/plain" {
		t.Fatalf("RouteID = %q, want /plain", got)
	}
}

// Middleware

func TestMiddleware_Returns429WithHeaders(t *testing.T) {
	l := newTestLimiter(t, 2, time.Hour)
	handler := l.Middleware(okHandler())

	for i := 0; i < 2; i++ {
		w := makeRequest(handler, "203.0.113.1", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: got %d, want 200", i+1, w.Code)
		}
		if got := w.Header().Get("X-RateLimit-Remaining"); got != strconv.Itoa(1-i) {
			t.Fatalf("request %d: remaining header = %q, want %d", i+1, got, 1-i)
		}
	}

	w := makeRequest(handler, "203.0.113.1", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("request 3: got %d, want 429", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Errorf("X-RateLimit-Limit = %q, want 2", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
	// two tokens missing at 30min each, refill to full takes ~3600s
	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retry < 3599 || retry > 3600 {
		t.Errorf("Retry-After = %q, want ~3600", w.Header().Get("Retry-After"))
	}
	reset, err := strconv.ParseInt(w.Header().Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		t.Fatalf("X-RateLimit-Reset not an integer: %v", err)
	}
	if delta := reset - time.Now().Unix(); delta < 3590 || delta > 3601 {
		t.Errorf("X-RateLimit-Reset is %ds from now, want ~3600", delta)
	}
	if w.Header().Get("Content-Type") != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", w.Header().Get("Content-Type"))
	}
	want := `{"error":"too many requests"}`
	if got := w.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

func TestMiddleware_RetryAfterAtLeastOneSecond(t *testing.T) {
	// frozen clock, one token refills every millisecond
	l := newTestLimiter(t, 1000, time.Second, WithClock(func() int64 { return 0 }))
	for i := 0; i < 1000; i++ {
		l.Check("203.0.113.1", "/api/contact", l.Now())
	}
	w := makeRequest(l.Middleware(okHandler()), "203.0.113.1", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("got %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("Retry-After = %q, want 1", got)
	}
}

func TestMiddleware_DeniedRequestDoesNotReachHandler(t *testing.T) {
	l := newTestLimiter(t, 1, time.Hour)

	var reached atomic.Int32
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached.Add(1)
	}))

	makeRequest(handler, "203.0.113.1", nil)
	makeRequest(handler, "203.0.113.1", nil)
	makeRequest(handler, "203.0.113.1", nil)

	if got := reached.Load(); got != 1 {
		t.Fatalf("handler reached %d times, want 1", got)
	}
}

func TestMiddleware_DifferentClientsIndependent(t *testing.T) {
	l := newTestLimiter(t, 1, time.Hour)
	handler := l.Middleware(okHandler())

	makeRequest(handler, "203.0.113.1", nil)
	if w := makeRequest(handler, "203.0.113.1", nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("client 1 second request: got %d, want 429", w.Code)
	}
	if w := makeRequest(handler, "203.0.113.2", nil); w.Code != http.StatusOK {
		t.Fatalf("client 2 first request: got %d, want 200", w.Code)
	}
}

func TestMiddleware_ConfiguredClientIDHeader(t *testing.T) {
	l, err := New(Config{Capacity: 1, Window: time.Hour, ClientIDHeader: "X-Visitor"}, WithSweepProbability(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	handler := l.Middleware(okHandler())

	// same ip, different visitor ids -> separate buckets
	if w := makeRequest(handler, "203.0.113.1", map[string]string{"X-Visitor": "a"}); w.Code != http.StatusOK {
		t.Fatalf("visitor a: got %d", w.Code)
	}
	if w := makeRequest(handler, "203.0.113.1", map[string]string{"X-Visitor": "b"}); w.Code != http.StatusOK {
		t.Fatalf("visitor b: got %d", w.Code)
	}
	if w := makeRequest(handler, "203.0.113.1", map[string]string{"X-Visitor": "a"}); w.Code != http.StatusTooManyRequests {
		t.Fatalf("visitor a again: got %d, want 429", w.Code)
	}
}

func TestMiddleware_UnknownClientsShareBucket(t *testing.T) {
	l := newTestLimiter(t, 1, time.Hour)
	handler := l.Middleware(okHandler())

	makeRequest(handler, "", nil)
	if w := makeRequest(handler, "", nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second anonymous request: got %d, want 429", w.Code)
	}
}

func TestMiddleware_FixedRouteID(t *testing.T) {
	l := newTestLimiter(t, 1, time.Hour)
	mw := Middleware(l, MiddlewareOptions{RouteID: "contact"})

	makeRequest(mw(okHandler()), "203.0.113.1", nil)
	if _, ok := l.tokens("203.0.113.1", "contact"); !ok {
		t.Fatal("bucket should be keyed by the fixed route id")
	}
}

func TestMiddleware_OnDenied(t *testing.T) {
	l := newTestLimiter(t, 1, time.Hour)
	var denied []string
	mw := Middleware(l, MiddlewareOptions{
		RouteID:  "/api/contact",
		OnDenied: func(route string) { denied = append(denied, route) },
	})
	h := mw(okHandler())

	makeRequest(h, "203.0.113.1", nil)
	makeRequest(h, "203.0.113.1", nil)
	makeRequest(h, "203.0.113.1", nil)

	if len(denied) != 2 || denied[0] != "/api/contact" {
		t.Fatalf("denied = %v, want two /api/contact entries", denied)
	}
}

type failingChecker struct{ err error }

func (f failingChecker) Take(context.Context, string, string) (Decision, error) {
	return Decision{}, f.err
}

func TestMiddleware_FailsOpenOnCheckerError(t *testing.T) {
	boom := errors.New("redis down")
	var gotErr error
	mw := Middleware(failingChecker{err: boom}, MiddlewareOptions{
		OnError: func(ctx context.Context, err error) { gotErr = err },
	})

	w := makeRequest(mw(okHandler()), "203.0.113.1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("got %d, want 200 (fail open)", w.Code)
	}
	if !errors.Is(gotErr, boom) {
		t.Fatalf("OnError got %v, want %v", gotErr, boom)
	}
	if w.Header().Get("X-RateLimit-Limit") != "" {
		t.Fatal("no rate limit headers expected when the checker failed")
	}
}

func TestSetHeaders_ResetRoundsUp(t *testing.T) {
	h := http.Header{}
	wall := time.Unix(1000, 500)
	setHeaders(h, Decision{Limit: 3, Remaining: 1, ResetIn: 1500 * time.Millisecond}, wall)
	if got := h.Get("X-RateLimit-Reset"); got != "1002" {
		t.Fatalf("X-RateLimit-Reset = %q, want 1002", got)
	}

	h = http.Header{}
	setHeaders(h, Decision{Limit: 3, Remaining: 3}, time.Unix(1000, 0))
	if got := h.Get("X-RateLimit-Reset"); got != "1000" {
		t.Fatalf("X-RateLimit-Reset = %q, want 1000", got)
	}
}
