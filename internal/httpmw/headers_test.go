package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestSecurityHeaders(t *testing.T) {
	var seenInHandler string
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		seenInHandler = w.Header().Get("Strict-Transport-Security")
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/contact/", http.NoBody))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, handler not called", rec.Code)
	}
	if seenInHandler == "" {
		t.Fatal("headers should be set before the handler runs")
	}
	for _, kv := range securityHeaders {
		if got := rec.Header().Get(kv[0]); got != kv[1] {
			t.Errorf("%s = %q, want %q", kv[0], got, kv[1])
		}
	}
	pp := rec.Header().Get("Permissions-Policy")
	for _, d := range []string{"camera=()", "microphone=()", "geolocation=()", "payment=()"} {
		if !strings.Contains(pp, d) {
			t.Errorf("Permissions-Policy missing %q", d)
		}
	}
}

func TestSecurityHeaders_CSPBySurface(t *testing.T) {
	tests := []struct {
		path    string
		want    []string
		notWant []string
	}{
		{"/", []string{"default-src 'self'", "connect-src 'self'", "form-action 'self'", "frame-ancestors 'none'", "object-src 'none'"}, nil},
		{"/contact/", []string{"script-src 'self'", "upgrade-insecure-requests"}, []string{"'unsafe-inline'"}},
		{"/api/contact", []string{"default-src 'none'", "frame-ancestors 'none'"}, []string{"'self'"}},
		{"/api", []string{"default-src 'none'"}, nil},
		{"/apiary", []string{"default-src 'self'"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			SecurityHeaders(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, http.NoBody))
			csp := rec.Header().Get("Content-Security-Policy")
			for _, d := range tt.want {
				if !strings.Contains(csp, d) {
					t.Errorf("CSP missing %q: %s", d, csp)
				}
			}
			for _, d := range tt.notWant {
				if strings.Contains(csp, d) {
					t.Errorf("CSP should not contain %q: %s", d, csp)
				}
			}
		})
	}
}

func TestTraceResponseHeaders(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	traced := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	tests := []struct {
		name                 string
		ctx                  context.Context
		traceHdr, spanHdr    string
		wantTrace, wantSpan  string
		gotTrace, gotSpanHdr string
	}{
		{"valid span", traced, "X-Trace-Id", "X-Span-Id", "0102030405060708090a0b0c0d0e0f10", "0102030405060708", "X-Trace-Id", "X-Span-Id"},
		{"defaults", traced, "", "", "0102030405060708090a0b0c0d0e0f10", "0102030405060708", "X-Trace-Id", "X-Span-Id"},
		{"custom names", traced, "Trace", "Span", "0102030405060708090a0b0c0d0e0f10", "0102030405060708", "Trace", "Span"},
		{"no span", context.Background(), "X-Trace-Id", "X-Span-Id", "", "", "X-Trace-Id", "X-Span-Id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody).WithContext(tt.ctx)
			TraceResponseHeaders(tt.traceHdr, tt.spanHdr)(http.NotFoundHandler()).ServeHTTP(rec, req)

			if got := rec.Header().Get(tt.gotTrace); got != tt.wantTrace {
				t.Errorf("%s = %q, want %q", tt.gotTrace, got, tt.wantTrace)
			}
			if got := rec.Header().Get(tt.gotSpanHdr); got != tt.wantSpan {
				t.Errorf("%s = %q, want %q", tt.gotSpanHdr, got, tt.wantSpan)
			}
		})
	}
}
