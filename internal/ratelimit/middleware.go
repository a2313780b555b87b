package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keystone-comms/keystone-web/internal/httpmw"
)

// maxClientIDLen bounds header-derived identities so a client cannot mint huge map keys
const maxClientIDLen = 128

// MiddlewareOptions configures the HTTP side of a Checker.
type MiddlewareOptions struct {
	// ClientIDHeader, when set, is trusted as the client identity before any IP based source.
	ClientIDHeader string

	// RouteID fixes the route identity. Empty means the chi route pattern, then the URL path.
	RouteID string

	// OnDenied is called for every 429 with the route identity, used for prometheus counters
	OnDenied func(routeID string)

	// OnError is called when the checker fails. The request is allowed through (fail open).
	OnError func(ctx context.Context, err error)
}

// ClientID derives the bucket identity for r.
// Order: configured header, client IP resolved by httpmw.ClientIP, first X-Forwarded-For entry, X-Real-Ip, "unknown".
func ClientID(r *http.Request, header string) string {
	if header != "" {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return clampID(v)
		}
	}
	if ip := httpmw.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		if first = strings.TrimSpace(first); first != "" {
			return clampID(first)
		}
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-Ip")); v != "" {
		return clampID(v)
	}
	return UnknownClient
}

func clampID(s string) string {
	if len(s) > maxClientIDLen {
		return s[:maxClientIDLen]
	}
	return s
}

// RouteID returns the chi route pattern of r, or its path when no pattern matched.
func RouteID(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// Middleware rejects requests over the limit of c with 429 and advisory rate limit headers.
func Middleware(c Checker, opts MiddlewareOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			route := opts.RouteID
			if route == "" {
				route = RouteID(r)
			}
			client := ClientID(r, opts.ClientIDHeader)

			d, err := c.Take(ctx, client, route)
			if err != nil {
				if opts.OnError != nil {
					opts.OnError(ctx, err)
				}
				next.ServeHTTP(w, r)
				return
			}

			setHeaders(w.Header(), d, time.Now())

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.Bool("ratelimit.allowed", d.Allowed),
					attribute.Int("ratelimit.remaining", d.Remaining),
				)
			}

			if !d.Allowed {
				if opts.OnDenied != nil {
					opts.OnDenied(route)
				}
				retry := d.RetryAfter()
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set("Cache-Control", "no-store")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"too many requests"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Middleware adapts the limiter to the HTTP middleware with default options.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return Middleware(l, MiddlewareOptions{ClientIDHeader: l.cfg.ClientIDHeader})(next)
}

func setHeaders(h http.Header, d Decision, wall time.Time) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	// reset is reported in unix seconds, rounded up so clients never retry early
	reset := wall.Add(d.ResetIn)
	secs := reset.Unix()
	if reset.Nanosecond() > 0 {
		secs++
	}
	h.Set("X-RateLimit-Reset", strconv.FormatInt(secs, 10))
}
