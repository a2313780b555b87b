package sitehttp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keystone-comms/keystone-web/internal/contact"
	"github.com/keystone-comms/keystone-web/internal/httpmw"
	"github.com/keystone-comms/keystone-web/internal/log"
	"github.com/keystone-comms/keystone-web/internal/ratelimit"
	"github.com/keystone-comms/keystone-web/internal/ratepolicy"
)

// MaxContactBody caps a contact form post.
const MaxContactBody = 16 << 10

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncContactSubmission(outcome string)
	IncRateLimitDenied(route string)
	IncRateLimitError(route string)
}

type Options struct {
	Logger log.Logger

	// Site serves everything that is not an API route.
	Site http.Handler

	// ContactLimiter guards POST /api/contact. Nil disables limiting.
	ContactLimiter ratelimit.Checker
	ClientIDHeader string

	Archiver contact.Archiver
	Metrics  Metrics

	// Now is the wall clock used to stamp submissions.
	Now func() time.Time
}

type Routes struct {
	site           http.Handler
	logger         log.Logger
	limiter        ratelimit.Checker
	clientIDHeader string
	archiver       contact.Archiver
	metrics        Metrics
	now            func() time.Time
}

func New(opts Options) *Routes {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Archiver == nil {
		opts.Archiver = contact.NopArchiver{Logger: opts.Logger}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Routes{
		site:           opts.Site,
		logger:         opts.Logger,
		limiter:        opts.ContactLimiter,
		clientIDHeader: opts.ClientIDHeader,
		archiver:       opts.Archiver,
		metrics:        opts.Metrics,
		now:            opts.Now,
	}
}

// RegisterRoutes attaches the API and then the site as the final fallback.
// Use NotFound rather than a wildcard route so health and control routes
// registered by other registrars are not shadowed.
func (rt *Routes) RegisterRoutes(r chi.Router) {
	r.With(httpmw.Scope("services")).Get("/api/services", rt.HandleServices)

	// limit before reading the body, a denied client costs one map lookup
	mws := []func(http.Handler) http.Handler{httpmw.Scope("contact")}
	if rt.limiter != nil {
		mws = append(mws, ratelimit.Middleware(rt.limiter, ratelimit.MiddlewareOptions{
			ClientIDHeader: rt.clientIDHeader,
			RouteID:        ratepolicy.ContactRoute,
			OnDenied:       rt.onDenied,
			OnError:        rt.onLimiterError,
		}))
	}
	mws = append(mws, httpmw.MaxBody(MaxContactBody))
	r.With(mws...).Post(ratepolicy.ContactRoute, rt.HandleContact)

	r.NotFound(rt.fallback(http.StatusNotFound, "not found"))
	r.MethodNotAllowed(rt.fallback(http.StatusMethodNotAllowed, "method not allowed"))
}

// fallback answers unknown API paths with JSON and hands the rest to the site.
func (rt *Routes) fallback(status int, msg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rt.site == nil || strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/api" {
			rt.writeJSON(r.Context(), w, status, errorResponse{Error: msg})
			return
		}
		rt.site.ServeHTTP(w, r)
	}
}

func (rt *Routes) onDenied(route string) {
	if rt.metrics != nil {
		rt.metrics.IncRateLimitDenied(route)
	}
}

func (rt *Routes) onLimiterError(ctx context.Context, err error) {
	log.FromContext(ctx).Error(ctx, err, "rate limiter unavailable, allowing request")
	if rt.metrics != nil {
		rt.metrics.IncRateLimitError(ratepolicy.ContactRoute)
	}
}

func (rt *Routes) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if w.Header().Get("Cache-Control") == "" {
		w.Header().Set("Cache-Control", "no-store")
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		rt.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
