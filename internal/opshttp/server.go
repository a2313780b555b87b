package opshttp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/keystone-comms/keystone-web/internal/health"
	"github.com/keystone-comms/keystone-web/internal/httpmw"
	"github.com/keystone-comms/keystone-web/internal/httpserver"
	"github.com/keystone-comms/keystone-web/internal/log"
)

// NewHandler builds the admin mux. Every route is restricted to loopback and private networks.
func NewHandler(L log.Logger, opts *Options) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	mux := http.NewServeMux()

	mux.Handle("/-/healthy", health.HealthzHandler(opts.Health))
	mux.Handle("/-/ready", health.ReadyzHandler(opts.Readiness))

	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}
	if opts.RateLimit != nil {
		mux.Handle("/-/ratelimit", opts.RateLimit)
	}

	// shadow pprof with 404s so the paths never fall through to anything else
	if opts.EnablePprof {
		RegisterPprof(mux)
	} else {
		mux.HandleFunc("/debug/pprof/", http.NotFound)
	}

	var h http.Handler = requireNonPublicNetwork(L, mux)
	if opts.UseRecoverMW {
		h = httpmw.Recover(L, opts.OnPanic)(h)
	}
	return h
}

// Start listens on opts.Port (9000 if unset) and serves the admin handler
// in the background. Stop semantics match httpserver.Serve.
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = 9000
	}
	srv := httpserver.NewServer(fmt.Sprintf(":%d", port), NewHandler(L, opts))
	// profiles run for up to 30s by default
	srv.WriteTimeout = 60 * time.Second
	return httpserver.Serve(ctx, L, "ops", "tcp", srv)
}
