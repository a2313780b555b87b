package opshttp

import (
	"net/http"

	"github.com/keystone-comms/keystone-web/internal/health"
)

type Options struct {
	Port    int
	Metrics http.Handler

	EnablePprof bool

	Health    health.Probe
	Readiness health.Probe

	// RateLimit serves the active rate limit policy at /-/ratelimit.
	RateLimit http.Handler

	UseRecoverMW bool
	// OnPanic is called when a panic is recovered, e.g. to bump a counter.
	OnPanic func()
}
