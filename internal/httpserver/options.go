package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keystone-comms/keystone-web/internal/health"
	"github.com/keystone-comms/keystone-web/internal/httpmw"
	"github.com/keystone-comms/keystone-web/internal/log"
)

// DefaultMaxBodyBytes caps request bodies for every route. Routes that accept
// larger bodies must still fit under it.
const DefaultMaxBodyBytes = 16 << 10

type Options struct {
	Logger log.Logger
	Port   int

	UseRecoverMW bool
	// OnPanic is called when the recover middleware catches a panic, e.g. to bump a counter.
	OnPanic func()

	MetricsMW func(http.Handler) http.Handler

	Health    health.Probe
	Readiness health.Probe

	// Routes registers the API and the site fallback. Registered after health routes.
	Routes func(chi.Router)

	ClientIPOpts httpmw.ClientIPOptions

	// MaxBodyBytes defaults to DefaultMaxBodyBytes.
	MaxBodyBytes int64
}
