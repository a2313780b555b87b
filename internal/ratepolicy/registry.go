package ratepolicy

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/keystone-comms/keystone-web/internal/ratelimit"
	"github.com/keystone-comms/keystone-web/internal/xerrors"
)

// ErrNoPolicy is returned by a route checker whose route has no policy.
var ErrNoPolicy = errors.New("ratepolicy: no policy for route")

// BuildFunc creates the checker enforcing cfg on route.
type BuildFunc func(route string, cfg ratelimit.Config) (ratelimit.Checker, error)

// LocalBuilder builds in-process limiters with opts applied to each.
func LocalBuilder(opts ...ratelimit.Option) BuildFunc {
	return func(_ string, cfg ratelimit.Config) (ratelimit.Checker, error) {
		return ratelimit.New(cfg, opts...)
	}
}

type state struct {
	doc       Document
	checkers  map[string]ratelimit.Checker
	appliedAt time.Time
}

// Registry holds one checker per route and swaps the whole set when the policy changes.
// Swapping starts every route with fresh buckets.
type Registry struct {
	build          BuildFunc
	clientIDHeader string
	current        atomic.Pointer[state]
}

func NewRegistry(doc Document, clientIDHeader string, build BuildFunc) (*Registry, error) {
	if build == nil {
		build = LocalBuilder()
	}
	r := &Registry{build: build, clientIDHeader: clientIDHeader}
	if err := r.Apply(doc); err != nil {
		return nil, err
	}
	return r, nil
}

// Apply validates doc, builds its checkers and makes them current.
// On error the previous set stays in place.
func (r *Registry) Apply(doc Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	next := &state{
		doc:       doc,
		checkers:  make(map[string]ratelimit.Checker, len(doc.Routes)),
		appliedAt: time.Now().UTC(),
	}
	for _, route := range doc.RouteNames() {
		c, err := r.build(route, doc.Routes[route].Config(r.clientIDHeader))
		if err != nil {
			return xerrors.Wrapf(err, "build limiter for %s", route)
		}
		next.checkers[route] = c
	}
	r.current.Store(next)
	return nil
}

// Snapshot is one consistent view of the active set.
type Snapshot struct {
	Document  Document
	AppliedAt time.Time
	// Limiters holds the in-process limiters, keyed by route. Remote checkers are absent.
	Limiters map[string]*ratelimit.Limiter
}

// Snapshot reads the active set once, so its parts always belong together
// even when Apply runs concurrently.
func (r *Registry) Snapshot() Snapshot {
	s := r.current.Load()
	return Snapshot{Document: s.doc, AppliedAt: s.appliedAt, Limiters: s.limiters()}
}

// Document returns the active policies.
func (r *Registry) Document() Document { return r.current.Load().doc }

// AppliedAt is when the active set was built.
func (r *Registry) AppliedAt() time.Time { return r.current.Load().appliedAt }

// ClientIDHeader returns the header the route middleware trusts as client identity.
func (r *Registry) ClientIDHeader() string { return r.clientIDHeader }

// Checker returns a checker for route that always consults the active set.
func (r *Registry) Checker(route string) ratelimit.Checker {
	return routeChecker{r: r, route: route}
}

// Limiters returns the in-process limiters of the active set, keyed by route.
func (r *Registry) Limiters() map[string]*ratelimit.Limiter { return r.current.Load().limiters() }

func (s *state) limiters() map[string]*ratelimit.Limiter {
	out := make(map[string]*ratelimit.Limiter, len(s.checkers))
	for route, c := range s.checkers {
		if l, ok := c.(*ratelimit.Limiter); ok {
			out[route] = l
		}
	}
	return out
}

type routeChecker struct {
	r     *Registry
	route string
}

func (c routeChecker) Take(ctx context.Context, clientID, routeID string) (ratelimit.Decision, error) {
	chk, ok := c.r.current.Load().checkers[c.route]
	if !ok {
		return ratelimit.Decision{}, xerrors.Wrapf(ErrNoPolicy, "route %s", c.route)
	}
	return chk.Take(ctx, clientID, routeID)
}
