package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/keystone-comms/keystone-web/internal/xerrors"
)

// ErrBackendUnavailable is returned while the breaker is open. The HTTP
// middleware fails open on it like on any other checker error.
var ErrBackendUnavailable = errors.New("ratelimit: backend unavailable")

const (
	defaultTripAfter = 5
	defaultOpenFor   = 30 * time.Second
)

type BreakerOptions struct {
	// TripAfter consecutive failures open the breaker. Default 5.
	TripAfter uint32
	// OpenFor is how long calls are short-circuited before one trial call. Default 30s.
	OpenFor time.Duration
	// OnStateChange receives "closed", "half-open" or "open".
	OnStateChange func(name, from, to string)
}

type breakerChecker struct {
	next Checker
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker wraps a remote checker so a dead backend costs one fast
// error per request instead of a timeout each.
func WithBreaker(name string, next Checker, opts BreakerOptions) Checker {
	if opts.TripAfter == 0 {
		opts.TripAfter = defaultTripAfter
	}
	if opts.OpenFor <= 0 {
		opts.OpenFor = defaultOpenFor
	}
	return &breakerChecker{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     opts.OpenFor,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= opts.TripAfter
			},
			// a visitor hanging up says nothing about the backend
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				if opts.OnStateChange != nil {
					opts.OnStateChange(name, from.String(), to.String())
				}
			},
		}),
	}
}

func (b *breakerChecker) Take(ctx context.Context, clientID, routeID string) (Decision, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Take(ctx, clientID, routeID)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return Decision{}, xerrors.Wrapf(ErrBackendUnavailable, "breaker %s %s", b.cb.Name(), b.cb.State())
	case err != nil:
		return Decision{}, err
	}
	return v.(Decision), nil
}
