package health

import (
	"context"
	"errors"
	"sync"

	"github.com/keystone-comms/keystone-web/internal/xerrors"
)

// Probe reports nil when healthy, otherwise the reason it is not.
type Probe interface{ Check(context.Context) error }

type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// OK always passes. Liveness uses it: a process that can answer is alive.
func OK() CheckFunc { return func(context.Context) error { return nil } }

// Named prefixes failures with name so a readiness body says which
// dependency failed.
func Named(name string, p Probe) CheckFunc {
	return func(ctx context.Context) error {
		if p == nil {
			return nil
		}
		if err := p.Check(ctx); err != nil {
			return xerrors.Wrap(err, name)
		}
		return nil
	}
}

// All passes when every probe passes. Every probe runs, and all failures
// are reported together. Nil probes are skipped.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		var errs []error
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// ShutdownGate fails readiness once draining starts, so the load balancer
// stops routing before the listeners close. The zero value is open.
type ShutdownGate struct {
	mu     sync.RWMutex
	reason string
	closed bool
}

// Drain closes the gate. An empty reason reads as "draining".
func (g *ShutdownGate) Drain(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.mu.Lock()
	g.closed, g.reason = true, reason
	g.mu.Unlock()
}

func (g *ShutdownGate) Resume() {
	g.mu.Lock()
	g.closed, g.reason = false, ""
	g.mu.Unlock()
}

func (g *ShutdownGate) Draining() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closed
}

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		g.mu.RLock()
		defer g.mu.RUnlock()
		if !g.closed {
			return nil
		}
		return xerrors.New(g.reason)
	}
}
