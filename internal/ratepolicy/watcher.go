package ratepolicy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/keystone-comms/keystone-web/internal/log"
)

const (
	// DefaultPollInterval is how often the watcher re-reads the override parameter.
	DefaultPollInterval = time.Minute

	// maxBackoff caps exponential backoff on consecutive fetch errors.
	maxBackoff = 10 * time.Minute
)

type pollResult int

const (
	pollNoChange pollResult = iota
	pollApplied
	pollFetchError
	pollRejected
)

// Source yields the raw override document.
type Source interface {
	Fetch(ctx context.Context) (string, error)
}

// WatcherMetrics observes watcher behavior.
type WatcherMetrics interface {
	IncPolicyPolls()
	IncPolicyReloads()
	IncPolicyError(kind string)
}

type WatcherOptions struct {
	Logger   log.Logger
	Source   Source
	Registry *Registry

	// Base is the document overrides are merged onto, usually the flag-derived defaults.
	Base Document

	// Current is the raw value already applied at startup, so the first poll is a no-op.
	Current string

	PollInterval time.Duration
	Metrics      WatcherMetrics

	// OnApply is called after a new policy set is live.
	OnApply func(doc Document)
}

// Watcher polls Source and applies changed overrides to the Registry.
// Invalid documents are logged and the active policies kept.
type Watcher struct {
	source   Source
	registry *Registry
	base     Document
	logger   log.Logger
	interval time.Duration
	metrics  WatcherMetrics
	onApply  func(doc Document)

	current         string
	consecutiveErrs int
	applyCount      int64
}

func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		source:   opts.Source,
		registry: opts.Registry,
		base:     opts.Base,
		logger:   opts.Logger,
		interval: interval,
		metrics:  opts.Metrics,
		onApply:  opts.OnApply,
		current:  opts.Current,
	}
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "rate policy watcher starting", "poll_interval", w.interval.String())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "rate policy watcher stopping", "reason", ctx.Err(), "applied", w.applyCount)
			return ctx.Err()
		case <-ticker.C:
			if w.checkOnce(ctx) == pollFetchError {
				w.consecutiveErrs++
				backoff := w.backoffDuration()
				w.logger.Warn(ctx, "rate policy watcher: backing off",
					"consecutive_errors", w.consecutiveErrs,
					"next_poll_in", backoff.String(),
				)
				ticker.Reset(backoff)
			} else if w.consecutiveErrs > 0 {
				w.consecutiveErrs = 0
				ticker.Reset(w.interval)
			}
		}
	}
}

func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	if w.metrics != nil {
		w.metrics.IncPolicyPolls()
	}

	raw, err := w.source.Fetch(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "rate policy watcher: fetch failed")
		if w.metrics != nil {
			w.metrics.IncPolicyError("fetch")
		}
		return pollFetchError
	}
	if raw == w.current {
		return pollNoChange
	}

	over, err := Parse([]byte(raw))
	if err == nil {
		err = w.registry.Apply(w.base.Merge(over))
	}
	if err != nil {
		w.logger.Error(ctx, err, "rate policy watcher: rejected new policy, keeping current")
		if w.metrics != nil {
			w.metrics.IncPolicyError("invalid")
		}
		// remember the rejected value so it is not re-logged every poll
		w.current = raw
		return pollRejected
	}

	w.current = raw
	w.applyCount++
	doc := w.registry.Document()
	w.logger.Info(ctx, "rate policy watcher: policy applied", "routes", doc.RouteNames())
	if w.metrics != nil {
		w.metrics.IncPolicyReloads()
	}

	if w.onApply != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error(ctx, fmt.Errorf("OnApply panic: %v", r), "rate policy watcher: OnApply callback panicked")
				}
			}()
			w.onApply(doc)
		}()
	}
	return pollApplied
}

// backoffDuration doubles the interval per consecutive error, capped at maxBackoff.
func (w *Watcher) backoffDuration() time.Duration {
	d := time.Duration(float64(w.interval) * math.Pow(2, float64(w.consecutiveErrs)))
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
