package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// UnknownClient is the bucket identity used when no client identifier can be
// derived. All unidentifiable callers share this one bucket per route.
const UnknownClient = "unknown"

// DefaultSweepProbability is the chance an allowed Check also sweeps idle buckets.
const DefaultSweepProbability = 0.01

var ErrInvalidConfig = errors.New("ratelimit: invalid config")

// Config is the immutable policy of a Limiter.
type Config struct {
	// Capacity is the bucket size, the number of requests allowed in a burst.
	Capacity int
	// Window is how long an empty bucket takes to refill to Capacity.
	Window time.Duration
	// BucketTTL is how long an idle bucket is kept. Zero means 2 x Window.
	BucketTTL time.Duration
	// ClientIDHeader optionally names a request header carrying the client identity.
	ClientIDHeader string
}

// Validate rejects configs that would never refill or refill infinitely.
func (c Config) Validate() error {
	var errs []error
	if c.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("%w: capacity must be > 0 (got %d)", ErrInvalidConfig, c.Capacity))
	}
	if c.Window <= 0 {
		errs = append(errs, fmt.Errorf("%w: window must be > 0 (got %s)", ErrInvalidConfig, c.Window))
	} else if c.Window < time.Millisecond {
		errs = append(errs, fmt.Errorf("%w: window must be at least 1ms (got %s)", ErrInvalidConfig, c.Window))
	}
	if c.BucketTTL < 0 {
		errs = append(errs, fmt.Errorf("%w: bucket ttl must be >= 0 (got %s)", ErrInvalidConfig, c.BucketTTL))
	}
	return errors.Join(errs...)
}

// TTL returns the effective idle bucket lifetime.
func (c Config) TTL() time.Duration {
	if c.BucketTTL > 0 {
		return c.BucketTTL
	}
	return 2 * c.Window
}

// Decision is the outcome of a single Check.
type Decision struct {
	Allowed bool
	// Limit is the bucket capacity.
	Limit int
	// Remaining is the number of whole tokens left after this request.
	Remaining int
	// Reset is the clock reading (ms) at which the bucket is full again.
	Reset int64
	// ResetIn is Reset relative to the time of the check.
	ResetIn time.Duration
}

// RetryAfter is the advisory wait in whole seconds, rounded up.
func (d Decision) RetryAfter() int {
	if d.ResetIn <= 0 {
		return 0
	}
	return int(math.Ceil(d.ResetIn.Seconds()))
}

// Checker decides whether a request from clientID to routeID may proceed.
type Checker interface {
	Take(ctx context.Context, clientID, routeID string) (Decision, error)
}

// bucket is guarded by its own mutex so unrelated keys never contend.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill int64
	// evicted is set by Sweep under mu, a Check holding a stale pointer retries the lookup
	evicted bool
	// logged tracks whether the first-denial hook already fired for this bucket
	logged bool
}

// Limiter holds the per-key buckets for one rate limit policy.
type Limiter struct {
	cfg      Config
	capacity float64
	windowMs float64
	ttl      time.Duration

	buckets sync.Map // key -> *bucket
	size    atomic.Int64

	// maxBuckets caps the registry, 0 disables
	maxBuckets int
	atCapacity atomic.Bool
	// evictAt caches the clock reading at which the longest idle bucket passes ttl
	evictAt atomic.Int64

	sweepProbability float64
	now              func() int64
	rand             func() float64

	// OnFirstDenied is called once per bucket lifetime when it is first denied, used for logging
	OnFirstDenied func(key string)

	// OnDenied is called on every denied request
	OnDenied func(key string)

	// OnCapacity is called once each time the registry fills up
	OnCapacity func()

	// OnSweep is called after every sweep with the number of evicted buckets
	OnSweep func(evicted int)
}

type Option func(*Limiter)

// WithClock sets the millisecond clock used by Take and the middleware.
func WithClock(now func() int64) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithRand sets the [0,1) random source used for the inline sweep roll.
func WithRand(fn func() float64) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.rand = fn
		}
	}
}

// WithSweepProbability sets the chance an allowed request triggers a sweep. 0 disables inline sweeps.
func WithSweepProbability(p float64) Option {
	return func(l *Limiter) {
		l.sweepProbability = p
	}
}

// WithMaxBuckets caps how many buckets the registry holds. Requests for new keys are denied while full.
func WithMaxBuckets(n int) Option {
	return func(l *Limiter) {
		l.maxBuckets = n
	}
}

// WithOnFirstDenied sets a callback for the first denial per bucket.
// Separate from OnDenied so we log once but count every denial.
func WithOnFirstDenied(fn func(key string)) Option {
	return func(l *Limiter) {
		l.OnFirstDenied = fn
	}
}

// WithOnDenied sets a callback for every denied request.
func WithOnDenied(fn func(key string)) Option {
	return func(l *Limiter) {
		l.OnDenied = fn
	}
}

// WithOnCapacity sets a callback fired when the registry reaches MaxBuckets.
func WithOnCapacity(fn func()) Option {
	return func(l *Limiter) {
		l.OnCapacity = fn
	}
}

// WithOnSweep sets a callback fired after each sweep.
func WithOnSweep(fn func(evicted int)) Option {
	return func(l *Limiter) {
		l.OnSweep = fn
	}
}

// New validates cfg and returns an empty Limiter.
// There is no background goroutine, idle buckets are swept inline or by calling Sweep.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	l := &Limiter{
		cfg:              cfg,
		capacity:         float64(cfg.Capacity),
		windowMs:         float64(cfg.Window.Milliseconds()),
		ttl:              cfg.TTL(),
		sweepProbability: DefaultSweepProbability,
		// time.Since uses the monotonic clock reading
		now:  func() int64 { return time.Since(start).Milliseconds() },
		rand: rand.Float64,
	}
	for _, o := range opts {
		o(l)
	}
	if l.sweepProbability < 0 || l.sweepProbability > 1 {
		return nil, fmt.Errorf("%w: sweep probability must be 0..1 (got %v)", ErrInvalidConfig, l.sweepProbability)
	}
	if l.maxBuckets < 0 {
		return nil, fmt.Errorf("%w: max buckets must be >= 0 (got %d)", ErrInvalidConfig, l.maxBuckets)
	}
	return l, nil
}

// Config returns the limiter policy.
func (l *Limiter) Config() Config { return l.cfg }

// Now returns the current reading of the limiter clock in milliseconds.
func (l *Limiter) Now() int64 { return l.now() }

// Len returns the number of live buckets.
func (l *Limiter) Len() int { return int(l.size.Load()) }

// Take checks the request against the limiter clock. It never returns an error.
func (l *Limiter) Take(_ context.Context, clientID, routeID string) (Decision, error) {
	return l.Check(clientID, routeID, l.now()), nil
}

// Check consumes a token from the (clientID, routeID) bucket if one is available.
// now is a millisecond reading of a monotonic clock.
func (l *Limiter) Check(clientID, routeID string, now int64) Decision {
	if clientID == "" {
		clientID = UnknownClient
	}
	key := clientID + ":" + routeID

	reclaimed := false
	for {
		b, ok := l.load(key, now)
		if !ok {
			at := l.nextEviction(now)
			// a bucket is past ttl but no sweep has run since
			if at <= now && !reclaimed {
				reclaimed = true
				if l.Sweep(now, l.ttl) > 0 {
					continue
				}
			}
			return l.denyCapacity(key, now, at)
		}

		b.mu.Lock()
		if b.evicted {
			// lost a race with Sweep, the bucket is gone from the map
			b.mu.Unlock()
			continue
		}
		d := l.take(b, now)
		firstDenial := !d.Allowed && !b.logged
		if firstDenial {
			b.logged = true
		}
		// release before hooks, they may do slow work
		b.mu.Unlock()

		if !d.Allowed {
			if firstDenial && l.OnFirstDenied != nil {
				l.OnFirstDenied(key)
			}
			if l.OnDenied != nil {
				l.OnDenied(key)
			}
			return d
		}

		if l.sweepProbability > 0 && l.rand() < l.sweepProbability {
			l.Sweep(now, l.ttl)
		}
		return d
	}
}

// load returns the bucket for key, creating it full if absent.
// Returns false when the registry is at MaxBuckets and key is new.
func (l *Limiter) load(key string, now int64) (*bucket, bool) {
	if v, ok := l.buckets.Load(key); ok {
		return v.(*bucket), true
	}

	// reserve a slot before inserting so concurrent creators cannot overshoot the cap
	n := l.size.Add(1)
	if l.maxBuckets > 0 && n > int64(l.maxBuckets) {
		l.size.Add(-1)
		// another goroutine may have created this exact key meanwhile
		if v, ok := l.buckets.Load(key); ok {
			return v.(*bucket), true
		}
		return nil, false
	}

	fresh := &bucket{tokens: l.capacity, lastRefill: now}
	v, loaded := l.buckets.LoadOrStore(key, fresh)
	if loaded {
		l.size.Add(-1)
	}
	return v.(*bucket), true
}

// take refills b up to now and consumes one token if available. Caller holds b.mu.
func (l *Limiter) take(b *bucket, now int64) Decision {
	// clock readings older than lastRefill add nothing and never move it backwards
	if elapsed := now - b.lastRefill; elapsed > 0 {
		b.tokens = math.Min(l.capacity, b.tokens+float64(elapsed)*l.capacity/l.windowMs)
		b.lastRefill = now
	}
	if b.tokens < 0 {
		b.tokens = 0
	}

	reset := now
	if b.tokens < l.capacity {
		reset = now + int64(math.Ceil((l.capacity-b.tokens)*l.windowMs/l.capacity))
	}

	d := Decision{
		Limit:   l.cfg.Capacity,
		Reset:   reset,
		ResetIn: time.Duration(reset-now) * time.Millisecond,
	}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
		d.Remaining = int(math.Floor(b.tokens))
	}
	return d
}

// denyCapacity rejects a new key while the registry is full. The advised
// wait runs until at, when the longest idle bucket can be swept, and is
// never shorter than one refill interval.
func (l *Limiter) denyCapacity(key string, now, at int64) Decision {
	if l.atCapacity.CompareAndSwap(false, true) && l.OnCapacity != nil {
		l.OnCapacity()
	}
	if l.OnDenied != nil {
		l.OnDenied(key)
	}
	wait := at - now
	if interval := int64(math.Ceil(l.windowMs / l.capacity)); wait < interval {
		wait = interval
	}
	return Decision{
		Limit:   l.cfg.Capacity,
		Reset:   now + wait,
		ResetIn: time.Duration(wait) * time.Millisecond,
	}
}

// nextEviction returns the clock reading at which the longest idle bucket
// becomes evictable under the configured ttl. Buckets only get younger, so
// a cached reading still ahead of now is reused without a scan.
func (l *Limiter) nextEviction(now int64) int64 {
	if at := l.evictAt.Load(); at > now {
		return at
	}
	oldest := int64(math.MaxInt64)
	l.buckets.Range(func(_, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		if !b.evicted && b.lastRefill < oldest {
			oldest = b.lastRefill
		}
		b.mu.Unlock()
		return true
	})
	if oldest == math.MaxInt64 {
		return now
	}
	// Sweep evicts strictly after ttl
	at := oldest + l.ttl.Milliseconds() + 1
	l.evictAt.Store(at)
	return at
}

// Sweep evicts every bucket idle for longer than ttl as of now and returns how many were removed.
// Buckets touched within ttl are kept.
func (l *Limiter) Sweep(now int64, ttl time.Duration) int {
	ttlMs := ttl.Milliseconds()
	evicted := 0
	l.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		if now-b.lastRefill > ttlMs {
			b.evicted = true
			if l.buckets.CompareAndDelete(k, b) {
				l.size.Add(-1)
				evicted++
			}
		}
		b.mu.Unlock()
		return true
	})

	if evicted > 0 && (l.maxBuckets == 0 || l.size.Load() < int64(l.maxBuckets)) {
		l.atCapacity.Store(false)
	}
	if l.OnSweep != nil {
		l.OnSweep(evicted)
	}
	return evicted
}

// SweepIdle runs Sweep with the configured BucketTTL against the limiter clock.
func (l *Limiter) SweepIdle() int {
	return l.Sweep(l.now(), l.ttl)
}

// tokens reports the raw token count of a bucket, for tests.
func (l *Limiter) tokens(clientID, routeID string) (float64, bool) {
	v, ok := l.buckets.Load(clientID + ":" + routeID)
	if !ok {
		return 0, false
	}
	b := v.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens, true
}
