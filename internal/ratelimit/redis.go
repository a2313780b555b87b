package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keystone-comms/keystone-web/internal/otelx"
	"github.com/keystone-comms/keystone-web/internal/xerrors"
)

//go:embed token_bucket.lua
var tokenBucketScript string

var tokenBucket = redis.NewScript(tokenBucketScript)

// DefaultRedisPrefix namespaces bucket keys in a shared Redis.
const DefaultRedisPrefix = "ksweb:ratelimit:"

// RedisLimiter runs the token bucket inside Redis so every replica shares one budget per key.
// Idle buckets expire through PEXPIRE, there is no sweep.
type RedisLimiter struct {
	client  redis.Scripter
	cfg     Config
	prefix  string
	timeout time.Duration
}

type RedisOption func(*RedisLimiter)

// WithRedisPrefix overrides the key prefix.
func WithRedisPrefix(p string) RedisOption {
	return func(r *RedisLimiter) {
		r.prefix = p
	}
}

// WithRedisTimeout bounds each script call. 0 leaves only the request deadline.
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(r *RedisLimiter) {
		r.timeout = d
	}
}

// DefaultRedisTimeout bounds each script call unless WithRedisTimeout says otherwise.
const DefaultRedisTimeout = 250 * time.Millisecond

// NewRedisLimiter validates cfg. It makes no network call: the script is
// sent on first use, so an unreachable server only fails individual Takes.
func NewRedisLimiter(client redis.Scripter, cfg Config, opts ...RedisOption) (*RedisLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &RedisLimiter{
		client:  client,
		cfg:     cfg,
		prefix:  DefaultRedisPrefix,
		timeout: DefaultRedisTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	if r.timeout < 0 {
		return nil, fmt.Errorf("%w: redis timeout must be >= 0 (got %s)", ErrInvalidConfig, r.timeout)
	}
	return r, nil
}

// Take runs one refill and consume cycle for the (clientID, routeID) bucket.
func (r *RedisLimiter) Take(ctx context.Context, clientID, routeID string) (d Decision, err error) {
	if clientID == "" {
		clientID = UnknownClient
	}
	ctx, span := otelx.Start(ctx, "ratelimit.redis.take", attribute.String("ratelimit.route", routeID))
	defer func() {
		span.SetAttributes(attribute.Bool("ratelimit.allowed", d.Allowed))
		otelx.End(span, err)
	}()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	key := r.prefix + clientID + ":" + routeID
	// EvalSha with a transparent fallback to Eval on NOSCRIPT
	vals, err := tokenBucket.Run(ctx, r.client, []string{key},
		r.cfg.Capacity,
		r.cfg.Window.Milliseconds(),
		r.cfg.TTL().Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, xerrors.Wrapf(err, "ratelimit script for route %s", routeID)
	}
	return decodeScriptResult(vals, r.cfg.Capacity)
}

func decodeScriptResult(vals []int64, capacity int) (Decision, error) {
	if len(vals) != 3 {
		return Decision{}, xerrors.Newf("ratelimit: unexpected script reply length %d", len(vals))
	}
	allowed, remaining, resetIn := vals[0], vals[1], vals[2]
	if remaining < 0 || remaining > int64(capacity) {
		return Decision{}, fmt.Errorf("ratelimit: script reply remaining %d outside 0..%d", remaining, capacity)
	}
	if resetIn < 0 {
		resetIn = 0
	}
	return Decision{
		Allowed:   allowed == 1,
		Limit:     capacity,
		Remaining: int(remaining),
		Reset:     time.Now().UnixMilli() + resetIn,
		ResetIn:   time.Duration(resetIn) * time.Millisecond,
	}, nil
}
