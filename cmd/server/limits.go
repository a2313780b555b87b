package main

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	"github.com/keystone-comms/keystone-web/internal/cfg"
	"github.com/keystone-comms/keystone-web/internal/log"
	"github.com/keystone-comms/keystone-web/internal/metrics"
	"github.com/keystone-comms/keystone-web/internal/ratelimit"
	"github.com/keystone-comms/keystone-web/internal/ratepolicy"
)

// rateLimits bundles the policy registry with the background work that
// keeps it current: the SSM watcher and the idle bucket sweeper.
type rateLimits struct {
	L        log.Logger
	registry *ratepolicy.Registry
	watcher  *ratepolicy.Watcher
	metrics  *metrics.ServerMetrics
	sweep    time.Duration
	redis    *redis.Client
}

func backendName(conf cfg.App) string {
	if conf.RateLimitRedisAddr != "" {
		return "redis"
	}
	return "local"
}

func setupRateLimits(ctx context.Context, L log.Logger, conf cfg.App, awsCfg *aws.Config, m *metrics.ServerMetrics) (*rateLimits, error) {
	rl := &rateLimits{L: L, metrics: m, sweep: conf.RateLimitSweepInterval}

	var build ratepolicy.BuildFunc
	if conf.RateLimitRedisAddr != "" {
		redis.SetLogger(redisLogger{L: L.With("component", "redis")})
		rl.redis = redis.NewClient(&redis.Options{Addr: conf.RateLimitRedisAddr})
		rdb := rl.redis
		build = func(route string, c ratelimit.Config) (ratelimit.Checker, error) {
			remote, err := ratelimit.NewRedisLimiter(rdb, c,
				ratelimit.WithRedisPrefix(conf.RateLimitRedisPrefix),
				ratelimit.WithRedisTimeout(conf.RateLimitRedisTimeout))
			if err != nil {
				return nil, err
			}
			m.SetRateLimitBreaker(route, "closed")
			return ratelimit.WithBreaker("ratelimit "+route, remote, ratelimit.BreakerOptions{
				OnStateChange: func(name, from, to string) {
					m.SetRateLimitBreaker(route, to)
					L.Warn(context.Background(), "rate limit breaker state changed", "breaker", name, "from", from, "to", to)
				},
			}), nil
		}
		// buckets expire inside redis
		rl.sweep = 0
	} else {
		build = localBuilder(ctx, L, conf, m)
	}

	// flags override the compiled-in contact policy; other defaults stand
	base := ratepolicy.Defaults().Merge(ratepolicy.FromConfig(
		ratepolicy.ContactRoute, conf.ContactRateCapacity, conf.ContactRateWindow, conf.ContactRateBucketTTL))
	doc, raw := base, ""
	var src *ratepolicy.SSMSource
	if conf.RateLimitSSMParam != "" {
		var err error
		src, err = ratepolicy.NewSSMSource(ssm.NewFromConfig(*awsCfg), conf.RateLimitSSMParam)
		if err != nil {
			rl.close()
			return nil, err
		}
		// a broken override must not keep the site down; the watcher retries
		if d, r, err := src.Load(ctx, base); err != nil {
			L.Warn(ctx, "rate policy override not loaded, using flag defaults", "param", src.Name(), "error", err.Error())
			m.IncPolicyError("initial_load")
		} else {
			doc, raw = d, r
		}
	}

	reg, err := ratepolicy.NewRegistry(doc, conf.RateLimitClientIDHeader, build)
	if err != nil && raw != "" {
		L.Warn(ctx, "rate policy override rejected, using flag defaults", "error", err.Error())
		m.IncPolicyError("invalid")
		raw = ""
		reg, err = ratepolicy.NewRegistry(base, conf.RateLimitClientIDHeader, build)
	}
	if err != nil {
		rl.close()
		return nil, err
	}
	rl.registry = reg

	if src != nil {
		rl.watcher = ratepolicy.NewWatcher(ratepolicy.WatcherOptions{
			Logger:       L,
			Source:       src,
			Registry:     reg,
			Base:         base,
			Current:      raw,
			PollInterval: conf.RateLimitPollInterval,
			Metrics:      m,
			OnApply: func(d ratepolicy.Document) {
				L.Info(context.Background(), "rate policy applied", "routes", d.RouteNames())
			},
		})
	}
	for route, p := range reg.Document().Routes {
		L.Info(ctx, "rate limit active", "route", route, "capacity", p.Capacity, "window_seconds", p.WindowSeconds)
	}
	return rl, nil
}

// localBuilder builds in-process limiters whose hooks report under the
// route they guard.
func localBuilder(ctx context.Context, L log.Logger, conf cfg.App, m *metrics.ServerMetrics) ratepolicy.BuildFunc {
	return func(route string, c ratelimit.Config) (ratelimit.Checker, error) {
		return ratepolicy.LocalBuilder(
			ratelimit.WithMaxBuckets(conf.RateLimitMaxBuckets),
			ratelimit.WithSweepProbability(conf.RateLimitSweepProbability),
			ratelimit.WithOnSweep(m.AddRateLimitSwept),
			// once per bucket until it is swept, so this cannot flood the log
			ratelimit.WithOnFirstDenied(func(key string) {
				m.IncRateLimitExhausted(route)
				L.Warn(ctx, "rate limit exhausted", "route", route, "key", key)
			}),
			ratelimit.WithOnCapacity(func() {
				m.IncRateLimitCapacity()
				L.Warn(ctx, "rate limit bucket table full, new clients denied until a sweep", "route", route)
			}),
		)(route, c)
	}
}

func (rl *rateLimits) start(ctx context.Context) {
	if rl.redis != nil {
		go rl.checkRedis(ctx)
	}
	if rl.watcher != nil {
		go func() { _ = rl.watcher.Run(ctx) }()
	}
	if rl.sweep > 0 {
		go rl.sweepLoop(ctx)
	}
}

// checkRedis reports once whether the shared bucket store answers. It does
// not gate readiness: the limiter fails open while redis is away.
func (rl *rateLimits) checkRedis(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	addr := rl.redis.Options().Addr
	if err := rl.redis.Ping(ctx).Err(); err != nil {
		rl.L.Warn(ctx, "redis unreachable, contact requests pass unmetered until it returns", "addr", addr, "error", err.Error())
		return
	}
	rl.L.Info(ctx, "redis reachable", "addr", addr)
}

func (rl *rateLimits) sweepLoop(ctx context.Context) {
	t := time.NewTicker(rl.sweep)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		counts := make(map[string]int)
		for route, l := range rl.registry.Limiters() {
			l.SweepIdle()
			counts[route] = l.Len()
		}
		rl.metrics.SetRateLimitBuckets(counts)
	}
}

func (rl *rateLimits) close() {
	if rl.redis != nil {
		if err := rl.redis.Close(); err != nil {
			rl.L.Warn(context.Background(), "redis close", "error", err.Error())
		}
	}
}

// redisLogger routes go-redis client messages through the structured logger
// instead of stderr.
type redisLogger struct {
	L log.Logger
}

func (r redisLogger) Printf(ctx context.Context, format string, v ...interface{}) {
	r.L.Warn(ctx, fmt.Sprintf(format, v...))
}
