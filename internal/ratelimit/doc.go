// Package ratelimit provides per-client, per-route token bucket rate limiting
// for the site's API endpoints.
//
// Each (client, route) pair gets its own bucket holding up to Capacity tokens.
// Tokens refill continuously so a full bucket is restored after Window, and
// every permitted request consumes one token. Buckets are created lazily on
// first sight and evicted once idle longer than BucketTTL, either by the
// amortized inline sweep in Check or by an explicit call to Sweep.
//
// Limiter is a single-instance, in-memory implementation. RedisLimiter runs
// the same algorithm inside Redis for deployments with more than one replica.
// Both satisfy Checker, which is what the HTTP middleware consumes.
//
// This is abuse prevention for low volume form endpoints, not DoS protection.
// Distributed floods and bandwidth attacks belong to the upstream WAF/CDN.
package ratelimit
