// Package health has the liveness and readiness probes served on both
// listeners at /-/healthy and /-/ready.
//
// Readiness is the conjunction of the shutdown gate, a loaded rate limit
// policy and, when the limiter is shared, a Redis ping. Liveness never
// depends on anything outside the process.
package health
