// Package ratelimit throttles the LLM-backed chat endpoints.
//
// A single /chat/ask request can fan out into embedding calls, a router
// tool loop, and a full five-agent pipeline, so one chatty client can
// burn real provider quota. The in-memory token bucket (MemoryLimiter)
// bounds that per client IP. The Limiter interface is the contract; a
// shared-store implementation can be substituted when running more than
// one instance.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is
	// opaque to the limiter; callers construct it (here, the client
	// IP). An error signals a limiter malfunction; callers treat
	// errors as fail-open rather than blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
