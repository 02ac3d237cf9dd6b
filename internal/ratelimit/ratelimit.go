// Package ratelimit throttles the polling endpoints (progress, events and
// record reads) that dashboards hit on a timer.
//
// The limiter is in-memory and per process. Limiter is the seam for a shared
// implementation when several engine instances sit behind one balancer.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a request identified by key may proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether the request should proceed. An error means the
	// limiter malfunctioned; callers fail open.
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// Delayer is implemented by limiters that know when a rejected key may retry.
// The middleware uses it for the Retry-After header.
type Delayer interface {
	Delay(key string) time.Duration
}

// NoopLimiter permits every request.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
