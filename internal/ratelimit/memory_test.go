package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	m := NewMemoryLimiter(rate, burst)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m.now = clock.now
	t.Cleanup(func() { _ = m.Close() })
	return m, clock
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 3)
	ctx := context.Background()
	for i := range 3 {
		ok, err := m.Allow(ctx, "poll:10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i)
	}
	ok, err := m.Allow(ctx, "poll:10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _ = m.Allow(ctx, "poll:10.0.0.2")
	assert.True(t, ok, "keys are independent")
}

func TestMemoryLimiterRefillCapsAtBurst(t *testing.T) {
	m, clock := newTestLimiter(t, 2, 2)
	ctx := context.Background()
	for range 2 {
		_, _ = m.Allow(ctx, "k")
	}
	ok, _ := m.Allow(ctx, "k")
	require.False(t, ok)

	clock.advance(500 * time.Millisecond)
	ok, _ = m.Allow(ctx, "k")
	assert.True(t, ok, "one token refilled")

	clock.advance(time.Hour)
	allowed := 0
	for range 5 {
		if ok, _ := m.Allow(ctx, "k"); ok {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestMemoryLimiterDelay(t *testing.T) {
	m, clock := newTestLimiter(t, 4, 1)
	ctx := context.Background()
	assert.Zero(t, m.Delay("k"), "unknown key")

	ok, _ := m.Allow(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, m.Delay("k"))

	clock.advance(100 * time.Millisecond)
	assert.InDelta(t, float64(150*time.Millisecond), float64(m.Delay("k")), float64(time.Microsecond))

	clock.advance(time.Second)
	assert.Zero(t, m.Delay("k"))
}

func TestMemoryLimiterEvictsStaleKeys(t *testing.T) {
	m, clock := newTestLimiter(t, 1, 1)
	ctx := context.Background()
	_, _ = m.Allow(ctx, "old")
	clock.advance(staleAfter + time.Second)
	_, _ = m.Allow(ctx, "fresh")

	m.evictStale()
	assert.Equal(t, 1, m.Keys())
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}

func TestMiddleware(t *testing.T) {
	m, _ := newTestLimiter(t, 0.001, 1)
	var served atomic.Int32
	h := Middleware(m, "poll", 0, IPKeyFunc, func(*http.Request) string { return "req-1" }, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			served.Add(1)
			w.WriteHeader(http.StatusOK)
		}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/investigations/x/progress", nil)
		req.RemoteAddr = "192.0.2.7:51000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	assert.Equal(t, http.StatusOK, do().Code)
	rec := do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1000", rec.Header().Get("Retry-After"), "time until the bucket refills")
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
	assert.Equal(t, int32(1), served.Load())
}

func TestMiddlewareNilLimiterPassesThrough(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := Middleware(nil, "poll", time.Second, IPKeyFunc, nil, nil)(next)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	ok, err := NoopLimiter{}.Allow(context.Background(), "k")
	assert.True(t, ok)
	assert.NoError(t, err)
}
