package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Backoff is a bounded retry schedule. Delays start at Base, double after
// every attempt and carry up to one extra Base-sized step of jitter.
type Backoff struct {
	Attempts int // retries after the first call
	Base     time.Duration
}

// txBackoff covers serialization failures inside the CAS transaction.
var txBackoff = Backoff{Attempts: 2, Base: 10 * time.Millisecond}

// Retry calls fn until it succeeds, returns an error that retriable rejects,
// the schedule is spent, or ctx is done. The last error from fn is returned.
func (b Backoff) Retry(ctx context.Context, retriable func(error) bool, fn func() error) error {
	delay := b.Base
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !retriable(err) || attempt >= b.Attempts {
			return err
		}
		t := time.NewTimer(delay + jitter(delay))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return rand.N(d) //nolint:gosec // jitter
}

// isTransient matches Postgres serialization failures and deadlocks.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// IsVersionConflict reports whether err is an optimistic-concurrency miss.
// Progress writers retry on it; request handlers surface it as 409.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
