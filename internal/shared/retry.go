package shared

import (
	"context"
	"log/slog"
	"time"
)

// RetryOnConflict runs fn up to maxRetries times, backing off exponentially
// from baseDelay while fn fails with a SQLite concurrency error. Other errors
// are returned immediately.
func RetryOnConflict(ctx context.Context, op string, maxRetries int, baseDelay time.Duration, fn func() error) error {
	if maxRetries < 1 {
		maxRetries = 1
	}

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsSQLiteConflictError(err) || i == maxRetries-1 {
			return err
		}

		delay := baseDelay * time.Duration(1<<i) // exponential backoff: 50ms, 100ms, 200ms
		slog.Debug("Database locked, retrying", "op", op, "attempt", i+1, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
