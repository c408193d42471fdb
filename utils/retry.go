package utils

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"slotwatch/config"
)

// Retrier holds what RetryForever needs between attempts.
type Retrier struct {
	Interval time.Duration
	Clock    clock.Clock
	Reporter Reporter
	Logger   *slog.Logger
}

// NewRetrier returns a Retrier with the default interval on the real clock.
func NewRetrier(reporter Reporter, logger *slog.Logger) *Retrier {
	return &Retrier{
		Interval: config.RETRY_INTERVAL,
		Clock:    clock.New(),
		Reporter: reporter,
		Logger:   logger,
	}
}

// RetryForever calls op until it succeeds and returns its value. Every
// failure is reported as "Request <name> failed, retrying" and followed by
// a fixed delay. It only gives up when ctx is done, returning ctx.Err().
// Use it for idempotent reads only.
func RetryForever[T any](ctx context.Context, r *Retrier, name string, op func(ctx context.Context) (T, error)) (T, error) {
	for attempt := 1; ; attempt++ {
		if r.Logger != nil {
			r.Logger.Debug("Request fetching", "name", name, "attempt", attempt)
		}
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			var zero T
			return zero, ctx.Err()
		}
		r.Reporter.Report(err, fmt.Sprintf("Request %s failed, retrying", name))

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-r.Clock.After(r.Interval):
		}
	}
}
