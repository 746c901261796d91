// Package retry provides the bounded exponential-backoff helper shared by
// container-start readiness polling, container-resume, and remote runtime
// probes. Exhaustion is fatal: callers get the last error back instead of
// polling forever.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Options bound a retry loop. The zero value is not useful; use Defaults.
type Options struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	MaxTries        uint
}

// Defaults returns the bounds used for container readiness polling.
func Defaults() Options {
	return Options{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  2 * time.Minute,
		MaxTries:        60,
	}
}

// Permanent marks err as non-retryable; Do returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op with exponential backoff until it succeeds, returns a permanent
// error, the bounds are exhausted, or ctx is cancelled.
func Do[T any](ctx context.Context, op func() (T, error), opts Options) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialInterval
	b.MaxInterval = opts.MaxInterval

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(opts.MaxTries),
		backoff.WithMaxElapsedTime(opts.MaxElapsedTime),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Debug("retrying after failure", "error", err, "next_attempt_in", next)
		}),
	)
}
