// Package retry provides generic retry with fixed or exponential backoff.
// Each attempt runs under its own context so a timed-out attempt is aborted
// before the next one starts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy selects the delay schedule between attempts.
type Policy string

// Backoff policies.
const (
	PolicyFixed       Policy = "fixed"
	PolicyExponential Policy = "exponential"
)

// Options configures a retry loop.
type Options struct {
	// MaxAttempts is the total number of attempts (not retries). Default 3.
	MaxAttempts int
	// Policy selects the schedule. Default PolicyExponential.
	Policy Policy
	// Initial is the first delay. Default 500ms.
	Initial time.Duration
	// Max caps the exponential delay. Default 30s.
	Max time.Duration
	// AttemptTimeout bounds each attempt. Zero means no per-attempt bound.
	AttemptTimeout time.Duration
	// Retryable classifies errors; non-retryable errors stop the loop
	// immediately. Nil means every error is retryable.
	Retryable func(error) bool
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.Policy == "" {
		out.Policy = PolicyExponential
	}
	if out.Initial <= 0 {
		out.Initial = 500 * time.Millisecond
	}
	if out.Max <= 0 {
		out.Max = 30 * time.Second
	}
	return out
}

func (o Options) schedule() backoff.BackOff {
	if o.Policy == PolicyFixed {
		return backoff.NewConstantBackOff(o.Initial)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.Initial
	b.MaxInterval = o.Max
	b.MaxElapsedTime = 0 // attempts are bounded by MaxAttempts, not wall time
	return b
}

// Do runs op until it succeeds, the attempts are exhausted, a non-retryable
// error occurs, or ctx is cancelled. The last error is returned wrapped with
// the attempt count.
func Do[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts Options) (T, error) {
	var zero T
	o := opts.withDefaults()
	schedule := o.schedule()

	var lastErr error
	for attempt := 1; attempt <= o.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := runAttempt(ctx, op, o.AttemptTimeout)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) {
			return zero, err
		}
		if o.Retryable != nil && !o.Retryable(err) {
			return zero, err
		}
		if attempt == o.MaxAttempts {
			break
		}

		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, fmt.Errorf("all %d attempts failed: %w", o.MaxAttempts, lastErr)
}

// runAttempt gives the operation a fresh, independently cancellable context.
func runAttempt[T any](ctx context.Context, op func(ctx context.Context) (T, error), timeout time.Duration) (T, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return op(attemptCtx)
}
