// Package deadline races an operation against a wall-clock budget. The
// operation receives a context that is cancelled the moment the budget is
// spent, so in-flight work is aborted before the caller observes the result.
package deadline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ExceededError reports that the deadline won the race.
type ExceededError struct {
	Budget time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("deadline exceeded after %dms", e.Budget.Milliseconds())
}

// IsExceeded reports whether err is a deadline-race loss (as opposed to an
// operation error that happened to arrive near the deadline).
func IsExceeded(err error) bool {
	var de *ExceededError
	return errors.As(err, &de)
}

type outcome[T any] struct {
	result T
	err    error
}

// Run executes op with the given budget. If op returns first, its result and
// error are passed through untouched — operation errors are never disguised
// as deadline losses. If the budget fires first, Run returns an
// *ExceededError and op's context is already cancelled.
func Run[T any](ctx context.Context, budget time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		result, err := op(runCtx)
		done <- outcome[T]{result: result, err: err}
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		cancel()
		return zero, ctx.Err()
	case <-timer.C:
		cancel()
		return zero, &ExceededError{Budget: budget}
	}
}
