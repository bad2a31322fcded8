// Package retry provides the single bounded-wait abstraction used for every
// "wait for order fill", "wait for favorable price" and "wait for RSI
// crossover" loop in the bot. Call sites differ only in their Policy and in
// what they do when the budget is exhausted.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when the iteration or timeout budget is exhausted
// before the operation reports completion.
var ErrTimeout = errors.New("retry: budget exhausted before condition was met")

// Policy bounds a wait loop. Whichever of MaxIterations and Timeout trips
// first ends the loop.
type Policy struct {
	MaxIterations int
	Delay         time.Duration
	Timeout       time.Duration
}

// Operation is one attempt of a retryable check. It returns the result,
// whether the condition has been met, and an error. A non-nil error aborts
// the loop immediately; done=false with a nil error means "not yet".
type Operation[T any] func(ctx context.Context) (T, bool, error)

// RunBounded invokes op until it reports done, the policy budget runs out,
// or the context is cancelled. It sleeps p.Delay between attempts.
func RunBounded[T any](ctx context.Context, p Policy, op Operation[T]) (T, error) {
	var zero T
	if p.MaxIterations <= 0 {
		return zero, fmt.Errorf("retry: MaxIterations must be positive, got %d", p.MaxIterations)
	}

	deadline := time.Now().Add(p.Timeout)

	for i := 0; i < p.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if p.Timeout > 0 && time.Now().After(deadline) {
			return zero, ErrTimeout
		}

		result, done, err := op(ctx)
		if err != nil {
			return zero, err
		}
		if done {
			return result, nil
		}

		// Skip the final sleep; the budget is already spent.
		if i == p.MaxIterations-1 {
			break
		}

		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	return zero, ErrTimeout
}
