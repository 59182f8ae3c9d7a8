// Package retry implements the bounded polling primitive used everywhere
// the loop waits on an external condition: health checks, port release,
// pid liveness. Every wait in the engine is bounded; there is no retry
// without a max attempt count.
package retry

import (
	"context"
	"time"
)

// Outcome is the terminal state of a bounded retry.
type Outcome int

const (
	// Success means the check returned true within the attempt budget.
	Success Outcome = iota
	// Exhausted means every attempt was consumed without success.
	Exhausted
	// Canceled means the context ended before the budget did.
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Exhausted:
		return "exhausted"
	case Canceled:
		return "canceled"
	}
	return "unknown"
}

// Result reports how a bounded retry ended.
type Result struct {
	Outcome  Outcome
	Attempts int
	// LastErr is the error from the final check attempt, if any.
	LastErr error
}

// Check probes a condition once. Returning true stops the retry loop.
// An error does not stop the loop; it is recorded and the next attempt
// proceeds after the interval.
type Check func(ctx context.Context) (bool, error)

// Do runs check up to maxAttempts times, sleeping interval between
// attempts. The first attempt runs immediately.
func Do(ctx context.Context, check Check, maxAttempts int, interval time.Duration) Result {
	result := Result{Outcome: Exhausted}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		ok, err := check(ctx)
		result.LastErr = err
		if ok {
			result.Outcome = Success
			return result
		}
		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			result.Outcome = Canceled
			result.LastErr = ctx.Err()
			return result
		case <-time.After(interval):
		}
	}
	return result
}
