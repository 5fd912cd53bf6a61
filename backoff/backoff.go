// Package backoff implements bounded retry with fixed delay schedules.
package backoff

import (
	"context"
	"time"
)

// Strategy is a delay schedule. An operation runs once, then once more
// after each delay, so len(Delays)+1 attempts in total.
type Strategy struct {
	Delays []time.Duration
}

// Linear builds a schedule of attempts total attempts where the wait
// before attempt n+1 is n*step.
func Linear(attempts int, step time.Duration) Strategy {
	if attempts < 1 {
		attempts = 1
	}
	delays := make([]time.Duration, attempts-1)
	for i := range delays {
		delays[i] = time.Duration(i+1) * step
	}
	return Strategy{Delays: delays}
}

// Attempts reports the total number of attempts the strategy allows.
func (s Strategy) Attempts() int {
	return len(s.Delays) + 1
}

// Retry runs fn until it succeeds or the schedule is exhausted. The last
// error is returned. Context cancellation aborts between attempts.
func Retry(ctx context.Context, s Strategy, fn func() error) error {
	return RetryNotify(ctx, s, fn, nil)
}

// RetryNotify is Retry with a callback invoked before each re-attempt,
// carrying the upcoming attempt number (2-based) and the error that
// caused it.
func RetryNotify(ctx context.Context, s Strategy, fn func() error, notify func(attempt int, err error)) error {
	err := fn()
	if err == nil {
		return nil
	}
	for i, delay := range s.Delays {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if notify != nil {
			notify(i+2, err)
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}
