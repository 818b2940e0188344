package engine

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Condition is a side-effecting check against external state.
//
// It returns done=true once the awaited condition holds. state describes what was
// observed and is reported if the poll times out. A transient error counts as
// "not yet"; any other error aborts the poll.
type Condition func(ctx context.Context) (done bool, state string, err error)

// PollUntil evaluates cond every interval until it reports done or timeout elapses.
//
// The first evaluation happens immediately. A condition that becomes true on its
// Nth evaluation returns after exactly N evaluations. When the deadline passes
// first, PollUntil returns a *PollTimeoutError carrying the last observed state;
// it never returns that error before the full timeout has elapsed. Context
// cancellation is returned as the context's error.
func PollUntil(ctx context.Context, cond Condition, interval, timeout time.Duration) error {
	if interval <= 0 {
		return NewPermanentError("poll interval must be positive", nil).WithDetail("interval", interval.String())
	}

	deadline := time.Now().Add(timeout)
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	var (
		lastState string
		attempts  int
	)
	timedOut := func() error {
		return &PollTimeoutError{LastState: lastState, Timeout: timeout, Attempts: attempts}
	}

	for {
		reservation := limiter.Reserve()
		delay := reservation.Delay()

		if attempts > 0 && time.Now().Add(delay).After(deadline) {
			// The next evaluation would land past the deadline.
			reservation.Cancel()
			if err := sleepContext(ctx, time.Until(deadline)); err != nil {
				return err
			}
			return timedOut()
		}
		if err := sleepContext(ctx, delay); err != nil {
			reservation.Cancel()
			return err
		}

		attempts++
		done, state, err := cond(ctx)
		switch {
		case err != nil && !IsTransient(err):
			return err
		case err != nil:
			lastState = err.Error()
		case done:
			return nil
		default:
			lastState = state
		}

		if !time.Now().Before(deadline) {
			return timedOut()
		}
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
