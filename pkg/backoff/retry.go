package backoff

import (
	"context"
	"errors"
	"time"
)

var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// Retry runs fn until it succeeds, maxAttempts is reached or ctx is done.
// The first attempt always runs; ctx only cuts the waits between attempts.
// fn receives the 1-indexed attempt number. On exhaustion the returned error
// wraps both ErrMaxAttemptsExhausted and fn's last error.
func Retry(ctx context.Context, p Policy, maxAttempts int, fn func(attempt int) error) error {
	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if last = fn(attempt); last == nil {
			return nil
		}
		if attempt < maxAttempts {
			if err := Sleep(ctx, Compute(p, attempt)); err != nil {
				return err
			}
		}
	}
	return errors.Join(ErrMaxAttemptsExhausted, last)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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
