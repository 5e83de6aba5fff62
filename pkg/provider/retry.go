package provider

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"google.golang.org/api/googleapi"

	"docqa-go/pkg/log"
)

// Backoff is a bounded retry policy for provider calls. Only errors that
// IsRetryable accepts are repeated.
type Backoff struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration

	// Sleep waits between attempts. nil uses SleepCtx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultBackoff: 3 attempts, 500ms doubling up to 10s.
func DefaultBackoff() Backoff {
	return Backoff{MaxAttempts: 3, Base: 500 * time.Millisecond, Max: 10 * time.Second}
}

// WithAttempts returns a copy with MaxAttempts set; n <= 0 keeps the current value.
func (b Backoff) WithAttempts(n int) Backoff {
	if n > 0 {
		b.MaxAttempts = n
	}
	return b
}

// Delay is the wait after the given failed attempt (1-based): the base
// doubles per attempt up to Max, and up to half of it is jitter.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base << (attempt - 1)
	if d <= 0 || (b.Max > 0 && d > b.Max) {
		d = b.Max
	}
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + rand.Int64N(half+1))
}

// Retry calls op until it succeeds, returns an error that is not retryable
// or wrapped with NoRetry, ctx ends, or MaxAttempts calls were made. It
// returns the number of calls and the last error. When ctx ends the
// context error is returned.
func (b Backoff) Retry(ctx context.Context, name string, op func(ctx context.Context) error) (int, error) {
	maxAttempts := b.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := b.Sleep
	if sleep == nil {
		sleep = SleepCtx
	}

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return attempt, nil
		}
		var stop *noRetryError
		if errors.As(err, &stop) {
			return attempt, stop.err
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if !IsRetryable(err) || attempt >= maxAttempts {
			return attempt, err
		}

		wait := b.Delay(attempt)
		log.Warnw("[Provider] 调用失败，准备重试", "provider", name, "attempt", attempt, "wait", wait, "error", err)
		if serr := sleep(ctx, wait); serr != nil {
			return attempt, serr
		}
	}
}

type noRetryError struct{ err error }

func (e *noRetryError) Error() string { return e.err.Error() }
func (e *noRetryError) Unwrap() error { return e.err }

// NoRetry marks err as final for Retry regardless of its kind. Retry
// returns the unwrapped error.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &noRetryError{err: err}
}

// SleepCtx waits for d or until ctx ends.
func SleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ClassifyGoogle maps a Google API error to a provider error using its HTTP code.
func ClassifyGoogle(name string, err error) *Error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return Classify(name, gerr.Code, err)
	}
	return Classify(name, 0, err)
}
