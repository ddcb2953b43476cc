// Package wait provides a bounded retry-until loop shared by health probing,
// device boot detection and bridge restarts.
package wait

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var (
	// ErrTimeout matches an ExhaustedError caused by the deadline.
	ErrTimeout = errors.New("condition not met before deadline")
	// ErrMaxAttempts matches an ExhaustedError caused by the attempt limit.
	ErrMaxAttempts = errors.New("condition not met within attempt limit")
)

// Policy bounds a retry loop.
type Policy struct {
	// Timeout is the overall deadline. Zero means no deadline beyond ctx.
	Timeout time.Duration
	// Interval is the fixed sleep between attempts.
	Interval time.Duration
	// MaxAttempts caps calls to the condition. Zero means unlimited.
	MaxAttempts uint
	// OnRetry is called after each failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

// ExhaustedError is returned when the condition never succeeded.
type ExhaustedError struct {
	Attempts int
	Elapsed  time.Duration
	TimedOut bool
	Last     error
}

func (e *ExhaustedError) Error() string {
	reason := "attempt limit reached"
	if e.TimedOut {
		reason = "timed out"
	}
	if e.Last != nil {
		return fmt.Sprintf("%s after %d attempts (%s): %v", reason, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Last)
	}
	return fmt.Sprintf("%s after %d attempts (%s)", reason, e.Attempts, e.Elapsed.Round(time.Millisecond))
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.TimedOut
	case ErrMaxAttempts:
		return !e.TimedOut
	}
	return false
}

// Stop marks err as final: Until returns it immediately without retrying.
func Stop(err error) error {
	return backoff.Permanent(err)
}

// Until calls cond until it returns nil, returns an error wrapped with Stop,
// or the policy is exhausted. cond receives a context bounded by p.Timeout.
//
// If the parent ctx is cancelled, its error is returned as is.
func Until(ctx context.Context, p Policy, cond func(ctx context.Context) error) error {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}

	runCtx := ctx
	cancel := func() {}
	if p.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, p.Timeout)
	}
	defer cancel()

	start := time.Now()
	var (
		attempts int
		last     error
		stopped  error
	)

	op := func() (struct{}, error) {
		attempts++
		err := cond(runCtx)
		if err != nil {
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				stopped = perm.Unwrap()
			} else {
				last = err
			}
		}
		return struct{}{}, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		// The deadline lives on runCtx; the elapsed cap only needs to be out of the way.
		backoff.WithMaxElapsedTime(maxElapsed(p.Timeout, interval)),
		backoff.WithNotify(func(err error, _ time.Duration) {
			if p.OnRetry != nil {
				p.OnRetry(attempts, err)
			}
		}),
	}
	if p.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(p.MaxAttempts))
	}

	_, err := backoff.Retry(runCtx, op, opts...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if stopped != nil {
		return stopped
	}

	exhausted := &ExhaustedError{Attempts: attempts, Elapsed: time.Since(start), Last: last}
	if p.MaxAttempts == 0 || uint(attempts) < p.MaxAttempts || runCtx.Err() != nil {
		exhausted.TimedOut = true
	}
	return exhausted
}

func maxElapsed(timeout, interval time.Duration) time.Duration {
	if timeout <= 0 {
		// Effectively unbounded; ctx or MaxAttempts end the loop.
		return 365 * 24 * time.Hour
	}
	return timeout + 2*interval
}
