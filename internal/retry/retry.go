// Package retry runs an operation until it succeeds, fails permanently,
// exhausts its policy or the context is canceled.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
)

var ErrExhausted = errors.New("retry policy exhausted")

// Policy bounds a retry loop. Zero MaxAttempts and MaxElapsed mean the loop
// only ends on success, a permanent error or context cancellation.
type Policy struct {
	MaxAttempts int
	MaxElapsed  time.Duration
	// Interval is the first delay. Zero retries immediately.
	Interval time.Duration
	// MaxInterval caps exponential growth. Defaults to Interval.
	MaxInterval time.Duration
	// Factor above 1 grows the delay exponentially.
	Factor float64
	Jitter bool

	Sleeper Sleeper
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Forever retries without bound at a constant interval.
func Forever(interval time.Duration) Policy {
	return Policy{Interval: interval}
}

// WithInterval returns a copy of p with a constant delay of interval.
func (p Policy) WithInterval(interval time.Duration) Policy {
	p.Interval = interval
	p.MaxInterval = interval
	p.Factor = 0
	return p
}

// Op is one attempt. attempt starts at 1.
type Op func(ctx context.Context, attempt int) error

func (p Policy) Do(ctx context.Context, op Op) error {
	sleeper := p.Sleeper
	if sleeper == nil {
		sleeper = ContextSleeper{}
	}
	delays := p.backoff()
	started := time.Now()
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(ctxErr, err)
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
		}
		delay := p.nextDelay(delays)
		if p.MaxElapsed > 0 && time.Since(started)+delay > p.MaxElapsed {
			return fmt.Errorf("%w after %s: %w", ErrExhausted, time.Since(started).Round(time.Millisecond), err)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if delay > 0 {
			if err := sleeper.Sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
}

func (p Policy) backoff() *backoff.Backoff {
	if p.Interval <= 0 {
		return nil
	}
	maxInterval := p.MaxInterval
	factor := p.Factor
	if factor <= 1 || maxInterval < p.Interval {
		maxInterval = p.Interval
		factor = 1
	}
	return &backoff.Backoff{
		Min:    p.Interval,
		Max:    maxInterval,
		Factor: factor,
		Jitter: p.Jitter,
	}
}

func (p Policy) nextDelay(b *backoff.Backoff) time.Duration {
	if b == nil {
		return 0
	}
	if b.Min >= b.Max {
		return b.Min
	}
	return b.Duration()
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm)
}

// Sleeper waits between attempts.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// ContextSleeper blocks for d or until ctx is done.
type ContextSleeper struct{}

func (ContextSleeper) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
