package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

type countingSleeper struct {
	delays []time.Duration
}

func (s *countingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	sleeper := &countingSleeper{}
	p := Forever(500 * time.Millisecond)
	p.Sleeper = sleeper

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if len(sleeper.delays) != 2 {
		t.Fatalf("sleeps = %d, want 2", len(sleeper.delays))
	}
	for _, d := range sleeper.delays {
		if d != 500*time.Millisecond {
			t.Fatalf("delay = %s, want 500ms", d)
		}
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	sentinel := errors.New("rejected")
	calls := 0
	err := Forever(time.Millisecond).Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Do() error = %v, want %v", err, sentinel)
	}
	if IsPermanent(err) {
		t.Fatalf("Do() should unwrap the permanent marker")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoExhaustsMaxAttempts(t *testing.T) {
	sleeper := &countingSleeper{}
	p := Policy{MaxAttempts: 4, Interval: 10 * time.Millisecond, MaxInterval: time.Second, Factor: 2, Sleeper: sleeper}
	last := errors.New("still failing")
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return last
	})
	if !errors.Is(err, ErrExhausted) || !errors.Is(err, last) {
		t.Fatalf("Do() error = %v, want ErrExhausted wrapping last error", err)
	}
	if len(sleeper.delays) != 3 {
		t.Fatalf("sleeps = %d, want 3", len(sleeper.delays))
	}
	if sleeper.delays[1] <= sleeper.delays[0] {
		t.Fatalf("delays should grow, got %v", sleeper.delays)
	}
}

func TestDoZeroIntervalNeverSleeps(t *testing.T) {
	sleeper := &countingSleeper{}
	p := Policy{MaxAttempts: 5, Sleeper: sleeper}
	_ = p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return errors.New("busy")
	})
	if len(sleeper.delays) != 0 {
		t.Fatalf("sleeps = %d, want 0", len(sleeper.delays))
	}
}

func TestDoHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Forever(time.Hour).Do(ctx, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoReportsRetries(t *testing.T) {
	var seen []int
	p := Policy{MaxAttempts: 3, OnRetry: func(attempt int, err error, delay time.Duration) {
		seen = append(seen, attempt)
	}}
	_ = p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return errors.New("x")
	})
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("OnRetry attempts = %v, want [1 2]", seen)
	}
}

func TestWithIntervalMakesDelayConstant(t *testing.T) {
	sleeper := &countingSleeper{}
	p := Policy{MaxAttempts: 3, Interval: time.Millisecond, MaxInterval: time.Second, Factor: 3, Sleeper: sleeper}.WithInterval(20 * time.Millisecond)
	_ = p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return errors.New("x")
	})
	for _, d := range sleeper.delays {
		if d != 20*time.Millisecond {
			t.Fatalf("delay = %s, want 20ms", d)
		}
	}
}
