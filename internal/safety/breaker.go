// Package safety stops order flow to an exchange after repeated failures.
package safety

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"coinbridge/internal/alert"
	"coinbridge/internal/core"
	"coinbridge/internal/exchange"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const (
	defaultCooldown          = 30 * time.Second
	defaultHalfOpenSuccesses = 1
)

type BreakerOptions struct {
	Enabled     bool
	MaxFailures int
	Cooldown    time.Duration
	// ProbePasses is the number of successful half-open calls needed to close.
	ProbePasses int

	Logger  *zap.Logger
	Alerter alert.Alerter
	Clock   core.Clock
}

// Breaker counts consecutive failures of one action. After MaxFailures it
// opens and rejects calls until Cooldown has passed, then lets probe calls
// through; a failed probe reopens it.
type Breaker struct {
	name        string
	enabled     bool
	maxFailures int
	cooldown    time.Duration
	probePasses int
	log         *zap.Logger
	alerter     alert.Alerter
	clock       core.Clock

	mu              sync.Mutex
	state           circuitState
	failures        int
	openedAt        time.Time
	openErr         error
	halfOpenSuccess int
}

func NewBreaker(name string, opts BreakerOptions) *Breaker {
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	probes := opts.ProbePasses
	if probes < 1 {
		probes = defaultHalfOpenSuccesses
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Breaker{
		name:        name,
		enabled:     opts.Enabled,
		maxFailures: opts.MaxFailures,
		cooldown:    cooldown,
		probePasses: probes,
		log:         log.With(zap.String("action", name)),
		alerter:     opts.Alerter,
		clock:       clock,
		state:       circuitClosed,
	}
}

// Allow reports whether a call may proceed. An open breaker whose cooldown
// has elapsed moves to half-open and allows the call.
func (b *Breaker) Allow() error {
	if b == nil || !b.enabled || b.maxFailures < 1 {
		return nil
	}
	b.mu.Lock()
	if b.state != circuitOpen {
		b.mu.Unlock()
		return nil
	}
	if b.clock().Sub(b.openedAt) < b.cooldown {
		err := b.openErr
		b.mu.Unlock()
		return err
	}
	b.state = circuitHalfOpen
	b.halfOpenSuccess = 0
	b.failures = 0
	b.openErr = nil
	b.mu.Unlock()
	b.log.Info("circuit breaker half open",
		zap.String("event", "circuit_breaker_half_open"),
		zap.Duration("cooldown", b.cooldown),
	)
	b.alert("circuit_breaker_half_open", map[string]string{
		"cooldown_sec": strconv.FormatInt(int64(b.cooldown/time.Second), 10),
	})
	return nil
}

// CooldownRemaining is zero unless the breaker is open and cooling down.
func (b *Breaker) CooldownRemaining() time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != circuitOpen {
		return 0
	}
	elapsed := b.clock().Sub(b.openedAt)
	if elapsed >= b.cooldown {
		return 0
	}
	return b.cooldown - elapsed
}

// Record feeds the outcome of one call. It returns the open error when this
// failure trips the breaker.
func (b *Breaker) Record(err error) error {
	if b == nil || !b.enabled || b.maxFailures < 1 {
		return nil
	}
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen)) {
		return nil
	}

	b.mu.Lock()
	if err == nil {
		prevFailures := b.failures
		prevState := b.state
		recovered := false
		switch b.state {
		case circuitHalfOpen:
			b.halfOpenSuccess++
			if b.halfOpenSuccess >= b.probePasses {
				recovered = true
				b.close()
			}
		case circuitClosed:
			if b.failures > 0 {
				recovered = true
				b.failures = 0
			}
		}
		b.mu.Unlock()
		if recovered {
			b.log.Info("circuit breaker recovered",
				zap.String("event", "circuit_breaker_recovered"),
				zap.Int("previous_consecutive_failures", prevFailures),
				zap.String("from_state", string(prevState)),
			)
			b.alert("circuit_breaker_recovered", map[string]string{
				"previous_consecutive_failures": strconv.Itoa(prevFailures),
				"from_state":                    string(prevState),
			})
		}
		return nil
	}

	switch b.state {
	case circuitOpen:
		openErr := b.openErr
		b.mu.Unlock()
		return openErr
	case circuitHalfOpen:
		openErr := b.trip(err, b.maxFailures, "half_open_probe_failed")
		b.mu.Unlock()
		b.reportTrip("half_open", b.maxFailures, err)
		return openErr
	}

	b.failures++
	failures := b.failures
	if failures < b.maxFailures {
		nearTrip := b.maxFailures > 1 && failures == b.maxFailures-1
		b.mu.Unlock()
		if nearTrip {
			b.log.Warn("circuit breaker near trip",
				zap.String("event", "circuit_breaker_near_trip"),
				zap.Int("consecutive_failures", failures),
				zap.Int("threshold", b.maxFailures),
				zap.Error(err),
			)
			b.alert("circuit_breaker_near_trip", map[string]string{
				"consecutive_failures": strconv.Itoa(failures),
				"threshold":            strconv.Itoa(b.maxFailures),
				"last_error":           err.Error(),
			})
		}
		return nil
	}
	openErr := b.trip(err, failures, "consecutive_failures")
	b.mu.Unlock()
	b.reportTrip("closed", failures, err)
	return openErr
}

func (b *Breaker) close() {
	b.state = circuitClosed
	b.failures = 0
	b.openErr = nil
	b.openedAt = time.Time{}
	b.halfOpenSuccess = 0
}

func (b *Breaker) trip(err error, failures int, reason string) error {
	b.state = circuitOpen
	b.openedAt = b.clock()
	b.halfOpenSuccess = 0
	b.failures = failures
	b.openErr = fmt.Errorf("%w: %s failed %d consecutive times, cooldown=%s, reason=%s, last error: %v",
		ErrCircuitOpen, b.name, failures, b.cooldown, reason, err)
	return b.openErr
}

func (b *Breaker) reportTrip(phase string, failures int, err error) {
	b.log.Error("circuit breaker tripped",
		zap.String("event", "circuit_breaker_trip"),
		zap.String("phase", phase),
		zap.Int("consecutive_failures", failures),
		zap.Int("threshold", b.maxFailures),
		zap.Error(err),
	)
	b.alert("circuit_breaker_trip", map[string]string{
		"phase":                phase,
		"consecutive_failures": strconv.Itoa(failures),
		"threshold":            strconv.Itoa(b.maxFailures),
		"last_error":           err.Error(),
	})
}

func (b *Breaker) alert(event string, fields map[string]string) {
	if b.alerter == nil {
		return
	}
	fields["action"] = b.name
	b.alerter.Important(event, fields)
}

// GuardedExchange routes order placement through a Breaker. Reads pass
// through unguarded.
type GuardedExchange struct {
	exchange.Exchange
	breaker *Breaker
}

func NewGuardedExchange(inner exchange.Exchange, breaker *Breaker) *GuardedExchange {
	return &GuardedExchange{Exchange: inner, breaker: breaker}
}

func (g *GuardedExchange) PlaceMarketOrder(ctx context.Context, order core.OrderRequest) (core.Balance, error) {
	return g.guard(func() (core.Balance, error) { return g.Exchange.PlaceMarketOrder(ctx, order) })
}

func (g *GuardedExchange) MarketBuy(ctx context.Context, amount decimal.Decimal) (core.Balance, error) {
	return g.guard(func() (core.Balance, error) { return g.Exchange.MarketBuy(ctx, amount) })
}

func (g *GuardedExchange) MarketSell(ctx context.Context, amount decimal.Decimal) (core.Balance, error) {
	return g.guard(func() (core.Balance, error) { return g.Exchange.MarketSell(ctx, amount) })
}

func (g *GuardedExchange) guard(call func() (core.Balance, error)) (core.Balance, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, err
	}
	bal, err := call()
	if trip := g.breaker.Record(err); trip != nil {
		return bal, trip
	}
	return bal, err
}
