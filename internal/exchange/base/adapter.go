// Package base carries the state and retry plumbing shared by exchange
// adapters: the cached last quote, the injected logger and alerter, the
// clock and the retry policies.
package base

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"coinbridge/internal/alert"
	"coinbridge/internal/core"
	"coinbridge/internal/retry"
)

const defaultQuoteSleep = 500 * time.Millisecond

type Config struct {
	Name   string
	Symbol string
	// Retry governs balance and order submission loops. The zero value
	// retries forever without delay.
	Retry      retry.Policy
	QuoteSleep time.Duration
	Timeout    time.Duration

	Logger  *zap.Logger
	Alerter alert.Alerter
	Clock   core.Clock
	Sleeper retry.Sleeper
}

type Adapter struct {
	name       string
	symbol     string
	policy     retry.Policy
	quoteSleep time.Duration
	timeout    time.Duration
	clock      core.Clock
	sleeper    retry.Sleeper
	alerter    alert.Alerter

	Log *zap.Logger

	mu        sync.Mutex
	lastQuote core.Quote
}

func New(cfg Config) *Adapter {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	sleeper := cfg.Sleeper
	if sleeper == nil {
		sleeper = retry.ContextSleeper{}
	}
	quoteSleep := cfg.QuoteSleep
	if quoteSleep <= 0 {
		quoteSleep = defaultQuoteSleep
	}
	return &Adapter{
		name:       cfg.Name,
		symbol:     cfg.Symbol,
		policy:     cfg.Retry,
		quoteSleep: quoteSleep,
		timeout:    cfg.Timeout,
		clock:      clock,
		sleeper:    sleeper,
		alerter:    cfg.Alerter,
		Log:        log.Named(cfg.Name).With(zap.String("symbol", cfg.Symbol)),
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Symbol() string { return a.symbol }

// Timeout is the per-attempt network timeout used by the adapter's own loops.
func (a *Adapter) Timeout() time.Duration { return a.timeout }

func (a *Adapter) Now() time.Time { return a.clock() }

func (a *Adapter) LastQuote() core.Quote {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastQuote
}

func (a *Adapter) setLastQuote(q core.Quote) {
	a.mu.Lock()
	a.lastQuote = q
	a.mu.Unlock()
}

// Policy returns the adapter's default policy wired with its sleeper and a
// retry logger for op.
func (a *Adapter) Policy(op string, log *zap.Logger) retry.Policy {
	return a.Wire(a.policy, op, log)
}

// Wire attaches the adapter's sleeper and a retry logger to p.
func (a *Adapter) Wire(p retry.Policy, op string, log *zap.Logger) retry.Policy {
	return a.wire(p, op, log, nil)
}

// WirePoll is Wire for a polling loop: attempts failing with pending are
// the normal wait and log at debug level; other failures still warn.
func (a *Adapter) WirePoll(p retry.Policy, op string, log *zap.Logger, pending error) retry.Policy {
	return a.wire(p, op, log, pending)
}

func (a *Adapter) wire(p retry.Policy, op string, log *zap.Logger, pending error) retry.Policy {
	if log == nil {
		log = a.Log
	}
	if p.Sleeper == nil {
		p.Sleeper = a.sleeper
	}
	next := p.OnRetry
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		if pending != nil && errors.Is(err, pending) {
			if ce := log.Check(zap.DebugLevel, "waiting"); ce != nil {
				ce.Write(zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("delay", delay))
			}
		} else {
			log.Warn("retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		}
		if next != nil {
			next(attempt, err, delay)
		}
	}
	return p
}

// StampQuote builds a quote timestamped with the local clock.
func (a *Adapter) StampQuote(bid, ask decimal.Decimal) (core.Quote, error) {
	return core.NewQuote(bid, ask, core.Seconds(a.Now()), a.name, a.symbol)
}

// FetchQuote is one ticker attempt.
type FetchQuote func(ctx context.Context, timeout time.Duration) (core.Quote, error)

// Quote runs fetch once, or under the adapter policy when opts.Retry is set.
// A successful quote becomes the cached last quote.
func (a *Adapter) Quote(ctx context.Context, opts core.QuoteOptions, fetch FetchQuote) (core.Quote, error) {
	a.Log.Debug("start getting quote")
	if !opts.Retry {
		q, err := fetch(ctx, opts.Timeout)
		if err != nil {
			a.Log.Info("quote unavailable", zap.Error(err))
			return core.Quote{}, fmt.Errorf("%s: %w: %w", a.name, core.ErrNoQuote, err)
		}
		a.gotQuote(q)
		return q, nil
	}
	sleep := opts.SleepInterval
	if sleep <= 0 {
		sleep = a.quoteSleep
	}
	var q core.Quote
	err := a.Wire(a.policy.WithInterval(sleep), "get_quote", nil).Do(ctx, func(ctx context.Context, attempt int) error {
		var err error
		q, err = fetch(ctx, opts.Timeout)
		return err
	})
	if err != nil {
		return core.Quote{}, fmt.Errorf("%s: %w: %w", a.name, core.ErrNoQuote, err)
	}
	a.gotQuote(q)
	return q, nil
}

func (a *Adapter) gotQuote(q core.Quote) {
	a.setLastQuote(q)
	a.Log.Debug("successfully got quote",
		zap.String("bid", q.Bid.String()),
		zap.String("ask", q.Ask.String()),
		zap.String("time_stamp", q.Timestamp.String()),
	)
}

// Critical logs at error level tagged severity=critical and raises an alert.
func (a *Adapter) Critical(log *zap.Logger, event, msg string, fields map[string]string) {
	if log == nil {
		log = a.Log
	}
	zf := make([]zap.Field, 0, len(fields)+2)
	zf = append(zf, zap.String("severity", "critical"), zap.String("event", event))
	for k, v := range fields {
		zf = append(zf, zap.String(k, v))
	}
	log.Error(msg, zf...)
	if a.alerter == nil {
		return
	}
	alertFields := make(map[string]string, len(fields)+2)
	for k, v := range fields {
		alertFields[k] = v
	}
	alertFields["exchange"] = a.name
	alertFields["symbol"] = a.symbol
	a.alerter.Important(event, alertFields)
}
