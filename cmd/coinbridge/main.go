package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"coinbridge/internal/alert"
	"coinbridge/internal/config"
	"coinbridge/internal/core"
	"coinbridge/internal/exchange"
	"coinbridge/internal/keylock"
	"coinbridge/internal/logging"
	"coinbridge/internal/safety"
)

func main() {
	var (
		configPath string
		only       string
		action     string
		amountRaw  string
		loop       loopOptions
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&only, "exchange", "", "run against this exchange only (default: all configured)")
	flag.StringVar(&action, "action", "quote", "quote, balance, buy or sell")
	flag.StringVar(&amountRaw, "amount", "", "base asset amount for buy/sell")
	flag.IntVar(&loop.repeat, "repeat", 1, "run the action this many times per exchange (0 = until stopped)")
	flag.DurationVar(&loop.every, "every", 0, "pause between repeated actions")
	flag.Parse()
	if loop.repeat < 0 || loop.every < 0 {
		fatal("-repeat and -every must not be negative")
	}

	amount, err := parseAmount(action, amountRaw)
	if err != nil {
		fatal(err.Error())
	}
	env := config.NewEnv()
	cfg, err := config.LoadWithEnv(configPath, env)
	if err != nil {
		fatal(err.Error())
	}
	log, err := logging.New(cfg.Logging.Level, string(cfg.Logging.Format))
	if err != nil {
		fatal(err.Error())
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("instance_id", cfg.InstanceID))

	var alerter alert.Alerter
	if alerts := buildAlertManager(cfg, log); alerts != nil {
		alerter = alerts
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				log.Warn("close alert manager failed", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	failed := false
	for _, exCfg := range cfg.Exchanges {
		if only != "" && !strings.EqualFold(only, exCfg.Name) {
			continue
		}
		err := runExchange(ctx, cfg, exCfg, env, log, alerter, action, amount, loop)
		if errors.Is(err, context.Canceled) {
			return
		}
		if err != nil {
			log.Error("action failed", zap.String("exchange", exCfg.Name), zap.String("action", action), zap.Error(err))
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

type loopOptions struct {
	repeat int
	every  time.Duration
}

// runExchange holds the api key lock for the whole run so that no other
// process can advance the key's nonce underneath it.
func runExchange(ctx context.Context, cfg config.Config, exCfg config.ExchangeConfig, env *config.Env, log *zap.Logger, alerter alert.Alerter, action string, amount decimal.Decimal, loop loopOptions) error {
	creds, err := env.Credentials(exCfg.Name)
	if err != nil {
		return err
	}
	lock, err := keylock.Acquire(cfg.State.Dir, exCfg.Name, creds.APIKey(), keylock.Options{
		Takeover:   *cfg.State.LockTakeover,
		StaleAfter: cfg.State.LockStaleAfter(),
		Logger:     log,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn("release api key lock failed", zap.String("exchange", exCfg.Name), zap.Error(err))
		}
	}()

	ex, err := exchange.New(ctx, exCfg, exchange.Deps{
		Credentials: creds,
		Logger:      log,
		Alerter:     alerter,
	})
	if err != nil {
		return fmt.Errorf("build exchange: %w", err)
	}
	return runLoop(ctx, guard(ex, cfg.CircuitBreaker, log, alerter), action, amount, loop, os.Stdout, log)
}

// runLoop repeats the action. Failures are logged and the loop goes on,
// until the order breaker opens; the last error is returned.
func runLoop(ctx context.Context, ex exchange.Exchange, action string, amount decimal.Decimal, loop loopOptions, w io.Writer, log *zap.Logger) error {
	var lastErr error
	for i := 1; loop.repeat == 0 || i <= loop.repeat; i++ {
		if i > 1 && loop.every > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(loop.every):
			}
		}
		err := run(ctx, ex, action, amount, w)
		switch {
		case err == nil:
			lastErr = nil
			continue
		case errors.Is(err, context.Canceled):
			return err
		case errors.Is(err, safety.ErrCircuitOpen):
			return err
		}
		lastErr = err
		log.Warn("action failed",
			zap.String("exchange", ex.Name()),
			zap.String("action", action),
			zap.Int("run", i),
			zap.Error(err),
		)
	}
	return lastErr
}

func parseAmount(action, raw string) (decimal.Decimal, error) {
	switch action {
	case "quote", "balance":
		return decimal.Zero, nil
	case "buy", "sell":
		amount, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil || !amount.IsPositive() {
			return decimal.Zero, fmt.Errorf("-amount must be a positive decimal for %s", action)
		}
		return amount, nil
	default:
		return decimal.Zero, fmt.Errorf("unknown action %q", action)
	}
}

func guard(ex exchange.Exchange, cfg config.CircuitBreakerConfig, log *zap.Logger, alerter alert.Alerter) exchange.Exchange {
	if !cfg.Enabled {
		return ex
	}
	breaker := safety.NewBreaker(ex.Name()+" order", safety.BreakerOptions{
		Enabled:     true,
		MaxFailures: cfg.MaxOrderFailures,
		Cooldown:    time.Duration(cfg.CooldownSec) * time.Second,
		ProbePasses: cfg.ProbePasses,
		Logger:      log,
		Alerter:     alerter,
	})
	return safety.NewGuardedExchange(ex, breaker)
}

// run performs one action and prints its result.
func run(ctx context.Context, ex exchange.Exchange, action string, amount decimal.Decimal, w io.Writer) error {
	var (
		bal core.Balance
		err error
	)
	switch action {
	case "quote":
		q, err := ex.Quote(ctx, core.QuoteOptions{})
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s %s bid=%s ask=%s spread=%s time_stamp=%s\n",
			ex.Name(), q.Symbol, q.Bid, q.Ask, q.Spread(), q.Timestamp)
		return nil
	case "balance":
		bal, err = ex.Balance(ctx)
	case "buy":
		bal, err = ex.MarketBuy(ctx, amount)
	case "sell":
		bal, err = ex.MarketSell(ctx, amount)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s %s\n", ex.Name(), formatBalance(bal))
	return nil
}

func formatBalance(bal core.Balance) string {
	currencies := make([]string, 0, len(bal))
	for c := range bal {
		if c != core.TimestampKey {
			currencies = append(currencies, c)
		}
	}
	sort.Strings(currencies)
	parts := make([]string, 0, len(currencies)+1)
	for _, c := range currencies {
		parts = append(parts, c+"="+bal[c].String())
	}
	parts = append(parts, core.TimestampKey+"="+bal.Timestamp().String())
	return strings.Join(parts, " ")
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func buildAlertManager(cfg config.Config, log *zap.Logger) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(
		tg.BotToken,
		tg.ChatID,
		tg.APIBaseURL,
		time.Duration(tg.TimeoutSec)*time.Second,
	)
	return alert.NewManager(cfg.InstanceID, notifier, alert.Options{
		QueueSize:    cfg.Observability.Runtime.AlertQueueSize,
		RepeatWindow: cfg.Observability.Runtime.AlertRepeatWindow(),
		Logger:       log,
	})
}
