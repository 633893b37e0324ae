package base

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"coinbridge/internal/core"
	"coinbridge/internal/retry"
)

type countingSleeper struct{ slept []time.Duration }

func (s *countingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.slept = append(s.slept, d)
	return ctx.Err()
}

type recordingAlerter struct {
	events []string
	fields []map[string]string
}

func (a *recordingAlerter) Important(event string, fields map[string]string) {
	a.events = append(a.events, event)
	a.fields = append(a.fields, fields)
}

var fixedNow = time.Unix(1700000000, 0)

func newTestAdapter(sleeper retry.Sleeper) *Adapter {
	return New(Config{
		Name:    "test",
		Symbol:  "ltc_usd",
		Retry:   retry.Policy{MaxAttempts: 3},
		Clock:   func() time.Time { return fixedNow },
		Sleeper: sleeper,
	})
}

func quoteFetcher(a *Adapter, bid, ask string, failures int) (FetchQuote, *int) {
	calls := 0
	return func(ctx context.Context, timeout time.Duration) (core.Quote, error) {
		calls++
		if calls <= failures {
			return core.Quote{}, core.ErrTransport
		}
		return a.StampQuote(decimal.RequireFromString(bid), decimal.RequireFromString(ask))
	}, &calls
}

func relativePricing() core.Pricing {
	return core.Pricing{
		BuyMultiplier:  decimal.RequireFromString("1.5"),
		SellMultiplier: decimal.RequireFromString("0.6"),
		PricePlaces:    3,
		AmountPlaces:   8,
	}
}

func TestQuoteRetriesWithQuoteSleep(t *testing.T) {
	sleeper := &countingSleeper{}
	a := newTestAdapter(sleeper)
	fetch, calls := quoteFetcher(a, "10", "11", 2)

	q, err := a.Quote(context.Background(), core.QuoteOptions{Retry: true, SleepInterval: 250 * time.Millisecond}, fetch)
	if err != nil {
		t.Fatalf("Quote() error = %v", err)
	}
	if *calls != 3 || len(sleeper.slept) != 2 || sleeper.slept[0] != 250*time.Millisecond {
		t.Fatalf("calls=%d sleeps=%v, want 3 calls and two 250ms sleeps", *calls, sleeper.slept)
	}
	if !a.LastQuote().Ask.Equal(q.Ask) || q.Timestamp.String() != "1700000000" {
		t.Fatalf("last quote = %s, returned %s", a.LastQuote(), q)
	}
}

func TestQuoteWithoutRetryKeepsLastQuote(t *testing.T) {
	a := newTestAdapter(&countingSleeper{})
	good, _ := quoteFetcher(a, "10", "11", 0)
	if _, err := a.Quote(context.Background(), core.QuoteOptions{}, good); err != nil {
		t.Fatal(err)
	}
	bad, _ := quoteFetcher(a, "10", "11", 1)

	q, err := a.Quote(context.Background(), core.QuoteOptions{}, bad)
	if !errors.Is(err, core.ErrNoQuote) || !q.IsEmpty() {
		t.Fatalf("Quote() = %s, %v; want empty quote and ErrNoQuote", q, err)
	}
	if a.LastQuote().Ask.String() != "11" {
		t.Fatalf("failed quote must not clear the cached one")
	}
}

func TestEmulatorUsesCachedQuote(t *testing.T) {
	a := newTestAdapter(&countingSleeper{})
	fetch, calls := quoteFetcher(a, "100", "100", 0)
	if _, err := a.Quote(context.Background(), core.QuoteOptions{}, fetch); err != nil {
		t.Fatal(err)
	}
	var placed core.OrderRequest
	em := Emulator{
		Adapter: a,
		Pricing: relativePricing(),
		Fetch:   fetch,
		Place: func(ctx context.Context, order core.OrderRequest) (core.Balance, error) {
			placed = order
			return core.NewBalance(nil, core.Seconds(a.Now())), nil
		},
	}

	if _, err := em.MarketSell(context.Background(), decimal.RequireFromString("0.5")); err != nil {
		t.Fatalf("MarketSell() error = %v", err)
	}
	if *calls != 1 {
		t.Fatalf("fetch calls = %d, want no refresh", *calls)
	}
	if placed.PriceString() != "60.000" || placed.AmountString() != "0.50000000" || placed.Side != core.Sell {
		t.Fatalf("order = %+v", placed)
	}
}

func TestEmulatorRefreshFetchesQuoteFirst(t *testing.T) {
	a := newTestAdapter(&countingSleeper{})
	fetch, calls := quoteFetcher(a, "2", "4", 1)
	var placed core.OrderRequest
	em := Emulator{
		Adapter: a,
		Pricing: relativePricing(),
		Refresh: true,
		Fetch:   fetch,
		Place: func(ctx context.Context, order core.OrderRequest) (core.Balance, error) {
			placed = order
			return core.NewBalance(nil, decimal.Zero), nil
		},
	}

	if _, err := em.MarketBuy(context.Background(), decimal.NewFromInt(1)); err != nil {
		t.Fatalf("MarketBuy() error = %v", err)
	}
	if *calls != 2 {
		t.Fatalf("fetch calls = %d, want 2", *calls)
	}
	if placed.PriceString() != "6.000" {
		t.Fatalf("price = %s, want 6.000", placed.PriceString())
	}
}

func TestEmulatorWithoutQuoteFails(t *testing.T) {
	a := newTestAdapter(&countingSleeper{})
	placed := false
	em := Emulator{
		Adapter: a,
		Pricing: relativePricing(),
		Place: func(ctx context.Context, order core.OrderRequest) (core.Balance, error) {
			placed = true
			return nil, nil
		},
	}

	_, err := em.MarketBuy(context.Background(), decimal.NewFromInt(1))
	if !errors.Is(err, core.ErrNoQuote) {
		t.Fatalf("MarketBuy() error = %v, want ErrNoQuote", err)
	}
	if placed {
		t.Fatalf("order placed without a quote")
	}
}

func TestCriticalLogsAndAlerts(t *testing.T) {
	obsCore, logs := observer.New(zap.DebugLevel)
	alerts := &recordingAlerter{}
	a := New(Config{Name: "test", Symbol: "ltc_usd", Logger: zap.New(obsCore), Alerter: alerts})

	a.Critical(nil, "order_not_filled", "order left open", map[string]string{"order_id": "7"})

	entries := logs.FilterField(zap.String("severity", "critical")).All()
	if len(entries) != 1 || entries[0].Level != zap.ErrorLevel {
		t.Fatalf("critical log entries = %v", logs.All())
	}
	if len(alerts.events) != 1 || alerts.events[0] != "order_not_filled" {
		t.Fatalf("alerts = %v", alerts.events)
	}
	f := alerts.fields[0]
	if f["order_id"] != "7" || f["exchange"] != "test" || f["symbol"] != "ltc_usd" {
		t.Fatalf("alert fields = %v", f)
	}
}

func TestWirePollWarnsOnlyOnFailures(t *testing.T) {
	obsCore, logs := observer.New(zap.DebugLevel)
	a := New(Config{Name: "test", Symbol: "ltc_usd", Logger: zap.New(obsCore), Sleeper: &countingSleeper{}})
	pending := errors.New("still open")
	results := []error{pending, core.ErrTransport, pending, nil}

	err := a.WirePoll(retry.Policy{}, "order_status", nil, pending).Do(context.Background(), func(ctx context.Context, attempt int) error {
		return results[attempt-1]
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if n := logs.FilterMessage("waiting").FilterLevelExact(zap.DebugLevel).Len(); n != 2 {
		t.Fatalf("waiting logs = %d, want 2", n)
	}
	warns := logs.FilterLevelExact(zap.WarnLevel).All()
	if len(warns) != 1 || warns[0].ContextMap()["op"] != "order_status" {
		t.Fatalf("warnings = %v, want one for the transport failure", warns)
	}
}
