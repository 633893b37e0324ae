package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// TimestampKey is the synthetic balance entry holding the snapshot time in seconds.
const TimestampKey = "time_stamp"

// Params are the exchange-specific request parameters of an authenticated call.
type Params map[string]any

// Quote is a point-in-time bid/ask snapshot. The zero value is the empty
// quote returned when no data is available.
type Quote struct {
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Timestamp decimal.Decimal
	Exchange  string
	Symbol    string
}

func NewQuote(bid, ask, ts decimal.Decimal, exchange, symbol string) (Quote, error) {
	if bid.Cmp(ask) > 0 {
		return Quote{}, fmt.Errorf("%w: bid=%s ask=%s", ErrCrossedQuote, bid, ask)
	}
	if exchange == "" || symbol == "" {
		return Quote{}, fmt.Errorf("quote requires exchange and symbol")
	}
	return Quote{Bid: bid, Ask: ask, Timestamp: ts, Exchange: exchange, Symbol: symbol}, nil
}

// IsEmpty reports whether q carries no data. A real quote always names its
// exchange, so a zero-priced quote is still non-empty.
func (q Quote) IsEmpty() bool {
	return q.Exchange == "" && q.Symbol == "" && q.Timestamp.IsZero()
}

func (q Quote) Spread() decimal.Decimal {
	return q.Ask.Sub(q.Bid)
}

func (q Quote) String() string {
	if q.IsEmpty() {
		return "Quote{}"
	}
	return fmt.Sprintf("Quote{exchange=%s symbol=%s bid=%s ask=%s ts=%s}", q.Exchange, q.Symbol, q.Bid, q.Ask, q.Timestamp)
}

// QuoteOptions control one Quote call.
type QuoteOptions struct {
	Retry         bool
	Timeout       time.Duration
	SleepInterval time.Duration
}

// Balance maps lower-case currency codes to amounts and always carries
// TimestampKey.
type Balance map[string]decimal.Decimal

func NewBalance(funds map[string]decimal.Decimal, ts decimal.Decimal) Balance {
	bal := make(Balance, len(funds)+1)
	for currency, amount := range funds {
		bal[strings.ToLower(strings.TrimSpace(currency))] = amount
	}
	bal[TimestampKey] = ts
	return bal
}

// NormalizeFunds converts raw exchange amounts into a Balance stamped with ts.
func NormalizeFunds(raw map[string]json.Number, ts decimal.Decimal) (Balance, error) {
	funds := make(map[string]decimal.Decimal, len(raw))
	for currency, value := range raw {
		amount, err := decimal.NewFromString(value.String())
		if err != nil {
			return nil, fmt.Errorf("%w: %s amount %q: %v", ErrInvalidResponse, currency, value, err)
		}
		funds[currency] = amount
	}
	return NewBalance(funds, ts), nil
}

func (b Balance) Timestamp() decimal.Decimal {
	return b[TimestampKey]
}

// Amount returns the amount held in currency, zero when absent.
func (b Balance) Amount(currency string) decimal.Decimal {
	v, ok := b[strings.ToLower(currency)]
	if !ok {
		return decimal.Zero
	}
	return v
}

// OrderRequest is a single order submission. Places of -1 render the value
// without rounding.
type OrderRequest struct {
	Symbol       string
	Side         Side
	Price        decimal.Decimal
	Amount       decimal.Decimal
	PricePlaces  int32
	AmountPlaces int32
}

func (o OrderRequest) PriceString() string {
	return fixed(o.Price, o.PricePlaces)
}

func (o OrderRequest) AmountString() string {
	return fixed(o.Amount, o.AmountPlaces)
}

func fixed(v decimal.Decimal, places int32) string {
	if places < 0 {
		return v.String()
	}
	return v.StringFixedBank(places)
}

// Clock returns the local time used to stamp quotes and balances.
type Clock func() time.Time

// Seconds converts t to decimal unix seconds with microsecond precision.
func Seconds(t time.Time) decimal.Decimal {
	return decimal.New(t.UnixMicro(), -6)
}

