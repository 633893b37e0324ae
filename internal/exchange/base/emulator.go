package base

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"coinbridge/internal/core"
)

// PlaceFunc submits an order and returns the resulting balance.
type PlaceFunc func(ctx context.Context, order core.OrderRequest) (core.Balance, error)

// Emulator places synthetic market orders priced from the adapter's cached
// last quote. With Refresh set a fresh quote is fetched first; otherwise the
// price may be as stale as the last successful Quote call.
type Emulator struct {
	Adapter *Adapter
	Pricing core.Pricing
	Refresh bool
	Fetch   FetchQuote
	Place   PlaceFunc
}

func (e Emulator) MarketBuy(ctx context.Context, amount decimal.Decimal) (core.Balance, error) {
	return e.market(ctx, core.Buy, amount)
}

func (e Emulator) MarketSell(ctx context.Context, amount decimal.Decimal) (core.Balance, error) {
	return e.market(ctx, core.Sell, amount)
}

func (e Emulator) market(ctx context.Context, side core.Side, amount decimal.Decimal) (core.Balance, error) {
	a := e.Adapter
	if e.Refresh && e.Pricing.QuoteRelative(side) {
		if _, err := a.Quote(ctx, core.QuoteOptions{Retry: true, Timeout: a.Timeout()}, e.Fetch); err != nil {
			return nil, err
		}
	}
	order, err := e.Pricing.Order(a.Symbol(), side, amount, a.LastQuote())
	if err != nil {
		return nil, fmt.Errorf("%s: market %s: %w", a.Name(), side, err)
	}
	a.Log.Info("place market order",
		zap.String("side", string(side)),
		zap.String("price", order.PriceString()),
		zap.String("amount", order.AmountString()),
	)
	return e.Place(ctx, order)
}
