package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"coinbridge/internal/alert"
	"coinbridge/internal/config"
	"coinbridge/internal/core"
	"coinbridge/internal/exchange/bitfinex"
	"coinbridge/internal/exchange/btce"
	"coinbridge/internal/retry"
	"coinbridge/internal/secret"
)

var ErrUnknownExchange = errors.New("unknown exchange")

// Exchange is the uniform surface every adapter exposes. Balances always
// carry core.TimestampKey.
type Exchange interface {
	Name() string
	Symbol() string
	PublicCall(ctx context.Context, method, symbol string, timeout time.Duration) (json.RawMessage, error)
	PrivateCall(ctx context.Context, method string, params core.Params, timeout time.Duration) (json.RawMessage, error)
	Quote(ctx context.Context, opts core.QuoteOptions) (core.Quote, error)
	Balance(ctx context.Context) (core.Balance, error)
	PlaceMarketOrder(ctx context.Context, order core.OrderRequest) (core.Balance, error)
	MarketBuy(ctx context.Context, amount decimal.Decimal) (core.Balance, error)
	MarketSell(ctx context.Context, amount decimal.Decimal) (core.Balance, error)
	LastQuote() core.Quote
}

var (
	_ Exchange = (*btce.Client)(nil)
	_ Exchange = (*bitfinex.Client)(nil)
)

// Deps are the runtime collaborators handed to every adapter.
type Deps struct {
	Credentials *secret.Credentials
	Logger      *zap.Logger
	Alerter     alert.Alerter
	Clock       core.Clock
	Sleeper     retry.Sleeper
}

// New builds the adapter named by cfg. A btce adapter is dialed: its nonce
// is recovered and its last quote primed before New returns.
func New(ctx context.Context, cfg config.ExchangeConfig, deps Deps) (Exchange, error) {
	switch cfg.Name {
	case btce.Name:
		return btce.Dial(ctx, btce.Options{
			Credentials:  deps.Credentials,
			Symbol:       cfg.Symbol,
			TradeURL:     cfg.TradeBaseURL,
			PublicURL:    cfg.PublicBaseURL,
			Pricing:      pricing(btce.DefaultPricing(cfg.FeeRate.Decimal), cfg.Pricing),
			RefreshQuote: cfg.RefreshQuote,
			HTTPTimeout:  cfg.HTTPTimeout(),
			QuoteSleep:   cfg.QuoteSleep(),
			Retry:        cfg.Retry.Policy(),
			Bootstrap:    cfg.Bootstrap.Policy(),
			Logger:       deps.Logger,
			Alerter:      deps.Alerter,
			Clock:        deps.Clock,
			Sleeper:      deps.Sleeper,
		})
	case bitfinex.Name:
		defaults := bitfinex.DefaultPricing()
		defaults.FeeRate = cfg.FeeRate.Decimal
		return bitfinex.New(bitfinex.Options{
			Credentials:  deps.Credentials,
			Symbol:       cfg.Symbol,
			BaseURL:      cfg.TradeBaseURL,
			Pricing:      pricing(defaults, cfg.Pricing),
			RefreshQuote: cfg.RefreshQuote,
			HTTPTimeout:  cfg.HTTPTimeout(),
			QuoteSleep:   cfg.QuoteSleep(),
			Retry:        cfg.Retry.Policy(),
			StatusPoll:   cfg.StatusPoll.Policy(),
			Logger:       deps.Logger,
			Alerter:      deps.Alerter,
			Clock:        deps.Clock,
			Sleeper:      deps.Sleeper,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExchange, cfg.Name)
	}
}

// pricing overlays configured values on an adapter's defaults. Setting a
// fixed price replaces the matching multiplier and vice versa.
func pricing(p core.Pricing, cfg config.PricingConfig) core.Pricing {
	if cfg.BuyMultiplier != nil {
		p.BuyMultiplier, p.BuyPrice = cfg.BuyMultiplier.Decimal, decimal.Zero
	}
	if cfg.BuyPrice != nil {
		p.BuyPrice, p.BuyMultiplier = cfg.BuyPrice.Decimal, decimal.Zero
	}
	if cfg.SellMultiplier != nil {
		p.SellMultiplier, p.SellPrice = cfg.SellMultiplier.Decimal, decimal.Zero
	}
	if cfg.SellPrice != nil {
		p.SellPrice, p.SellMultiplier = cfg.SellPrice.Decimal, decimal.Zero
	}
	if cfg.PricePlaces != nil {
		p.PricePlaces = *cfg.PricePlaces
	}
	if cfg.AmountPlaces != nil {
		p.AmountPlaces = *cfg.AmountPlaces
	}
	return p
}
