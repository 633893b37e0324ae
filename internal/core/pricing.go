package core

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder   = errors.New("invalid order")
	ErrInvalidPricing = errors.New("invalid pricing")
)

// Pricing turns a requested amount into a synthetic market order: a limit
// order priced far enough through the book to fill immediately.
//
// When BuyMultiplier (SellMultiplier) is set the price is taken relative to
// the last quote's ask (bid); otherwise the fixed BuyPrice (SellPrice) is
// sent. Either must exceed the observed spread sufficiently to guarantee an
// immediate cross.
type Pricing struct {
	BuyMultiplier  decimal.Decimal
	SellMultiplier decimal.Decimal
	BuyPrice       decimal.Decimal
	SellPrice      decimal.Decimal

	// FeeRate is deducted by the exchange from the received asset when
	// FeeOnBuy is set, so buy amounts are grossed up by 1/(1-FeeRate).
	FeeRate  decimal.Decimal
	FeeOnBuy bool

	PricePlaces  int32
	AmountPlaces int32
}

func (p Pricing) Validate() error {
	one := decimal.NewFromInt(1)
	if p.FeeRate.IsNegative() || p.FeeRate.Cmp(one) >= 0 {
		return fmt.Errorf("%w: fee rate %s must be in [0,1)", ErrInvalidPricing, p.FeeRate)
	}
	if p.BuyMultiplier.IsZero() {
		if !p.BuyPrice.IsPositive() {
			return fmt.Errorf("%w: buy multiplier or buy price required", ErrInvalidPricing)
		}
	} else if p.BuyMultiplier.Cmp(one) <= 0 {
		return fmt.Errorf("%w: buy multiplier %s must be > 1", ErrInvalidPricing, p.BuyMultiplier)
	}
	if p.SellMultiplier.IsZero() {
		if !p.SellPrice.IsPositive() {
			return fmt.Errorf("%w: sell multiplier or sell price required", ErrInvalidPricing)
		}
	} else if !p.SellMultiplier.IsPositive() || p.SellMultiplier.Cmp(one) >= 0 {
		return fmt.Errorf("%w: sell multiplier %s must be in (0,1)", ErrInvalidPricing, p.SellMultiplier)
	}
	return nil
}

// QuoteRelative reports whether side is priced from the last quote.
func (p Pricing) QuoteRelative(side Side) bool {
	if side == Buy {
		return !p.BuyMultiplier.IsZero()
	}
	return !p.SellMultiplier.IsZero()
}

// Order builds the synthetic order for amount of the base asset.
func (p Pricing) Order(symbol string, side Side, amount decimal.Decimal, last Quote) (OrderRequest, error) {
	if !amount.IsPositive() {
		return OrderRequest{}, fmt.Errorf("%w: amount %s must be positive", ErrInvalidOrder, amount)
	}
	if p.QuoteRelative(side) && last.IsEmpty() {
		return OrderRequest{}, fmt.Errorf("%w: cannot price %s order", ErrNoQuote, side)
	}
	var price decimal.Decimal
	switch side {
	case Buy:
		price = p.BuyPrice
		if p.QuoteRelative(Buy) {
			price = last.Ask.Mul(p.BuyMultiplier)
		}
		if p.FeeOnBuy && !p.FeeRate.IsZero() {
			amount = amount.Div(decimal.NewFromInt(1).Sub(p.FeeRate))
		}
	case Sell:
		price = p.SellPrice
		if p.QuoteRelative(Sell) {
			price = last.Bid.Mul(p.SellMultiplier)
		}
	default:
		return OrderRequest{}, fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, side)
	}
	return OrderRequest{
		Symbol:       symbol,
		Side:         side,
		Price:        round(price, p.PricePlaces),
		Amount:       round(amount, p.AmountPlaces),
		PricePlaces:  p.PricePlaces,
		AmountPlaces: p.AmountPlaces,
	}, nil
}

func round(v decimal.Decimal, places int32) decimal.Decimal {
	if places < 0 {
		return v
	}
	return v.RoundBank(places)
}
