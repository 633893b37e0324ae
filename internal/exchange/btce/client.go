// Package btce adapts the BTC-e trade API (nonce-in-body, HMAC-SHA512).
//
// BTC-e has no market orders. MarketBuy and MarketSell send limit orders
// priced through the book from the cached last quote, and the exchange is
// assumed to fill them in the same response.
package btce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"coinbridge/internal/alert"
	"coinbridge/internal/core"
	"coinbridge/internal/exchange/base"
	"coinbridge/internal/retry"
	"coinbridge/internal/secret"
	"coinbridge/internal/transport"
)

const (
	Name = "btce"

	DefaultTradeURL  = "https://btc-e.com"
	DefaultPublicURL = "https://btc-e.com/api/3"

	tradePath = "/tapi"
)

// DefaultPricing buys at 1.5x the last ask and sells at 0.6x the last bid.
// Prices carry 3 decimals and amounts 8; the fee is taken from the bought
// asset so buys are grossed up.
func DefaultPricing(feeRate decimal.Decimal) core.Pricing {
	return core.Pricing{
		BuyMultiplier:  decimal.RequireFromString("1.5"),
		SellMultiplier: decimal.RequireFromString("0.6"),
		FeeRate:        feeRate,
		FeeOnBuy:       true,
		PricePlaces:    3,
		AmountPlaces:   8,
	}
}

type Options struct {
	Credentials *secret.Credentials
	Symbol      string
	TradeURL    string
	PublicURL   string
	Pricing     core.Pricing
	// RefreshQuote fetches a fresh quote before pricing each market order.
	RefreshQuote bool

	HTTPTimeout time.Duration
	QuoteSleep  time.Duration
	// Retry governs balance and order submission, Bootstrap the nonce
	// handshake. Both default to retrying forever, 1s apart.
	Retry     *retry.Policy
	Bootstrap *retry.Policy

	Logger  *zap.Logger
	Alerter alert.Alerter
	Clock   core.Clock
	Sleeper retry.Sleeper
}

// Client is not meant for concurrent order flow: nonces issued from
// several goroutines can reach the exchange out of order and be rejected.
//
// PlaceMarketOrder resubmits after any invalid answer. The protocol has no
// idempotency key, so an answer lost after a real fill produces a second
// live order.
type Client struct {
	*base.Adapter

	creds     *secret.Credentials
	pricing   core.Pricing
	refresh   bool
	bootstrap retry.Policy
	trade     *transport.Client
	public    *transport.Client
	nonce     nonceCounter
}

func New(opts Options) (*Client, error) {
	if opts.Credentials == nil {
		return nil, secret.ErrMissingCredentials
	}
	symbol := strings.ToLower(strings.TrimSpace(opts.Symbol))
	if symbol == "" {
		return nil, errors.New("btce: symbol required")
	}
	if err := opts.Pricing.Validate(); err != nil {
		return nil, fmt.Errorf("btce: %w", err)
	}
	tradeURL := opts.TradeURL
	if tradeURL == "" {
		tradeURL = DefaultTradeURL
	}
	publicURL := opts.PublicURL
	if publicURL == "" {
		publicURL = DefaultPublicURL
	}
	policy := retry.Forever(time.Second)
	if opts.Retry != nil {
		policy = *opts.Retry
	}
	bootstrap := retry.Forever(time.Second)
	if opts.Bootstrap != nil {
		bootstrap = *opts.Bootstrap
	}
	adapter := base.New(base.Config{
		Name:       Name,
		Symbol:     symbol,
		Retry:      policy,
		QuoteSleep: opts.QuoteSleep,
		Timeout:    opts.HTTPTimeout,
		Logger:     opts.Logger,
		Alerter:    opts.Alerter,
		Clock:      opts.Clock,
		Sleeper:    opts.Sleeper,
	})
	return &Client{
		Adapter:   adapter,
		creds:     opts.Credentials,
		pricing:   opts.Pricing,
		refresh:   opts.RefreshQuote,
		bootstrap: bootstrap,
		trade:     transport.New(transport.Options{BaseURL: tradeURL, Timeout: opts.HTTPTimeout, Logger: adapter.Log}),
		public:    transport.New(transport.Options{BaseURL: publicURL, Timeout: opts.HTTPTimeout, Logger: adapter.Log}),
	}, nil
}

// Dial builds a client, recovers the nonce and primes the cached quote.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	c, err := New(opts)
	if err != nil {
		return nil, err
	}
	if err := c.Bootstrap(ctx); err != nil {
		return nil, err
	}
	c.Log.Debug("initialize most recent quote")
	if _, err := c.Quote(ctx, core.QuoteOptions{Retry: true, Timeout: c.Timeout()}); err != nil {
		return nil, err
	}
	c.Log.Debug("set most recent quote", zap.Stringer("quote", c.LastQuote()))
	return c, nil
}

// Bootstrap sends a deliberately invalid authenticated request and reads the
// last accepted nonce from the rejection message.
func (c *Client) Bootstrap(ctx context.Context) error {
	err := c.Wire(c.bootstrap, "nonce_bootstrap", nil).Do(ctx, func(ctx context.Context, attempt int) error {
		c.Log.Debug("get nonce key from server", zap.Int("attempt", attempt))
		raw, err := c.call(ctx, "", 0, nil, c.Timeout())
		if err != nil {
			return err
		}
		var resp tapiResponse
		if err := json.Unmarshal(raw, &resp); err != nil || resp.Error == "" {
			return fmt.Errorf("%w: nonce handshake answer %s", core.ErrInvalidResponse, raw)
		}
		key, ok := parseNonceKey(resp.Error)
		if !ok {
			return retry.Permanent(fmt.Errorf("btce: nonce handshake: %w", classifyAPIError("", resp.Error)))
		}
		c.nonce.Reset(key)
		c.Log.Debug("set nonce key", zap.Int64("nonce", key))
		return nil
	})
	if err != nil {
		return fmt.Errorf("btce: bootstrap nonce: %w", err)
	}
	return nil
}

// PublicCall fetches {public}/{method}/{symbol} once.
func (c *Client) PublicCall(ctx context.Context, method, symbol string, timeout time.Duration) (json.RawMessage, error) {
	raw, err := c.public.Get(ctx, "/"+method+"/"+symbol, timeout)
	if err != nil {
		return nil, err
	}
	if !json.Valid(raw) {
		c.Log.Error("public call returned malformed json", zap.String("method", method))
		return nil, fmt.Errorf("%w: %s/%s", core.ErrInvalidResponse, method, symbol)
	}
	return raw, nil
}

// PrivateCall signs and sends one trade API request with a fresh nonce.
func (c *Client) PrivateCall(ctx context.Context, method string, params core.Params, timeout time.Duration) (json.RawMessage, error) {
	return c.call(ctx, method, c.nonce.Next(), params, timeout)
}

func (c *Client) call(ctx context.Context, method string, nonce int64, params core.Params, timeout time.Duration) (json.RawMessage, error) {
	body := encodeRequest(method, nonce, params)
	signature, err := sign(c.creds, body)
	if err != nil {
		return nil, fmt.Errorf("btce: sign: %w", err)
	}
	headers := map[string]string{
		"Key":          c.creds.APIKey(),
		"Sign":         signature,
		"Content-Type": "application/x-www-form-urlencoded",
	}
	raw, err := c.trade.Post(ctx, tradePath, headers, body, timeout)
	if err != nil {
		c.Log.Error("private call failed", zap.String("method", method), zap.Int64("nonce", nonce), zap.Error(err))
		return nil, err
	}
	if !json.Valid(raw) {
		c.Log.Error("private call returned malformed json", zap.String("method", method), zap.Int64("nonce", nonce))
		return nil, fmt.Errorf("%w: %s", core.ErrInvalidResponse, method)
	}
	return raw, nil
}

// decodeReturn validates a trade API answer and returns its "return" object.
func (c *Client) decodeReturn(method string, raw json.RawMessage, out any) error {
	var resp tapiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrInvalidResponse, method, err)
	}
	if resp.Success != 1 {
		if resp.Error == "" {
			return fmt.Errorf("%w: %s: success=%d", core.ErrInvalidResponse, method, resp.Success)
		}
		err := classifyAPIError(method, resp.Error)
		if errors.Is(err, core.ErrInvalidNonce) {
			c.resyncNonce(resp.Error)
		}
		return err
	}
	if err := json.Unmarshal(resp.Return, out); err != nil {
		return fmt.Errorf("%w: %s return: %v", core.ErrInvalidResponse, method, err)
	}
	return nil
}

func (c *Client) resyncNonce(msg string) {
	key, ok := parseNonceKey(msg)
	if !ok || key <= c.nonce.Current() {
		return
	}
	c.nonce.Reset(key)
	c.Log.Warn("nonce resynchronized", zap.Int64("nonce", key))
}

func (c *Client) Quote(ctx context.Context, opts core.QuoteOptions) (core.Quote, error) {
	return c.Adapter.Quote(ctx, opts, c.fetchQuote)
}

func (c *Client) fetchQuote(ctx context.Context, timeout time.Duration) (core.Quote, error) {
	raw, err := c.PublicCall(ctx, "ticker", c.Symbol(), timeout)
	if err != nil {
		return core.Quote{}, err
	}
	var ticker tickerResponse
	if err := json.Unmarshal(raw, &ticker); err != nil {
		return core.Quote{}, fmt.Errorf("%w: ticker: %v", core.ErrInvalidResponse, err)
	}
	info, ok := ticker[c.Symbol()]
	if !ok || info.Sell == "" || info.Buy == "" {
		return core.Quote{}, fmt.Errorf("%w: ticker missing %s", core.ErrInvalidResponse, c.Symbol())
	}
	// "sell" is what the book pays a seller (bid), "buy" what a buyer pays (ask).
	bid, err := decimal.NewFromString(info.Sell.String())
	if err != nil {
		return core.Quote{}, fmt.Errorf("%w: bid: %v", core.ErrInvalidResponse, err)
	}
	ask, err := decimal.NewFromString(info.Buy.String())
	if err != nil {
		return core.Quote{}, fmt.Errorf("%w: ask: %v", core.ErrInvalidResponse, err)
	}
	return c.StampQuote(bid, ask)
}

// Balance retries getInfo until a valid answer; time_stamp is the server time.
func (c *Client) Balance(ctx context.Context) (core.Balance, error) {
	var info infoReturn
	err := c.Policy("get_balance", nil).Do(ctx, func(ctx context.Context, attempt int) error {
		c.Log.Debug("get balance from server", zap.Int("attempt", attempt))
		raw, err := c.PrivateCall(ctx, "getInfo", nil, c.Timeout())
		if err != nil {
			return err
		}
		info = infoReturn{}
		if err := c.decodeReturn("getInfo", raw, &info); err != nil {
			return err
		}
		if info.Funds == nil {
			return fmt.Errorf("%w: getInfo without funds", core.ErrInvalidResponse)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("btce: get balance: %w", err)
	}
	ts := core.Seconds(c.Now())
	if info.ServerTime != "" {
		if serverTime, err := decimal.NewFromString(info.ServerTime.String()); err == nil {
			ts = serverTime
		}
	}
	bal, err := core.NormalizeFunds(info.Funds, ts)
	if err != nil {
		return nil, fmt.Errorf("btce: get balance: %w", err)
	}
	c.Log.Debug("new balance", zap.String("context", "get_balance"), zap.Any("funds", bal))
	return bal, nil
}

// PlaceMarketOrder submits a Trade until acknowledged. The fill is assumed
// atomic; a non-zero remaining order id is reported as critical but the
// balance from the answer is still returned. An accepted answer without
// funds is never resubmitted; the balance is read with getInfo instead.
func (c *Client) PlaceMarketOrder(ctx context.Context, order core.OrderRequest) (core.Balance, error) {
	params := core.Params{
		"pair":   order.Symbol,
		"type":   string(order.Side),
		"rate":   order.PriceString(),
		"amount": order.AmountString(),
	}
	log := c.Log.With(zap.String("correlation_id", uuid.NewString()))
	var ret tradeReturn
	err := c.Policy("place_market_order", log).Do(ctx, func(ctx context.Context, attempt int) error {
		log.Info("submit market order",
			zap.Int("attempt", attempt),
			zap.String("side", string(order.Side)),
			zap.String("rate", order.PriceString()),
			zap.String("amount", order.AmountString()),
		)
		raw, err := c.PrivateCall(ctx, "Trade", params, c.Timeout())
		if err != nil {
			return err
		}
		ret = tradeReturn{}
		if err := c.decodeReturn("Trade", raw, &ret); err != nil {
			log.Error("invalid answer for order, place order again", zap.ByteString("answer", raw), zap.Error(err))
			return err
		}
		log.Info("receive market order answer", zap.ByteString("answer", raw))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("btce: place %s order: %w", order.Side, err)
	}
	if ret.OrderID != 0 {
		c.Critical(log, "order_not_filled", "order was not filled completely", map[string]string{
			"order_id": fmt.Sprint(ret.OrderID),
			"remains":  ret.Remains.String(),
			"side":     string(order.Side),
		})
	}
	if ret.Funds == nil {
		// The order was accepted; submitting again would place a second one.
		c.Critical(log, "order_answer_invalid", "accepted order answer has no funds, reading balance instead", map[string]string{
			"order_id": fmt.Sprint(ret.OrderID),
			"side":     string(order.Side),
		})
		return c.Balance(ctx)
	}
	bal, err := core.NormalizeFunds(ret.Funds, core.Seconds(c.Now()))
	if err != nil {
		return nil, fmt.Errorf("btce: place %s order: %w", order.Side, err)
	}
	log.Info("new balance", zap.String("context", "trade"), zap.Any("funds", bal))
	return bal, nil
}

func (c *Client) MarketBuy(ctx context.Context, amount decimal.Decimal) (core.Balance, error) {
	return c.emulator().MarketBuy(ctx, amount)
}

func (c *Client) MarketSell(ctx context.Context, amount decimal.Decimal) (core.Balance, error) {
	return c.emulator().MarketSell(ctx, amount)
}

func (c *Client) emulator() base.Emulator {
	return base.Emulator{
		Adapter: c.Adapter,
		Pricing: c.pricing,
		Refresh: c.refresh,
		Fetch:   c.fetchQuote,
		Place:   c.PlaceMarketOrder,
	}
}
