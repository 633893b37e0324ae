// Package bitfinex adapts the Bitfinex v1 REST API (base64 JSON payload in
// headers, HMAC-SHA384).
//
// Orders are sent as "exchange market" with symbolic limit prices; the
// exchange answers with an order id only, so the adapter polls the order
// until it is no longer live and then reads the balance.
package bitfinex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
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
	Name = "bitfinex"

	DefaultBaseURL = "https://api.bitfinex.com"

	apiBase   = "/v1"
	orderType = "exchange market"
)

var errOrderLive = errors.New("order still live")

// DefaultPricing buys at 100000.00 and sells at 0.01 regardless of the
// book, sending the caller's amount unchanged.
func DefaultPricing() core.Pricing {
	return core.Pricing{
		BuyPrice:     decimal.RequireFromString("100000.00"),
		SellPrice:    decimal.RequireFromString("0.01"),
		PricePlaces:  2,
		AmountPlaces: -1,
	}
}

type Options struct {
	Credentials  *secret.Credentials
	Symbol       string
	BaseURL      string
	Pricing      core.Pricing
	RefreshQuote bool

	HTTPTimeout time.Duration
	QuoteSleep  time.Duration
	// Retry governs balance reads and order submission (default forever,
	// 1s apart). StatusPoll governs order status polling (default forever
	// with no delay).
	Retry      *retry.Policy
	StatusPoll *retry.Policy

	Logger  *zap.Logger
	Alerter alert.Alerter
	Clock   core.Clock
	Sleeper retry.Sleeper
}

// Client is safe for concurrent reads; order flow should stay on one
// goroutine.
//
// PlaceMarketOrder resubmits when the acknowledgement is missing or
// invalid. Bitfinex v1 has no idempotency key, so a lost acknowledgement
// for an accepted order leads to a duplicate order.
type Client struct {
	*base.Adapter

	creds   *secret.Credentials
	pricing core.Pricing
	refresh bool
	poll    retry.Policy
	http    *transport.Client
	nonce   nonceClock
}

func New(opts Options) (*Client, error) {
	if opts.Credentials == nil {
		return nil, secret.ErrMissingCredentials
	}
	symbol := strings.ToLower(strings.TrimSpace(opts.Symbol))
	if symbol == "" {
		return nil, errors.New("bitfinex: symbol required")
	}
	if err := opts.Pricing.Validate(); err != nil {
		return nil, fmt.Errorf("bitfinex: %w", err)
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	policy := retry.Forever(time.Second)
	if opts.Retry != nil {
		policy = *opts.Retry
	}
	poll := retry.Forever(0)
	if opts.StatusPoll != nil {
		poll = *opts.StatusPoll
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
		Adapter: adapter,
		creds:   opts.Credentials,
		pricing: opts.Pricing,
		refresh: opts.RefreshQuote,
		poll:    poll,
		http:    transport.New(transport.Options{BaseURL: baseURL, Timeout: opts.HTTPTimeout, Logger: adapter.Log}),
	}, nil
}

// PublicCall fetches /v1/{method}/{symbol} once.
func (c *Client) PublicCall(ctx context.Context, method, symbol string, timeout time.Duration) (json.RawMessage, error) {
	path := apiBase + "/" + strings.Trim(method, "/") + "/" + symbol
	raw, err := c.http.Get(ctx, path, timeout)
	if err != nil {
		return nil, rejection(path, err)
	}
	if !json.Valid(raw) {
		c.Log.Error("public call returned malformed json", zap.String("path", path))
		return nil, fmt.Errorf("%w: %s", core.ErrInvalidResponse, path)
	}
	return raw, nil
}

// PrivateCall signs params for path (e.g. "/balances") and posts them with
// an empty body.
func (c *Client) PrivateCall(ctx context.Context, path string, params core.Params, timeout time.Duration) (json.RawMessage, error) {
	request := apiBase + path
	nonce := c.nonce.Next(c.Now())
	payload, err := encodePayload(request, nonce, params)
	if err != nil {
		return nil, fmt.Errorf("bitfinex: encode %s: %w", request, err)
	}
	signature, err := sign(c.creds, payload)
	if err != nil {
		return nil, fmt.Errorf("bitfinex: sign: %w", err)
	}
	headers := map[string]string{
		"X-BFX-APIKEY":    c.creds.APIKey(),
		"X-BFX-SIGNATURE": signature,
		"X-BFX-PAYLOAD":   payload,
	}
	raw, err := c.http.Post(ctx, request, headers, "", timeout)
	if err != nil {
		err = rejection(request, err)
		c.Log.Error("private call failed", zap.String("path", request), zap.Int64("nonce", nonce), zap.Error(err))
		return nil, err
	}
	if !json.Valid(raw) {
		c.Log.Error("private call returned malformed json", zap.String("path", request), zap.Int64("nonce", nonce))
		return nil, fmt.Errorf("%w: %s", core.ErrInvalidResponse, request)
	}
	if msg, ok := messageOf(raw); ok {
		return nil, classifyAPIError(request, http.StatusOK, msg)
	}
	return raw, nil
}

func (c *Client) Quote(ctx context.Context, opts core.QuoteOptions) (core.Quote, error) {
	return c.Adapter.Quote(ctx, opts, c.fetchQuote)
}

func (c *Client) fetchQuote(ctx context.Context, timeout time.Duration) (core.Quote, error) {
	raw, err := c.PublicCall(ctx, "pubticker", c.Symbol(), timeout)
	if err != nil {
		return core.Quote{}, err
	}
	var ticker tickerResponse
	if err := json.Unmarshal(raw, &ticker); err != nil {
		return core.Quote{}, fmt.Errorf("%w: pubticker: %v", core.ErrInvalidResponse, err)
	}
	if ticker.Bid == "" || ticker.Ask == "" || ticker.Timestamp == "" {
		return core.Quote{}, fmt.Errorf("%w: pubticker missing bid, ask or timestamp: %s", core.ErrInvalidResponse, raw)
	}
	bid, err := decimal.NewFromString(ticker.Bid.String())
	if err != nil {
		return core.Quote{}, fmt.Errorf("%w: bid: %v", core.ErrInvalidResponse, err)
	}
	ask, err := decimal.NewFromString(ticker.Ask.String())
	if err != nil {
		return core.Quote{}, fmt.Errorf("%w: ask: %v", core.ErrInvalidResponse, err)
	}
	return c.StampQuote(bid, ask)
}

// Balance keeps the "exchange" wallet only. Bitfinex sends no server time,
// so time_stamp is the local clock in whole seconds.
func (c *Client) Balance(ctx context.Context) (core.Balance, error) {
	return c.balance(ctx, "get_balance")
}

func (c *Client) balance(ctx context.Context, reason string) (core.Balance, error) {
	var entries []balanceEntry
	err := c.Policy("get_balance", nil).Do(ctx, func(ctx context.Context, attempt int) error {
		c.Log.Debug("get balance from server", zap.Int("attempt", attempt))
		raw, err := c.PrivateCall(ctx, "/balances", core.Params{}, c.Timeout())
		if err != nil {
			return err
		}
		entries = nil
		if err := json.Unmarshal(raw, &entries); err != nil {
			c.Log.Warn("fail to get balance", zap.ByteString("answer", raw))
			return fmt.Errorf("%w: balances: %v", core.ErrInvalidResponse, err)
		}
		for _, e := range entries {
			if e.Type == "exchange" && e.Available == "" {
				return fmt.Errorf("%w: balances entry %s without available", core.ErrInvalidResponse, e.Currency)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bitfinex: get balance: %w", err)
	}
	funds := make(map[string]json.Number, len(entries))
	for _, e := range entries {
		if e.Type == "exchange" {
			funds[e.Currency] = e.Available
		}
	}
	bal, err := core.NormalizeFunds(funds, decimal.NewFromInt(c.Now().Unix()))
	if err != nil {
		return nil, fmt.Errorf("bitfinex: get balance: %w", err)
	}
	c.Log.Debug("new balance", zap.String("context", reason), zap.Any("funds", bal))
	return bal, nil
}

// PlaceMarketOrder submits /order/new until acknowledged with an order id,
// polls /order/status until the order is no longer live, then returns the
// fresh balance.
func (c *Client) PlaceMarketOrder(ctx context.Context, order core.OrderRequest) (core.Balance, error) {
	params := core.Params{
		"symbol":   order.Symbol,
		"amount":   order.AmountString(),
		"price":    order.PriceString(),
		"exchange": "bitfinex",
		"side":     string(order.Side),
		"type":     orderType,
	}
	log := c.Log.With(zap.String("correlation_id", uuid.NewString()))
	var ack orderResponse
	err := c.Policy("place_market_order", log).Do(ctx, func(ctx context.Context, attempt int) error {
		log.Info("submit market order",
			zap.Int("attempt", attempt),
			zap.String("side", string(order.Side)),
			zap.String("price", order.PriceString()),
			zap.String("amount", order.AmountString()),
		)
		raw, err := c.PrivateCall(ctx, "/order/new", params, c.Timeout())
		if err != nil {
			return err
		}
		log.Info("receive market order answer", zap.ByteString("answer", raw))
		ack = orderResponse{}
		if err := json.Unmarshal(raw, &ack); err != nil || ack.OrderID == nil {
			c.Critical(log, "order_answer_invalid", "invalid answer for order, place order again", map[string]string{
				"answer": string(raw),
				"side":   string(order.Side),
			})
			return fmt.Errorf("%w: order/new without order_id", core.ErrInvalidResponse)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bitfinex: place %s order: %w", order.Side, err)
	}
	orderID := *ack.OrderID
	log = log.With(zap.Int64("order_id", orderID))
	if ack.IsLive == nil || *ack.IsLive {
		if err := c.awaitFill(ctx, orderID, log); err != nil {
			return nil, fmt.Errorf("bitfinex: place %s order: %w", order.Side, err)
		}
	}
	log.Info("market order was filled")
	return c.balance(ctx, "place_market_order")
}

func (c *Client) awaitFill(ctx context.Context, orderID int64, log *zap.Logger) error {
	return c.WirePoll(c.poll, "order_status", log, errOrderLive).Do(ctx, func(ctx context.Context, attempt int) error {
		raw, err := c.PrivateCall(ctx, "/order/status", core.Params{"order_id": orderID}, c.Timeout())
		if err != nil {
			return err
		}
		var status orderStatus
		if err := json.Unmarshal(raw, &status); err != nil || status.IsLive == nil {
			return fmt.Errorf("%w: order/status: %s", core.ErrInvalidResponse, raw)
		}
		if *status.IsLive {
			return errOrderLive
		}
		log.Debug("order no longer live",
			zap.Int("polls", attempt),
			zap.String("executed_amount", status.ExecutedAmount.String()),
			zap.String("avg_execution_price", status.AvgPrice.String()),
		)
		return nil
	})
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
