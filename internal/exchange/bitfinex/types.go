package bitfinex

import "encoding/json"

type tickerResponse struct {
	Mid       json.Number `json:"mid"`
	Bid       json.Number `json:"bid"`
	Ask       json.Number `json:"ask"`
	LastPrice json.Number `json:"last_price"`
	Timestamp json.Number `json:"timestamp"`
}

type balanceEntry struct {
	Type      string      `json:"type"`
	Currency  string      `json:"currency"`
	Amount    json.Number `json:"amount"`
	Available json.Number `json:"available"`
}

type orderResponse struct {
	OrderID         *int64      `json:"order_id"`
	IsLive          *bool       `json:"is_live"`
	ExecutedAmount  json.Number `json:"executed_amount"`
	RemainingAmount json.Number `json:"remaining_amount"`
}

type orderStatus struct {
	ID              int64       `json:"id"`
	IsLive          *bool       `json:"is_live"`
	IsCancelled     bool        `json:"is_cancelled"`
	AvgPrice        json.Number `json:"avg_execution_price"`
	ExecutedAmount  json.Number `json:"executed_amount"`
	RemainingAmount json.Number `json:"remaining_amount"`
}

type errorResponse struct {
	Message string `json:"message"`
}
