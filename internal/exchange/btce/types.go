package btce

import "encoding/json"

type tapiResponse struct {
	Success int             `json:"success"`
	Error   string          `json:"error"`
	Return  json.RawMessage `json:"return"`
}

type infoReturn struct {
	Funds      map[string]json.Number `json:"funds"`
	ServerTime json.Number            `json:"server_time"`
}

type tradeReturn struct {
	Received json.Number            `json:"received"`
	Remains  json.Number            `json:"remains"`
	OrderID  int64                  `json:"order_id"`
	Funds    map[string]json.Number `json:"funds"`
}

type tickerResponse map[string]struct {
	High    json.Number `json:"high"`
	Low     json.Number `json:"low"`
	Last    json.Number `json:"last"`
	Buy     json.Number `json:"buy"`
	Sell    json.Number `json:"sell"`
	Updated int64       `json:"updated"`
}
