package bitfinex

import (
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"coinbridge/internal/core"
	"coinbridge/internal/secret"
)

// nonceClock derives nonces from the clock in microseconds and never hands
// out the same value twice, even when the clock stalls or steps back.
type nonceClock struct {
	mu   sync.Mutex
	last int64
}

func (n *nonceClock) Next(now time.Time) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	v := now.UnixMicro()
	if v <= n.last {
		v = n.last + 1
	}
	n.last = v
	return v
}

// encodePayload adds request and nonce to params and returns the base64
// JSON payload sent in X-BFX-PAYLOAD.
func encodePayload(request string, nonce int64, params core.Params) (string, error) {
	body := make(map[string]any, len(params)+2)
	for k, v := range params {
		body[k] = v
	}
	body["request"] = request
	body["nonce"] = strconv.FormatInt(nonce, 10)
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// sign is the hex HMAC-SHA384 of the base64 payload.
func sign(creds *secret.Credentials, payload string) (string, error) {
	return creds.HexMAC(sha512.New384, []byte(payload))
}
