package btce

import (
	"crypto/sha512"
	"fmt"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"

	"coinbridge/internal/core"
	"coinbridge/internal/secret"
)

// encodeRequest builds the form body: params plus method and nonce.
func encodeRequest(method string, nonce int64, params core.Params) string {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, formatParam(v))
	}
	values.Set("method", method)
	values.Set("nonce", strconv.FormatInt(nonce, 10))
	return values.Encode()
}

func formatParam(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case decimal.Decimal:
		return t.String()
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	default:
		return fmt.Sprint(t)
	}
}

// sign is the hex HMAC-SHA512 of the encoded body.
func sign(creds *secret.Credentials, body string) (string, error) {
	return creds.HexMAC(sha512.New, []byte(body))
}
