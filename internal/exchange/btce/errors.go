package btce

import (
	"errors"
	"strings"

	"coinbridge/internal/core"
	"coinbridge/internal/retry"
)

// APIError is a business rejection reported in the "error" field of a
// trade API answer.
type APIError struct {
	Method string
	Msg    string
}

func (e APIError) Error() string {
	if e.Method == "" {
		return "btce api error: " + e.Msg
	}
	return "btce api error (" + e.Method + "): " + e.Msg
}

type errorKind struct {
	fragment string
	kind     error
	terminal bool
}

// Matched against the lower-cased message, first match wins.
var apiErrorKinds = []errorKind{
	{"invalid nonce", core.ErrInvalidNonce, false},
	{"it is not enough", core.ErrInsufficientBalance, true},
	{"insufficient funds", core.ErrInsufficientBalance, true},
	{"invalid api key", core.ErrAuth, true},
	{"invalid sign", core.ErrAuth, true},
	{"api key dont have", core.ErrAuth, true},
	{"invalid pair", core.ErrOrderRejected, true},
	{"value amount must be", core.ErrOrderRejected, true},
	{"value rate must be", core.ErrOrderRejected, true},
	{"invalid parameter", core.ErrOrderRejected, true},
}

// classifyAPIError joins the APIError with its kind. Terminal kinds are
// marked permanent so retry loops stop on them.
func classifyAPIError(method, msg string) error {
	apiErr := APIError{Method: method, Msg: msg}
	normalized := strings.ToLower(strings.TrimSpace(msg))
	for _, k := range apiErrorKinds {
		if !strings.Contains(normalized, k.fragment) {
			continue
		}
		err := errors.Join(apiErr, k.kind)
		if k.terminal {
			return retry.Permanent(err)
		}
		return err
	}
	return apiErr
}

func AsAPIError(err error) (APIError, bool) {
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}
