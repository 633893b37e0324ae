package bitfinex

import (
	"encoding/json"
	"errors"
	"strings"

	"coinbridge/internal/core"
	"coinbridge/internal/retry"
	"coinbridge/internal/transport"
)

// APIError is a rejection carried in a {"message": ...} body.
type APIError struct {
	Path   string
	Status int
	Msg    string
}

func (e APIError) Error() string {
	return "bitfinex api error (" + e.Path + "): " + e.Msg
}

type errorKind struct {
	fragment string
	kind     error
	terminal bool
}

// Matched against the lower-cased message, first match wins.
var apiErrorKinds = []errorKind{
	{"nonce", core.ErrInvalidNonce, false},
	{"not enough", core.ErrInsufficientBalance, true},
	{"insufficient", core.ErrInsufficientBalance, true},
	{"could not find a key", core.ErrAuth, true},
	{"x-bfx-signature", core.ErrAuth, true},
	{"invalid api key", core.ErrAuth, true},
	{"invalid order", core.ErrOrderRejected, true},
	{"unknown symbol", core.ErrOrderRejected, true},
	{"minimum size", core.ErrOrderRejected, true},
}

func classifyAPIError(path string, status int, msg string) error {
	apiErr := APIError{Path: path, Status: status, Msg: msg}
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

// messageOf returns the "message" of an error body, if any.
func messageOf(body []byte) (string, bool) {
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Message == "" {
		return "", false
	}
	return resp.Message, true
}

// rejection converts a transport failure with an error body into a
// classified APIError; other errors pass through.
func rejection(path string, err error) error {
	se, ok := transport.AsStatusError(err)
	if !ok {
		return err
	}
	msg, ok := messageOf(se.Body)
	if !ok {
		return err
	}
	return errors.Join(classifyAPIError(path, se.Status, msg), err)
}

func AsAPIError(err error) (APIError, bool) {
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}
