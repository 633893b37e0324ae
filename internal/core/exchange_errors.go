package core

import "errors"

var (
	// ErrTransport indicates the request never produced a usable HTTP response.
	ErrTransport = errors.New("transport failure")
	// ErrInvalidResponse indicates the response could not be decoded or lacked expected fields.
	ErrInvalidResponse = errors.New("invalid response")
	// ErrNoQuote indicates no quote data is available.
	ErrNoQuote = errors.New("no quote available")
	// ErrCrossedQuote indicates a ticker reported bid above ask.
	ErrCrossedQuote = errors.New("crossed quote")
	// ErrInsufficientBalance indicates the exchange rejected the action due to insufficient funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrAuth indicates the exchange rejected the credentials or signature.
	ErrAuth = errors.New("authentication rejected")
	// ErrInvalidNonce indicates the exchange rejected the request nonce.
	ErrInvalidNonce = errors.New("invalid nonce")
	// ErrOrderRejected indicates the order was rejected by exchange.
	ErrOrderRejected = errors.New("order rejected")
)
