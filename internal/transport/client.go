// Package transport performs single HTTP round trips for exchange adapters.
// It never retries; callers decide what a failure means.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"coinbridge/internal/core"
)

// StatusError carries a non-2xx response so callers can inspect the
// exchange's error body.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Status, strings.TrimSpace(string(e.Body)))
}

func (e *StatusError) Unwrap() error { return core.ErrTransport }

func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if !errors.As(err, &se) {
		return nil, false
	}
	return se, true
}

type Options struct {
	BaseURL string
	// Timeout applies to a call made with a zero timeout.
	Timeout   time.Duration
	UserAgent string
	Logger    *zap.Logger
}

type Client struct {
	rc      *resty.Client
	timeout time.Duration
	log     *zap.Logger
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTransport(&http.Transport{
			Proxy:             http.ProxyFromEnvironment,
			DisableKeepAlives: true,
		}).
		SetRetryCount(0)
	if opts.UserAgent != "" {
		rc.SetHeader("User-Agent", opts.UserAgent)
	}
	return &Client{rc: rc, timeout: timeout, log: log}
}

// Get fetches path without authentication.
func (c *Client) Get(ctx context.Context, path string, timeout time.Duration) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil, "", timeout)
}

// Post sends body with headers. An empty body sends no payload.
func (c *Client) Post(ctx context.Context, path string, headers map[string]string, body string, timeout time.Duration) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, headers, body, timeout)
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, body string, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := c.rc.R().SetContext(ctx).SetHeaders(headers)
	if body != "" {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		c.log.Error("http request failed",
			zap.String("event", "transport_failure"),
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %s %s: %v", core.ErrTransport, method, path, err)
	}
	if resp.IsError() || resp.StatusCode()/100 != 2 {
		statusErr := &StatusError{Status: resp.StatusCode(), Body: resp.Body()}
		c.log.Error("http request rejected",
			zap.String("event", "transport_status"),
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode()),
			zap.ByteString("body", truncate(resp.Body(), 512)),
		)
		return resp.Body(), statusErr
	}
	return resp.Body(), nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
