// Package httpclient wraps net/http with the orchestrator's retry policy: a
// fixed backoff between attempts and no retry on 4xx.
package httpclient

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client retries a request, whatever its method, on transient failure:
// once by default, or as many times as WithMaxRetries sets.
type Client struct {
	http       *http.Client
	maxRetries int
	backoff    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client (e.g. for timeout or
// custom transport/TLS settings).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMaxRetries overrides the retry count.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithBackoff overrides the fixed retry delay.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

// New builds a Client with the default single-retry policy.
func New(opts ...Option) *Client {
	c := &Client{
		http:       &http.Client{Timeout: 120 * time.Second},
		maxRetries: 1,
		backoff:    500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes req, retrying up to maxRetries times on network errors or 5xx
// responses. 4xx responses are returned immediately without retry.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("httpclient: read request body: %w", err)
		}
		req.Body.Close()
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if attempt < c.maxRetries {
				c.waitAndLog(req, attempt, err)
				continue
			}
			return nil, err
		}

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return resp, nil // never retry on 4xx
		}
		if resp.StatusCode >= 500 && attempt < c.maxRetries {
			resp.Body.Close()
			lastErr = fmt.Errorf("httpclient: upstream status %d", resp.StatusCode)
			c.waitAndLog(req, attempt, lastErr)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func (c *Client) waitAndLog(req *http.Request, attempt int, err error) {
	slog.Warn("httpclient: retrying transient failure",
		"url", req.URL.String(), "attempt", attempt+1, "error", err)
	time.Sleep(c.backoff)
}
