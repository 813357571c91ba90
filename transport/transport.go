// Package transport wraps outbound HTTP calls with sliding-window rate
// limiting and retry/backoff. One Client is shared by every endpoint so they
// draw from a single rate budget.
package transport

import (
	"context"
	"fmt"
	"net/http"
)

// Response is the decoded outcome of a successful call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport sends one HTTP request. Implemented by the rate-limited client
// and by the synthetic API double, so orchestration never sees the network.
type Transport interface {
	Send(ctx context.Context, method, url string, headers map[string]string, body []byte) (*Response, error)
}

// HTTPError is a non-retryable client error (4xx other than 429). It aborts
// the current page and cycle immediately.
type HTTPError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("request to %s failed with status %d: %s", e.URL, e.StatusCode, e.Body)
}

// RetryExhaustedError reports that the attempt budget was consumed. It wraps
// the last error seen.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }
