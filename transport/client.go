package transport

import (
	"bytes"
	"context"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// RetryConfig shapes the backoff schedule for throttled and transient errors.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultRetryConfig mirrors the documented defaults: 5 attempts, 1s initial
// delay doubling up to 60s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
	}
}

// Client is the production Transport: sliding-window admission, then the
// request, then classification into success / throttled / transient /
// non-retryable.
type Client struct {
	httpClient *http.Client
	limiter    *Limiter
	retry      RetryConfig

	mu       sync.Mutex
	failures int
	rand     *rand.Rand

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewClient builds a rate-limited client. timeout applies per HTTP call, not
// per cycle.
func NewClient(limiter *Limiter, retry RetryConfig, timeout time.Duration) *Client {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	if retry.Multiplier < 1 {
		retry.Multiplier = 2.0
	}
	if retry.InitialDelay <= 0 {
		retry.InitialDelay = time.Second
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = time.Minute
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		retry:      retry,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
		now:        time.Now,
		sleep:      sleepContext,
	}
}

// Send performs the request with admission control and retries. 429 responses
// honor Retry-After exactly when present; 5xx and connection errors follow
// the exponential schedule; other 4xx fail immediately as *HTTPError.
func (c *Client) Send(ctx context.Context, method, url string, headers map[string]string, body []byte) (*Response, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := c.do(ctx, method, url, headers, body)
		if err != nil {
			// Connection-level failure: transient
			lastErr = err
			c.recordFailure()
			log.WithFields(log.Fields{"url": url, "attempt": attempt, "error": err}).Warn("request failed, will retry")
			if attempt == c.retry.MaxAttempts {
				break
			}
			if err := c.sleep(ctx, c.Backoff(attempt)); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case resp.StatusCode < 300:
			c.resetFailures()
			return resp, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			delay, explicit := retryAfter(resp.Header, c.now())
			if !explicit {
				delay = c.Backoff(attempt)
			}
			lastErr = &HTTPError{StatusCode: resp.StatusCode, URL: url, Body: truncate(resp.Body)}
			c.recordFailure()
			log.WithFields(log.Fields{"url": url, "attempt": attempt, "delay": delay.String()}).Warn("throttled by upstream")
			if attempt == c.retry.MaxAttempts {
				break
			}
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue

		case resp.StatusCode >= 500:
			lastErr = &HTTPError{StatusCode: resp.StatusCode, URL: url, Body: truncate(resp.Body)}
			c.recordFailure()
			log.WithFields(log.Fields{"url": url, "attempt": attempt, "status": resp.StatusCode}).Warn("server error, will retry")
			if attempt == c.retry.MaxAttempts {
				break
			}
			if err := c.sleep(ctx, c.Backoff(attempt)); err != nil {
				return nil, err
			}
			continue

		default:
			// 4xx other than 429: the request itself is wrong, retrying
			// cannot help.
			return nil, &HTTPError{StatusCode: resp.StatusCode, URL: url, Body: truncate(resp.Body)}
		}
		break
	}

	return nil, &RetryExhaustedError{Attempts: c.retry.MaxAttempts, Err: lastErr}
}

func (c *Client) do(ctx context.Context, method, url string, headers map[string]string, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: payload}, nil
}

// Backoff computes the delay before retrying attempt+1:
// min(maxDelay, initialDelay * multiplier^(attempt-1)), optionally jittered
// by ±20% uniformly.
func (c *Client) Backoff(attempt int) time.Duration {
	d := float64(c.retry.InitialDelay) * math.Pow(c.retry.Multiplier, float64(attempt-1))
	if d > float64(c.retry.MaxDelay) {
		d = float64(c.retry.MaxDelay)
	}
	if c.retry.Jitter {
		c.mu.Lock()
		factor := 0.8 + 0.4*c.rand.Float64()
		c.mu.Unlock()
		d *= factor
	}
	return time.Duration(d)
}

// ConsecutiveFailures reports the current failure streak. A success resets it
// but never touches the sliding window.
func (c *Client) ConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	c.failures++
	c.mu.Unlock()
}

func (c *Client) resetFailures() {
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
}

// retryAfter parses a Retry-After header as delta-seconds or an HTTP-date.
func retryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

func truncate(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
