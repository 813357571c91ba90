package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(retry RetryConfig) (*Client, *[]time.Duration) {
	c := NewClient(NewLimiter(0), retry, 5*time.Second)
	var naps []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		naps = append(naps, d)
		return nil
	}
	return c, &naps
}

func TestBackoffSchedule(t *testing.T) {
	c, _ := newTestClient(RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
	})

	assert.Equal(t, time.Second, c.Backoff(1))
	assert.Equal(t, 2*time.Second, c.Backoff(2))
	assert.Equal(t, 4*time.Second, c.Backoff(3))
	assert.Equal(t, 8*time.Second, c.Backoff(4))
	// Capped at the max delay
	assert.Equal(t, time.Minute, c.Backoff(10))
}

func TestBackoffJitterStaysWithinBounds(t *testing.T) {
	c, _ := newTestClient(RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
		Jitter:       true,
	})

	for i := 0; i < 200; i++ {
		d := c.Backoff(1)
		assert.GreaterOrEqual(t, d, 8*time.Second)
		assert.LessOrEqual(t, d, 12*time.Second)
	}
}

func TestSendSuccessResetsFailureStreak(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(DefaultRetryConfig())

	resp, err := c.Send(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, c.ConsecutiveFailures())
}

func TestSendHonorsRetryAfterSeconds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	c, naps := newTestClient(DefaultRetryConfig())

	_, err := c.Send(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.NoError(t, err)
	require.Len(t, *naps, 1)
	assert.Equal(t, 5*time.Second, (*naps)[0])
}

func TestSendThrottledWithoutHeaderUsesBackoff(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	c, naps := newTestClient(RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
	})

	_, err := c.Send(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.NoError(t, err)
	require.Len(t, *naps, 1)
	assert.Equal(t, 2*time.Second, (*naps)[0])
}

func TestSendClientErrorFailsImmediately(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":"ResourceNotFound"}}`)
	}))
	defer srv.Close()

	c, naps := newTestClient(DefaultRetryConfig())

	_, err := c.Send(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.Error(t, err)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Empty(t, *naps)
}

func TestSendExhaustsRetryBudget(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := newTestClient(RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
	})

	_, err := c.Send(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.Error(t, err)

	var exhausted *RetryExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 3, c.ConsecutiveFailures())
}

func TestRetryAfterParsesBothForms(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	h := http.Header{}
	h.Set("Retry-After", "30")
	d, ok := retryAfter(h, now)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	h.Set("Retry-After", now.Add(90*time.Second).UTC().Format(http.TimeFormat))
	d, ok = retryAfter(h, now)
	assert.True(t, ok)
	assert.Equal(t, 90*time.Second, d)

	h.Del("Retry-After")
	_, ok = retryAfter(h, now)
	assert.False(t, ok)
}
