package httpx

import (
	"context"
	"io"
	"net/http"
	"time"
)

// retryableStatuses are the provider responses worth another attempt.
// Everything else is returned to the caller as-is.
var retryableStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// RetryPolicy bounds retries with a linearly growing backoff:
// attempt n sleeps min(Interval*n, MaxInterval) before running.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
	MaxInterval time.Duration
}

// DefaultRetryPolicy matches the provider-call budget: three attempts,
// 2s/4s pauses.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Interval:    2 * time.Second,
		MaxInterval: 10 * time.Second,
	}
}

// Backoff returns the pause before the given 1-based retry attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Interval * time.Duration(attempt)
	if p.MaxInterval > 0 && d > p.MaxInterval {
		return p.MaxInterval
	}
	return d
}

// IsRetryableStatus reports whether an HTTP status merits a retry.
func IsRetryableStatus(status int) bool {
	return retryableStatuses[status]
}

// Do runs fn up to MaxAttempts times. Network errors and retryable
// statuses trigger another attempt after the linear backoff; any other
// response is returned immediately. Bodies of discarded responses are
// drained and closed so connections get reused.
func Do(ctx context.Context, policy RetryPolicy, fn func() (*http.Response, error)) (*http.Response, error) {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var resp *http.Response
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if sleepErr := sleep(ctx, policy.Backoff(attempt-1)); sleepErr != nil {
				return nil, sleepErr
			}
		}

		resp, err = fn()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if !IsRetryableStatus(resp.StatusCode) || attempt == attempts {
			return resp, nil
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
