package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestBackoffGrowsLinearlyAndCaps(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Interval: 2 * time.Second, MaxInterval: 5 * time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
		{4, 5 * time.Second},
		{0, 2 * time.Second},
	}
	for _, c := range cases {
		if got := p.Backoff(c.attempt); got != c.want {
			t.Fatalf("Backoff(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestDoRetriesOnRetryableStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	policy := RetryPolicy{MaxAttempts: 3, Interval: time.Millisecond, MaxInterval: time.Millisecond}
	resp, err := Do(context.Background(), policy, func() (*http.Response, error) {
		return http.Get(srv.URL)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("server called %d times, want 3", got)
	}
}

func TestDoStopsOnNonRetryableStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	policy := RetryPolicy{MaxAttempts: 3, Interval: time.Millisecond, MaxInterval: time.Millisecond}
	resp, err := Do(context.Background(), policy, func() (*http.Response, error) {
		return http.Get(srv.URL)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("server called %d times, want 1", got)
	}
}

func TestDoReturnsNetworkErrorAfterAllAttempts(t *testing.T) {
	var calls int32
	policy := RetryPolicy{MaxAttempts: 3, Interval: time.Millisecond, MaxInterval: time.Millisecond}
	wantErr := errors.New("connection refused")
	_, err := Do(context.Background(), policy, func() (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want %v", err, wantErr)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("fn called %d times, want 3", got)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	policy := RetryPolicy{MaxAttempts: 3, Interval: time.Minute, MaxInterval: time.Minute}
	_, err := Do(ctx, policy, func() (*http.Response, error) {
		return nil, errors.New("boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}
