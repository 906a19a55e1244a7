package providers

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Jitter: 0}
}

func TestRetryDoEventualSuccess(t *testing.T) {
	attempts := 0
	got, err := RetryDo(context.Background(), fastRetry(), func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", &HTTPError{Status: 503, Body: "overloaded"}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" || attempts != 3 {
		t.Errorf("got %q after %d attempts, want ok after 3", got, attempts)
	}
}

func TestRetryDoAuthErrorNoRetry(t *testing.T) {
	attempts := 0
	_, err := RetryDo(context.Background(), fastRetry(), func() (string, error) {
		attempts++
		return "", &HTTPError{Status: 401, Body: "invalid key"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (401 must not be retried)", attempts)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || !httpErr.AuthFailure() {
		t.Errorf("error should surface as auth failure, got %v", err)
	}
}

func TestRetryDoNonRetryableStatus(t *testing.T) {
	attempts := 0
	_, err := RetryDo(context.Background(), fastRetry(), func() (int, error) {
		attempts++
		return 0, &HTTPError{Status: 400, Body: "bad request"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (400 must not be retried)", attempts)
	}
}

func TestRetryDoExhaustion(t *testing.T) {
	attempts := 0
	_, err := RetryDo(context.Background(), fastRetry(), func() (int, error) {
		attempts++
		return 0, &HTTPError{Status: 429}
	})
	if err == nil {
		t.Fatal("expected final error")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryDoContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RetryDo(ctx, fastRetry(), func() (int, error) {
		return 0, &HTTPError{Status: 503}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := ParseRetryAfter("7"); got != 7*time.Second {
		t.Errorf("seconds form = %v, want 7s", got)
	}
	if got := ParseRetryAfter(""); got != 0 {
		t.Errorf("empty = %v, want 0", got)
	}
	if got := ParseRetryAfter("garbage"); got != 0 {
		t.Errorf("garbage = %v, want 0", got)
	}
	future := time.Now().Add(30 * time.Second).UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
	if got := ParseRetryAfter(future); got <= 0 || got > 30*time.Second {
		t.Errorf("http-date form = %v, want within (0, 30s]", got)
	}
}

func TestBackoffDelayCap(t *testing.T) {
	cfg := RetryConfig{InitialDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: 0}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(cfg, tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
