package azmanagers

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestRetryableStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   bool
	}{
		{http.StatusConflict, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusNotFound, false},
		{http.StatusBadRequest, false},
	}
	for _, c := range cases {
		err := &StatusError{Status: c.status}
		if got := retryable(err); got != c.want {
			t.Errorf("retryable(status=%d) = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), 3, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return &StatusError{Status: http.StatusTooManyRequests, RetryAfter: 0}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithRetry returned %v, want nil", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestWithRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), 3, func(ctx context.Context) error {
		attempts++
		return &StatusError{Status: http.StatusBadRequest}
	})
	if err == nil {
		t.Fatal("WithRetry returned nil, want an error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (non-retryable should not retry)", attempts)
	}
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), 2, func(ctx context.Context) error {
		attempts++
		return &StatusError{Status: http.StatusInternalServerError}
	})
	if err == nil {
		t.Fatal("WithRetry returned nil, want an error")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (n+1)", attempts)
	}
}

func TestBackoffForHonorsRetryAfter(t *testing.T) {
	d := backoffFor(1, 3)
	if d < 3*time.Second || d >= 4*time.Second {
		t.Errorf("backoffFor(1, 3) = %s, want in [3s, 4s)", d)
	}
}

func TestBackoffForCapsAt256Seconds(t *testing.T) {
	d := backoffFor(20, 0)
	if d < 256*time.Second || d >= 257*time.Second {
		t.Errorf("backoffFor(20, 0) = %s, want in [256s, 257s)", d)
	}
}

func TestRetryAfterFromHeaderParsesInteger(t *testing.T) {
	h := http.Header{"Retry-After": []string{"7"}}
	if got := RetryAfterFromHeader(h); got != 7 {
		t.Errorf("RetryAfterFromHeader = %d, want 7", got)
	}
	if got := RetryAfterFromHeader(http.Header{}); got != 0 {
		t.Errorf("RetryAfterFromHeader(empty) = %d, want 0", got)
	}
}
