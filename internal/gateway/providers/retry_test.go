package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/logging"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{Backoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond}
	got := []time.Duration{p.delay(1), p.delay(2), p.delay(3), p.delay(10)}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delay(%d)=%s want %s", i+1, got[i], want[i])
		}
	}
}

func TestOpenWithRetry_BoundedAttempts(t *testing.T) {
	calls := 0
	policy := RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}
	_, err := openWithRetry(context.Background(), policy, logging.Discard(), "test", func(context.Context) (FragmentStream, error) {
		calls++
		return nil, &statusError{provider: "test", code: http.StatusServiceUnavailable}
	})
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("err=%v", err)
	}
	if calls != 3 {
		t.Fatalf("calls=%d", calls)
	}
}

func TestOpenWithRetry_SucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	policy := RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}
	s, err := openWithRetry(context.Background(), policy, logging.Discard(), "test", func(ctx context.Context) (FragmentStream, error) {
		calls++
		if calls == 1 {
			return nil, fmt.Errorf("connection refused")
		}
		return NewMockProvider(0).Generate(ctx, "x")
	})
	if err != nil || s == nil {
		t.Fatalf("s=%v err=%v", s, err)
	}
	if calls != 2 {
		t.Fatalf("calls=%d", calls)
	}
}

func TestOpenWithRetry_ClientErrorIsFinal(t *testing.T) {
	calls := 0
	policy := RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}
	_, err := openWithRetry(context.Background(), policy, logging.Discard(), "test", func(context.Context) (FragmentStream, error) {
		calls++
		return nil, &statusError{provider: "test", code: http.StatusUnauthorized}
	})
	if !errors.Is(err, ErrUpstreamUnavailable) || calls != 1 {
		t.Fatalf("calls=%d err=%v", calls, err)
	}
}

func TestOpenWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	policy := RetryPolicy{MaxAttempts: 5, Backoff: time.Hour}
	_, err := openWithRetry(ctx, policy, logging.Discard(), "test", func(context.Context) (FragmentStream, error) {
		calls++
		cancel()
		return nil, fmt.Errorf("reset by peer")
	})
	if !errors.Is(err, ErrUpstreamUnavailable) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
	if calls != 1 {
		t.Fatalf("calls=%d", calls)
	}
}
