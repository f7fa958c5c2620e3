package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

// RetryPolicy bounds how often a stream open is attempted
type RetryPolicy struct {
	// MaxAttempts includes the first attempt
	MaxAttempts int
	// Backoff is the sleep before the first retry; it doubles per retry
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultRetryPolicy tries three times, sleeping 0.5s then 1s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: 500 * time.Millisecond, MaxBackoff: 4 * time.Second}
}

func (p RetryPolicy) delay(retry int) time.Duration {
	d := p.Backoff << (retry - 1)
	if p.MaxBackoff > 0 && (d > p.MaxBackoff || d <= 0) {
		d = p.MaxBackoff
	}
	return d
}

// statusError is a non-200 response from a provider's HTTP API
type statusError struct {
	provider string
	code     int
	body     string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.provider, e.code, e.body)
}

// isRetryable reports whether an open failure may succeed on another attempt.
// Client errors other than 408 and 429 are final.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	code := 0
	var se *statusError
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &se):
		code = se.code
	case errors.As(err, &apiErr):
		code = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		code = reqErr.HTTPStatusCode
	}
	if code >= 400 && code < 500 {
		return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
	}
	return true
}

// openWithRetry runs open until it succeeds, fails with a final error, or
// the policy's attempts are used up. Every failure is reported as
// ErrUpstreamUnavailable.
func openWithRetry(ctx context.Context, policy RetryPolicy, logger *slog.Logger, provider string, open func(context.Context) (FragmentStream, error)) (FragmentStream, error) {
	attempts := max(policy.MaxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(policy.delay(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, provider, ctx.Err())
			case <-timer.C:
			}
		}

		stream, err := open(ctx)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
		logger.Warn("provider stream open failed",
			"provider", provider,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, provider, lastErr)
}
