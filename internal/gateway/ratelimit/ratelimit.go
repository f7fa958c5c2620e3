// Package ratelimit decides per-client admission with a sliding window log.
//
// Every admitted request leaves a timestamp in its client's window. A request
// is admitted when fewer than Quota timestamps are younger than Window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrAdmissionDenied marks a request rejected by the limiter
var ErrAdmissionDenied = errors.New("rate limit exceeded")

// Decision is the outcome of one admission check
type Decision struct {
	Allowed bool
	// Limit is the quota in force; zero when limiting is disabled
	Limit     int
	Remaining int
	// RetryAfter is how long until the oldest timestamp leaves the window.
	// Only set on denial.
	RetryAfter time.Duration
	// ResetAt is when the oldest timestamp leaves the window
	ResetAt time.Time
}

// DeniedError carries the decision of a denied request
type DeniedError struct {
	Decision Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.Decision.RetryAfter)
}

func (e *DeniedError) Unwrap() error { return ErrAdmissionDenied }

// Store holds the per-client windows. Admit must evaluate and record
// atomically per key.
type Store interface {
	Admit(ctx context.Context, key string, now time.Time, window time.Duration, quota int) (Decision, error)
}

// Options configures a Limiter
type Options struct {
	Enabled bool
	Quota   int
	Window  time.Duration
	Logger  *slog.Logger
	// Now defaults to time.Now
	Now func() time.Time
}

// Limiter is the admission gate consulted before any upstream work
type Limiter struct {
	store   Store
	enabled bool
	quota   int
	window  time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a limiter over store
func New(store Store, opts Options) *Limiter {
	l := &Limiter{
		store:   store,
		enabled: opts.Enabled,
		quota:   opts.Quota,
		window:  opts.Window,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Admit checks and records one request for clientKey. A store failure
// admits the request and is logged.
func (l *Limiter) Admit(ctx context.Context, clientKey string) Decision {
	if l == nil || !l.enabled {
		return Decision{Allowed: true}
	}

	d, err := l.store.Admit(ctx, clientKey, l.now(), l.window, l.quota)
	if err != nil {
		l.logger.Error("rate limit check failed, admitting", "client", clientKey, "error", err)
		return Decision{Allowed: true, Limit: l.quota, Remaining: l.quota}
	}
	return d
}
