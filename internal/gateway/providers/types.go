package providers

import (
	"context"
	"errors"
)

var (
	// ErrUpstreamUnavailable means the provider stream could not be opened
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamStream means the provider stream broke after it was opened
	ErrUpstreamStream = errors.New("upstream stream error")
	// ErrStreamClosed is returned by Recv after Close
	ErrStreamClosed = errors.New("stream closed")
)

// FragmentStream yields generated text fragments in order.
//
// Recv returns io.EOF once the provider finished normally. Close releases the
// upstream connection and may be called at any point, more than once.
type FragmentStream interface {
	Recv() (string, error)
	Close() error
}

// Provider is the interface all text generation backends implement
type Provider interface {
	// Generate opens a fragment stream for prompt. Cancelling ctx aborts
	// both the open and any pending Recv.
	Generate(ctx context.Context, prompt string) (FragmentStream, error)
	Name() string
}
