package providers

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// MockProvider streams a canned echo of the prompt word by word. It is
// selected when no remote backend is configured.
type MockProvider struct {
	delay     time.Duration
	failAfter int
}

// MockOption configures a MockProvider
type MockOption func(*MockProvider)

// WithFailAfter makes every stream break with ErrUpstreamStream after n
// fragments have been produced
func WithFailAfter(n int) MockOption {
	return func(m *MockProvider) { m.failAfter = n }
}

// NewMockProvider creates a mock provider that waits delay before each fragment
func NewMockProvider(delay time.Duration, opts ...MockOption) *MockProvider {
	m := &MockProvider{delay: delay, failAfter: -1}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MockFragments returns the fragments the mock provider produces for prompt
func MockFragments(prompt string) []string {
	text := fmt.Sprintf("Echo: %s\nThis is a simulated streaming response.", prompt)
	words := strings.Fields(text)
	fragments := make([]string, len(words))
	for i, w := range words {
		fragments[i] = w + " "
	}
	return fragments
}

// Generate returns a stream over MockFragments(prompt)
func (m *MockProvider) Generate(ctx context.Context, prompt string) (FragmentStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: mock: %w", ErrUpstreamUnavailable, err)
	}
	return &mockStream{
		ctx:       ctx,
		fragments: MockFragments(prompt),
		delay:     m.delay,
		failAfter: m.failAfter,
		done:      make(chan struct{}),
	}, nil
}

func (m *MockProvider) Name() string {
	return "mock"
}

type mockStream struct {
	ctx       context.Context
	fragments []string
	next      int
	delay     time.Duration
	failAfter int

	closeOnce sync.Once
	done      chan struct{}
}

func (s *mockStream) Recv() (string, error) {
	select {
	case <-s.done:
		return "", ErrStreamClosed
	default:
	}

	if s.failAfter >= 0 && s.next >= s.failAfter {
		return "", fmt.Errorf("%w: mock: injected failure after %d fragments", ErrUpstreamStream, s.next)
	}
	if s.next >= len(s.fragments) {
		return "", io.EOF
	}

	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		case <-s.done:
			return "", ErrStreamClosed
		case <-timer.C:
		}
	} else if err := s.ctx.Err(); err != nil {
		return "", err
	}

	frag := s.fragments[s.next]
	s.next++
	return frag, nil
}

func (s *mockStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
