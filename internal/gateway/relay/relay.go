// Package relay forwards a provider's fragment stream to one client while
// accumulating the text that reached it.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mrmushfiq/llm0-stream-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/models"
)

var (
	// ErrClientDisconnected means the client went away or stopped accepting chunks
	ErrClientDisconnected = errors.New("client disconnected")
	// ErrFragmentTimeout means the provider produced nothing for too long
	ErrFragmentTimeout = errors.New("fragment timeout")
	// ErrStreamTimeout means the overall stream deadline passed
	ErrStreamTimeout = errors.New("stream timeout")
)

// Transport delivers chunks to the client. Send blocks until the chunk has
// been handed to the connection, which is what throttles the relay for a
// slow client.
type Transport interface {
	Send(ctx context.Context, chunk []byte) error
}

// Accumulator collects forwarded fragments in order
type Accumulator struct {
	b     strings.Builder
	count int
}

func (a *Accumulator) Append(text string) {
	a.b.WriteString(text)
	a.count++
}

func (a *Accumulator) String() string { return a.b.String() }

func (a *Accumulator) Count() int { return a.count }

// Result is what a relay run produced
type Result struct {
	Text      string
	Fragments int
	Status    models.ConversationStatus
	// Err is why the stream did not complete; nil when Status is complete
	Err error
}

// Relay drives one fragment stream at a time
type Relay struct {
	fragmentTimeout time.Duration
	logger          *slog.Logger
}

// New creates a relay. A zero fragmentTimeout waits indefinitely for each
// fragment, bounded only by ctx.
func New(fragmentTimeout time.Duration, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{fragmentTimeout: fragmentTimeout, logger: logger}
}

type recvResult struct {
	text string
	err  error
}

// Run forwards fragments from stream to tr until the stream ends, fails, the
// client goes away or ctx is done. It always closes stream and never returns
// an error: every ending is folded into Result.Status.
//
// A fragment is appended to the accumulator only after Send accepted it, so
// Result.Text is exactly what the client was given.
func (r *Relay) Run(ctx context.Context, stream providers.FragmentStream, enc Encoder, tr Transport) Result {
	pctx, cancel := context.WithCancel(ctx)
	fragments := make(chan recvResult)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(fragments)
		for {
			text, err := stream.Recv()
			select {
			case fragments <- recvResult{text: text, err: err}:
			case <-pctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var acc Accumulator
	cause := r.forward(ctx, fragments, enc, tr, &acc)

	// release the upstream and wait for the reader to notice
	cancel()
	_ = stream.Close()
	wg.Wait()

	res := Result{Text: acc.String(), Fragments: acc.Count(), Err: cause}
	switch {
	case cause == nil:
		res.Status = models.StatusComplete
	case acc.Count() > 0:
		res.Status = models.StatusPartial
	default:
		res.Status = models.StatusFailedBeforeOutput
	}
	return res
}

func (r *Relay) forward(ctx context.Context, fragments <-chan recvResult, enc Encoder, tr Transport, acc *Accumulator) error {
	var timeout <-chan time.Time
	var timer *time.Timer
	if r.fragmentTimeout > 0 {
		timer = time.NewTimer(r.fragmentTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return contextCause(ctx)
		case <-timeout:
			return fmt.Errorf("%w: nothing received for %s", ErrFragmentTimeout, r.fragmentTimeout)
		case item, ok := <-fragments:
			if !ok {
				return fmt.Errorf("%w: stream ended without a result", providers.ErrUpstreamStream)
			}
			if errors.Is(item.err, io.EOF) {
				return nil
			}
			if item.err != nil {
				if ctx.Err() != nil {
					return contextCause(ctx)
				}
				return item.err
			}

			if err := tr.Send(ctx, enc.Fragment(acc.Count(), item.text)); err != nil {
				if ctx.Err() != nil {
					return contextCause(ctx)
				}
				return fmt.Errorf("%w: %w", ErrClientDisconnected, err)
			}
			acc.Append(item.text)

			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(r.fragmentTimeout)
			}
		}
	}
}

// Finish sends the terminal chunk, if the encoder has one. Errors mean the
// client is already gone and are only logged.
func (r *Relay) Finish(ctx context.Context, enc Encoder, tr Transport, t Terminal) {
	chunk := enc.Terminal(t)
	if chunk == nil || ctx.Err() != nil {
		return
	}
	if err := tr.Send(ctx, chunk); err != nil {
		r.logger.Debug("terminal chunk not delivered", "status", t.Status, "error", err)
	}
}

func contextCause(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrStreamTimeout
	}
	return ErrClientDisconnected
}
