// Package orchestrator runs one prompt through admission, generation, relay
// and persistence.
//
// Every request that passes admission ends with exactly one finalize call,
// whatever happened upstream or on the client connection:
//
//	Start ─deny──> Rejected
//	Start ─admit─> Admitted ──> Streaming ──> Finalizing ──> Done
//	                  └──── open failed ────────┘
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mrmushfiq/llm0-stream-gateway/internal/gateway/persist"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/gateway/relay"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/models"
)

// State is a step of the per-request state machine
type State string

const (
	StateStart      State = "start"
	StateRejected   State = "rejected"
	StateAdmitted   State = "admitted"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
)

// Request is one prompt submission
type Request struct {
	Prompt    string
	ClientKey string
	Shape     relay.Shape
}

// StreamStart is handed to the client once the upstream stream is open
type StreamStart struct {
	ContentType    string
	ConversationID string
	Decision       ratelimit.Decision
}

// Client is the downstream side of one request
type Client interface {
	relay.Transport
	// Begin is called once, after the upstream opened and before the first
	// chunk is sent
	Begin(start StreamStart)
}

// Outcome summarizes a finished request
type Outcome struct {
	State    State
	Path     []State
	Decision ratelimit.Decision
	// Conversation is the persisted record; nil when rejected or when the
	// write failed
	Conversation *models.Conversation
	// ConversationID is set for every admitted request, even if the write failed
	ConversationID string
	Status         models.ConversationStatus
	Fragments      int
	// StreamErr is why the stream did not complete
	StreamErr error
	// PersistErr is set when the record could not be written
	PersistErr error
	Duration   time.Duration
}

// Options configures an Orchestrator
type Options struct {
	// StreamTimeout bounds the whole upstream stream; zero disables it
	StreamTimeout time.Duration
	Logger        *slog.Logger
}

// Orchestrator composes limiter, provider, relay and finalizer. It holds no
// per-request state and is safe for concurrent use.
type Orchestrator struct {
	limiter       *ratelimit.Limiter
	provider      providers.Provider
	relay         *relay.Relay
	finalizer     *persist.Finalizer
	streamTimeout time.Duration
	logger        *slog.Logger
}

// New creates an orchestrator
func New(limiter *ratelimit.Limiter, provider providers.Provider, rl *relay.Relay, finalizer *persist.Finalizer, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		limiter:       limiter,
		provider:      provider,
		relay:         rl,
		finalizer:     finalizer,
		streamTimeout: opts.StreamTimeout,
		logger:        logger.With("component", "orchestrator"),
	}
}

// Stream runs req to completion, writing chunks to client.
//
// It returns a *ratelimit.DeniedError when admission fails and an error
// wrapping providers.ErrUpstreamUnavailable when the stream could not be
// opened; in both cases client was never begun. Failures after the stream
// opened are reported in the Outcome, not as an error.
func (o *Orchestrator) Stream(ctx context.Context, req Request, client Client) (*Outcome, error) {
	start := time.Now()
	out := &Outcome{State: StateStart, Path: []State{StateStart}}
	log := o.logger.With("client", req.ClientKey, "provider", o.provider.Name())

	out.Decision = o.limiter.Admit(ctx, req.ClientKey)
	if !out.Decision.Allowed {
		o.transition(log, out, StateRejected)
		log.Info("request rejected", "retry_after_ms", out.Decision.RetryAfter.Milliseconds())
		return out, &ratelimit.DeniedError{Decision: out.Decision}
	}

	o.transition(log, out, StateAdmitted)
	fz := o.finalizer.Begin(req.Prompt)
	out.ConversationID = fz.ID()
	log = log.With("conversation_id", fz.ID())

	streamCtx, cancel := ctx, context.CancelFunc(func() {})
	if o.streamTimeout > 0 {
		streamCtx, cancel = context.WithTimeout(ctx, o.streamTimeout)
	}
	defer cancel()

	stream, err := o.provider.Generate(streamCtx, req.Prompt)
	if err != nil {
		if !errors.Is(err, providers.ErrUpstreamUnavailable) {
			err = fmt.Errorf("%w: %w", providers.ErrUpstreamUnavailable, err)
		}
		out.Status = models.StatusFailedBeforeOutput
		out.StreamErr = err
		o.finalize(ctx, log, out, fz, "")
		out.Duration = time.Since(start)
		log.Warn("upstream unavailable", "error", err, "duration_ms", out.Duration.Milliseconds())
		return out, err
	}

	o.transition(log, out, StateStreaming)
	enc := relay.NewEncoder(req.Shape)
	client.Begin(StreamStart{
		ContentType:    enc.ContentType(),
		ConversationID: fz.ID(),
		Decision:       out.Decision,
	})

	res := o.relay.Run(streamCtx, stream, enc, client)
	out.Status = res.Status
	out.Fragments = res.Fragments
	out.StreamErr = res.Err

	o.finalize(ctx, log, out, fz, res.Text)

	term := relay.Terminal{Status: out.Status, Fragments: out.Fragments, Err: out.StreamErr}
	if out.Conversation != nil {
		term.ConversationID = out.Conversation.ID
	}
	o.relay.Finish(ctx, enc, client, term)

	out.Duration = time.Since(start)
	attrs := []any{
		"status", out.Status,
		"fragments", out.Fragments,
		"duration_ms", out.Duration.Milliseconds(),
	}
	switch {
	case out.StreamErr == nil:
		log.Info("stream complete", attrs...)
	case errors.Is(out.StreamErr, relay.ErrClientDisconnected):
		log.Info("client disconnected", append(attrs, "error", out.StreamErr)...)
	default:
		log.Warn("stream ended early", append(attrs, "error", out.StreamErr)...)
	}
	return out, nil
}

// finalize moves through Finalizing to Done; the write result is recorded on
// out and never changes the path.
func (o *Orchestrator) finalize(ctx context.Context, log *slog.Logger, out *Outcome, fz *persist.Finalization, text string) {
	o.transition(log, out, StateFinalizing)
	conv, err := fz.Finalize(ctx, text, out.Status)
	out.Conversation = conv
	out.PersistErr = err
	o.transition(log, out, StateDone)
}

func (o *Orchestrator) transition(log *slog.Logger, out *Outcome, to State) {
	log.Debug("state transition", "from", out.State, "to", to)
	out.State = to
	out.Path = append(out.Path, to)
}
