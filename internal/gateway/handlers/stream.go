package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mrmushfiq/llm0-stream-gateway/internal/gateway/orchestrator"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/gateway/relay"
)

// Response headers and trailers of POST /stream
const (
	HeaderConversationID = "X-Conversation-ID"
	HeaderStreamStatus   = "X-Stream-Status"
)

// StreamRequest is the body of POST /stream
type StreamRequest struct {
	Prompt string `json:"prompt"`
	Shape  string `json:"shape,omitempty"`
}

type StreamHandler struct {
	orch            *orchestrator.Orchestrator
	defaultShape    relay.Shape
	maxPromptLength int
	writeTimeout    time.Duration
	logger          *slog.Logger
}

// NewStreamHandler creates the streaming handler. writeTimeout bounds each
// chunk write to the client; zero leaves writes unbounded.
func NewStreamHandler(orch *orchestrator.Orchestrator, defaultShape relay.Shape, maxPromptLength int, writeTimeout time.Duration, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		orch:            orch,
		defaultShape:    defaultShape,
		maxPromptLength: maxPromptLength,
		writeTimeout:    writeTimeout,
		logger:          logger,
	}
}

// HandleStream handles POST /stream
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	var req StreamRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		writeError(w, http.StatusUnprocessableEntity, "prompt must not be empty")
		return
	}
	if h.maxPromptLength > 0 && utf8.RuneCountInString(prompt) > h.maxPromptLength {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("prompt exceeds %d characters", h.maxPromptLength))
		return
	}

	shape, err := h.shape(r, req.Shape)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	client := newResponseClient(w, h.writeTimeout)
	out, err := h.orch.Stream(r.Context(), orchestrator.Request{
		Prompt:    prompt,
		ClientKey: ClientKey(r.Context()),
		Shape:     shape,
	}, client)

	var denied *ratelimit.DeniedError
	switch {
	case errors.As(err, &denied):
		setRateLimitHeaders(w.Header(), denied.Decision)
		retryAfter := denied.Decision.RetryAfter
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:        "rate limit exceeded",
			RetryAfterMs: retryAfter.Milliseconds(),
		})
		return
	case errors.Is(err, providers.ErrUpstreamUnavailable):
		setRateLimitHeaders(w.Header(), out.Decision)
		w.Header().Set(HeaderConversationID, out.ConversationID)
		writeError(w, http.StatusBadGateway, "upstream provider unavailable")
		return
	case err != nil:
		h.logger.Error("stream failed", "error", err)
		if !client.begun {
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	if client.begun && h.writeTimeout > 0 {
		_ = client.rc.SetWriteDeadline(time.Time{})
	}

	// plain text has no in-band terminal marker; the trailers carry it
	w.Header().Set(HeaderStreamStatus, string(out.Status))
	if out.Conversation != nil {
		w.Header().Set(HeaderConversationID, out.Conversation.ID)
	}
}

// shape resolves the output shape from the body, the query string, the
// Accept header, then the configured default
func (h *StreamHandler) shape(r *http.Request, fromBody string) (relay.Shape, error) {
	if fromBody != "" {
		return relay.ParseShape(fromBody)
	}
	if q := r.URL.Query().Get("shape"); q != "" {
		return relay.ParseShape(q)
	}
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return relay.StructuredEvents, nil
	}
	return h.defaultShape, nil
}

func setRateLimitHeaders(h http.Header, d ratelimit.Decision) {
	if d.Limit <= 0 {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
	if !d.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

// responseClient streams chunks into an http.ResponseWriter
type responseClient struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration
	begun        bool
}

func newResponseClient(w http.ResponseWriter, writeTimeout time.Duration) *responseClient {
	return &responseClient{w: w, rc: http.NewResponseController(w), writeTimeout: writeTimeout}
}

func (c *responseClient) Begin(start orchestrator.StreamStart) {
	h := c.w.Header()
	h.Set("Content-Type", start.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Add("Trailer", HeaderStreamStatus)
	h.Add("Trailer", HeaderConversationID)
	setRateLimitHeaders(h, start.Decision)

	c.w.WriteHeader(http.StatusOK)
	_ = c.rc.Flush()
	c.begun = true
}

func (c *responseClient) Send(ctx context.Context, chunk []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.writeTimeout > 0 {
		// not every writer supports deadlines; those writes stay unbounded
		_ = c.rc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.w.Write(chunk); err != nil {
		return err
	}
	if err := c.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
