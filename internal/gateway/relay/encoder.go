package relay

import (
	"encoding/json"
	"fmt"

	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/models"
)

// Shape selects the wire format of a relayed stream
type Shape string

const (
	// PlainText sends raw fragment text
	PlainText Shape = "plainText"
	// StructuredEvents sends server-sent events with sequence numbers
	StructuredEvents Shape = "structuredEvents"
)

// ParseShape validates a shape name
func ParseShape(s string) (Shape, error) {
	switch Shape(s) {
	case PlainText, StructuredEvents:
		return Shape(s), nil
	}
	return "", fmt.Errorf("unknown output shape %q", s)
}

// Terminal describes how a stream ended, for the closing chunk
type Terminal struct {
	Status         models.ConversationStatus
	Fragments      int
	ConversationID string
	Err            error
}

// Encoder turns fragments and the terminal state into wire chunks
type Encoder interface {
	ContentType() string
	Fragment(index int, text string) []byte
	// Terminal returns the closing chunk, or nil when the shape has none
	Terminal(t Terminal) []byte
}

// NewEncoder returns the encoder for shape
func NewEncoder(shape Shape) Encoder {
	if shape == StructuredEvents {
		return sseEncoder{}
	}
	return plainEncoder{}
}

type plainEncoder struct{}

func (plainEncoder) ContentType() string { return "text/plain; charset=utf-8" }

func (plainEncoder) Fragment(_ int, text string) []byte { return []byte(text) }

// Terminal is empty; plain text streams report their end in trailers
func (plainEncoder) Terminal(Terminal) []byte { return nil }

type sseEncoder struct{}

// FragmentEvent is the data of an "event: fragment" SSE message
type FragmentEvent struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// TerminalEvent is the data of the closing "done" or "error" SSE message
type TerminalEvent struct {
	Status         models.ConversationStatus `json:"status"`
	Fragments      int                       `json:"fragments"`
	ConversationID string                    `json:"conversation_id,omitempty"`
	Error          string                    `json:"error,omitempty"`
}

func (sseEncoder) ContentType() string { return "text/event-stream" }

func (sseEncoder) Fragment(index int, text string) []byte {
	return sseMessage("fragment", FragmentEvent{Index: index, Text: text})
}

func (sseEncoder) Terminal(t Terminal) []byte {
	ev := TerminalEvent{
		Status:         t.Status,
		Fragments:      t.Fragments,
		ConversationID: t.ConversationID,
	}
	if t.Status == models.StatusComplete {
		return sseMessage("done", ev)
	}
	if t.Err != nil {
		ev.Error = t.Err.Error()
	}
	return sseMessage("error", ev)
}

func sseMessage(event string, data any) []byte {
	b, _ := json.Marshal(data)
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, b))
}
