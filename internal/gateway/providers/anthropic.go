package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

const anthropicDefaultBaseURL = "https://api.anthropic.com/v1"

// AnthropicProvider streams text from Anthropic's Messages API
type AnthropicProvider struct {
	opts       RemoteOptions
	httpClient *http.Client
}

// AnthropicRequest represents a request to Anthropic's Messages API
type AnthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []AnthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
}

// AnthropicMessage represents a message in Anthropic format
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicEvent is the subset of streaming events we read
type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(opts RemoteOptions) *AnthropicProvider {
	if opts.BaseURL == "" {
		opts.BaseURL = anthropicDefaultBaseURL
	}
	return &AnthropicProvider{
		opts:       opts,
		httpClient: opts.httpClient(),
	}
}

// Generate makes a streaming request, retrying the open
func (p *AnthropicProvider) Generate(ctx context.Context, prompt string) (FragmentStream, error) {
	anthropicReq := AnthropicRequest{
		Model:     p.opts.Model,
		Messages:  []AnthropicMessage{{Role: "user", Content: prompt}},
		MaxTokens: 4096,
		Stream:    true,
	}
	if p.opts.MaxTokens > 0 {
		anthropicReq.MaxTokens = p.opts.MaxTokens
	}
	if p.opts.Temperature > 0 {
		t := p.opts.Temperature
		anthropicReq.Temperature = &t
	}
	reqBody, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, fmt.Errorf("%w: anthropic: encode request: %w", ErrUpstreamUnavailable, err)
	}

	return openWithRetry(ctx, p.opts.Retry, p.opts.logger(), p.Name(), func(ctx context.Context) (FragmentStream, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.opts.BaseURL, "/")+"/messages", bytes.NewReader(reqBody))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("x-api-key", p.opts.APIKey)
		httpReq.Header.Set("anthropic-version", "2023-06-01")

		httpResp, err := p.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("Anthropic streaming API error: %w", err)
		}

		if httpResp.StatusCode != http.StatusOK {
			defer httpResp.Body.Close()
			respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
			return nil, &statusError{provider: "Anthropic", code: httpResp.StatusCode, body: string(respBody)}
		}

		return &AnthropicStreamReader{
			ctx:    ctx,
			reader: bufio.NewReader(httpResp.Body),
			resp:   httpResp,
		}, nil
	})
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// AnthropicStreamReader reads text deltas from the SSE response body
type AnthropicStreamReader struct {
	ctx    context.Context
	reader *bufio.Reader
	resp   *http.Response

	closeOnce sync.Once
	done      bool
}

// Recv returns the next text delta. message_stop ends the stream.
func (r *AnthropicStreamReader) Recv() (string, error) {
	if r.done {
		return "", io.EOF
	}
	for {
		line, err := r.reader.ReadString('\n')
		if err != nil {
			if ctxErr := r.ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			// the body must end with message_stop
			return "", fmt.Errorf("%w: anthropic: %w", ErrUpstreamStream, unexpectedEOF(err))
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		dataStr := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var event anthropicEvent
		if err := json.Unmarshal([]byte(dataStr), &event); err != nil {
			continue
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta.Text != "" {
				return event.Delta.Text, nil
			}
		case "message_stop":
			r.done = true
			return "", io.EOF
		case "error":
			return "", fmt.Errorf("%w: anthropic: %s: %s", ErrUpstreamStream, event.Error.Type, event.Error.Message)
		}
	}
}

// Close closes the stream
func (r *AnthropicStreamReader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.resp != nil && r.resp.Body != nil {
			err = r.resp.Body.Close()
		}
	})
	return err
}

// unexpectedEOF turns a bare EOF into io.ErrUnexpectedEOF for streams that
// have an explicit terminator
func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
