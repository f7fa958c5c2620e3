package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// RemoteOptions configures the remote providers
type RemoteOptions struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	Retry       RetryPolicy
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

func (o RemoteOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o RemoteOptions) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	// no client timeout: streams are bounded by the request context
	return &http.Client{}
}

// OpenAIProvider streams chat completions from OpenAI or any API speaking
// the same protocol
type OpenAIProvider struct {
	client *openai.Client
	opts   RemoteOptions
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(opts RemoteOptions) *OpenAIProvider {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	cfg.HTTPClient = opts.httpClient()

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		opts:   opts,
	}
}

// Generate opens a streaming chat completion for prompt, retrying the open
func (p *OpenAIProvider) Generate(ctx context.Context, prompt string) (FragmentStream, error) {
	req := openai.ChatCompletionRequest{
		Model: p.opts.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: p.opts.Temperature,
		MaxTokens:   p.opts.MaxTokens,
		Stream:      true,
	}

	return openWithRetry(ctx, p.opts.Retry, p.opts.logger(), p.Name(), func(ctx context.Context) (FragmentStream, error) {
		stream, err := p.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("OpenAI streaming API error: %w", err)
		}
		return &OpenAIStreamReader{ctx: ctx, stream: stream}, nil
	})
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// OpenAIStreamReader wraps OpenAI's stream
type OpenAIStreamReader struct {
	ctx    context.Context
	stream *openai.ChatCompletionStream
}

// Recv reads chunks until one carries content
func (r *OpenAIStreamReader) Recv() (string, error) {
	for {
		chunk, err := r.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			if ctxErr := r.ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", fmt.Errorf("%w: openai: %w", ErrUpstreamStream, err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			return content, nil
		}
	}
}

// Close closes the stream
func (r *OpenAIStreamReader) Close() error {
	r.stream.Close()
	return nil
}
