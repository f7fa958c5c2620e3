package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

const geminiDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiProvider streams text from Google's Gemini API
type GeminiProvider struct {
	opts       RemoteOptions
	httpClient *http.Client
}

// GeminiRequest represents a request to Gemini's API
type GeminiRequest struct {
	Contents         []GeminiContent         `json:"contents"`
	GenerationConfig *GeminiGenerationConfig `json:"generationConfig,omitempty"`
}

// GeminiContent represents content in Gemini format
type GeminiContent struct {
	Role  string       `json:"role"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiPart represents a part of the content
type GeminiPart struct {
	Text string `json:"text"`
}

// GeminiGenerationConfig represents generation parameters
type GeminiGenerationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

// GeminiResponse is one streamed generateContent chunk
type GeminiResponse struct {
	Candidates []GeminiCandidate `json:"candidates"`
	Error      *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// GeminiCandidate represents a candidate response
type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(opts RemoteOptions) *GeminiProvider {
	if opts.BaseURL == "" {
		opts.BaseURL = geminiDefaultBaseURL
	}
	return &GeminiProvider{
		opts:       opts,
		httpClient: opts.httpClient(),
	}
}

// Generate makes a streaming request, retrying the open
func (p *GeminiProvider) Generate(ctx context.Context, prompt string) (FragmentStream, error) {
	geminiReq := GeminiRequest{
		Contents: []GeminiContent{{Role: "user", Parts: []GeminiPart{{Text: prompt}}}},
	}
	if p.opts.Temperature > 0 || p.opts.MaxTokens > 0 {
		gc := &GeminiGenerationConfig{}
		if p.opts.Temperature > 0 {
			t := p.opts.Temperature
			gc.Temperature = &t
		}
		if p.opts.MaxTokens > 0 {
			m := p.opts.MaxTokens
			gc.MaxOutputTokens = &m
		}
		geminiReq.GenerationConfig = gc
	}
	reqBody, err := json.Marshal(geminiReq)
	if err != nil {
		return nil, fmt.Errorf("%w: gemini: encode request: %w", ErrUpstreamUnavailable, err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s",
		strings.TrimRight(p.opts.BaseURL, "/"), url.PathEscape(p.opts.Model), url.QueryEscape(p.opts.APIKey))

	return openWithRetry(ctx, p.opts.Retry, p.opts.logger(), p.Name(), func(ctx context.Context) (FragmentStream, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		httpResp, err := p.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("Gemini streaming API error: %w", redactKey(err, p.opts.APIKey))
		}

		if httpResp.StatusCode != http.StatusOK {
			defer httpResp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
			return nil, &statusError{provider: "Gemini", code: httpResp.StatusCode, body: string(body)}
		}

		return &GeminiStreamReader{
			ctx:    ctx,
			reader: bufio.NewReader(httpResp.Body),
			resp:   httpResp,
		}, nil
	})
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// GeminiStreamReader wraps the HTTP response for streaming
type GeminiStreamReader struct {
	ctx    context.Context
	reader *bufio.Reader
	resp   *http.Response

	closeOnce sync.Once
	finished  bool
}

// Recv returns the text of the next chunk. Gemini has no end marker, so a
// clean end of body after a finishReason is a normal finish.
func (r *GeminiStreamReader) Recv() (string, error) {
	for {
		line, err := r.reader.ReadString('\n')
		if err != nil {
			if ctxErr := r.ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			if err == io.EOF && r.finished {
				return "", io.EOF
			}
			return "", fmt.Errorf("%w: gemini: %w", ErrUpstreamStream, unexpectedEOF(err))
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		dataStr := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var chunk GeminiResponse
		if err := json.Unmarshal([]byte(dataStr), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return "", fmt.Errorf("%w: gemini: %d: %s", ErrUpstreamStream, chunk.Error.Code, chunk.Error.Message)
		}
		if len(chunk.Candidates) == 0 {
			continue
		}

		candidate := chunk.Candidates[0]
		if candidate.FinishReason != "" {
			r.finished = true
		}
		var content strings.Builder
		for _, part := range candidate.Content.Parts {
			content.WriteString(part.Text)
		}
		if content.Len() > 0 {
			return content.String(), nil
		}
	}
}

// Close closes the stream
func (r *GeminiStreamReader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.resp != nil && r.resp.Body != nil {
			err = r.resp.Body.Close()
		}
	})
	return err
}

// redactKey keeps the API key, which travels in the query string, out of
// transport errors
func redactKey(err error, key string) error {
	if key == "" || !strings.Contains(err.Error(), key) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), key, "REDACTED"))
}
