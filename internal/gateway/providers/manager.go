package providers

import (
	"fmt"
	"log/slog"

	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/config"
)

// Default models per remote provider, used when LLM_MODEL is unset
var defaultModels = map[string]string{
	config.ProviderOpenAI:    "gpt-3.5-turbo",
	config.ProviderAnthropic: "claude-haiku-4-5-20251001",
	config.ProviderGemini:    "gemini-2.5-flash",
}

// New returns the provider selected by cfg.Provider. Selection happens once
// at startup; request handling only sees the Provider interface.
func New(cfg *config.Config, logger *slog.Logger) (Provider, error) {
	if cfg.Provider == config.ProviderMock {
		return NewMockProvider(cfg.MockFragmentDelay), nil
	}

	opts := RemoteOptions{
		BaseURL:     cfg.LLMBaseURL,
		Model:       cfg.LLMModel,
		Temperature: float32(cfg.LLMTemperature),
		MaxTokens:   cfg.LLMMaxTokens,
		Retry: RetryPolicy{
			MaxAttempts: cfg.UpstreamMaxAttempts,
			Backoff:     cfg.UpstreamRetryBackoff,
			MaxBackoff:  4 * cfg.UpstreamRetryBackoff,
		},
		Logger: logger.With("component", "provider", "provider", cfg.Provider),
	}
	if opts.Model == "" {
		opts.Model = defaultModels[cfg.Provider]
	}

	switch cfg.Provider {
	case config.ProviderOpenAI:
		opts.APIKey = cfg.OpenAIAPIKey
		return NewOpenAIProvider(opts), nil
	case config.ProviderAnthropic:
		opts.APIKey = cfg.AnthropicAPIKey
		return NewAnthropicProvider(opts), nil
	case config.ProviderGemini:
		opts.APIKey = cfg.GeminiAPIKey
		return NewGeminiProvider(opts), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}
