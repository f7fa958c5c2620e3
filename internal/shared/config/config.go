package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreBolt     = "bolt"
)

// Provider names
const (
	ProviderMock      = "mock"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Rate limit backends
const (
	RateLimitMemory = "memory"
	RateLimitRedis  = "redis"
)

// Output shapes accepted for DEFAULT_OUTPUT_SHAPE
const (
	ShapePlainText        = "plainText"
	ShapeStructuredEvents = "structuredEvents"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port string
	Env  string

	// Logging
	LogJSON  bool
	LogLevel string

	// Storage
	StoreBackend string
	DatabaseURL  string
	BoltPath     string

	// Redis
	RedisURL string

	// Caching
	CacheEnabled    bool
	CacheTTLSeconds int

	// Provider
	Provider             string
	OpenAIAPIKey         string
	AnthropicAPIKey      string
	GeminiAPIKey         string
	LLMBaseURL           string
	LLMModel             string
	LLMTemperature       float64
	LLMMaxTokens         int
	UpstreamMaxAttempts  int
	UpstreamRetryBackoff time.Duration
	MockFragmentDelay    time.Duration

	// Rate Limiting
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
	RateLimitBackend  string

	// Streaming
	FragmentTimeout    time.Duration
	StreamTimeout      time.Duration
	PersistTimeout     time.Duration
	WriteTimeout       time.Duration
	DefaultOutputShape string

	// Access
	APIKey    string
	JWTSecret string

	// Requests
	MaxPromptLength  int
	DefaultPageLimit int
	MaxPageLimit     int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		Env:                  getEnv("ENV", "development"),
		LogJSON:              getEnvBool("LOG_JSON", true),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		BoltPath:             getEnv("BOLT_PATH", "data/conversations.bolt"),
		RedisURL:             getEnv("REDIS_URL", ""),
		CacheEnabled:         getEnvBool("CACHE_ENABLED", true),
		CacheTTLSeconds:      getEnvInt("CACHE_TTL_SECONDS", 3600),
		OpenAIAPIKey:         getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey:      getEnv("ANTHROPIC_API_KEY", ""),
		GeminiAPIKey:         getEnv("GEMINI_API_KEY", ""),
		LLMBaseURL:           getEnv("LLM_BASE_URL", ""),
		LLMModel:             getEnv("LLM_MODEL", ""),
		LLMTemperature:       getEnvFloat("LLM_TEMPERATURE", 0.7),
		LLMMaxTokens:         getEnvInt("LLM_MAX_TOKENS", 1000),
		UpstreamMaxAttempts:  getEnvInt("UPSTREAM_MAX_ATTEMPTS", 3),
		UpstreamRetryBackoff: getEnvDuration("UPSTREAM_RETRY_BACKOFF", 500*time.Millisecond),
		MockFragmentDelay:    getEnvDuration("MOCK_FRAGMENT_DELAY", 50*time.Millisecond),
		RateLimitEnabled:     getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests:    getEnvInt("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:      time.Duration(getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
		RateLimitBackend:     getEnv("RATE_LIMIT_BACKEND", RateLimitMemory),
		FragmentTimeout:      getEnvDuration("FRAGMENT_TIMEOUT", 30*time.Second),
		StreamTimeout:        getEnvDuration("STREAM_TIMEOUT", 120*time.Second),
		PersistTimeout:       getEnvDuration("PERSIST_TIMEOUT", 5*time.Second),
		WriteTimeout:         getEnvDuration("WRITE_TIMEOUT", 30*time.Second),
		DefaultOutputShape:   getEnv("DEFAULT_OUTPUT_SHAPE", ShapePlainText),
		APIKey:               getEnv("API_KEY", ""),
		JWTSecret:            getEnv("JWT_SECRET", ""),
		MaxPromptLength:      getEnvInt("MAX_PROMPT_LENGTH", 10000),
		DefaultPageLimit:     getEnvInt("DEFAULT_PAGE_LIMIT", 10),
		MaxPageLimit:         getEnvInt("MAX_PAGE_LIMIT", 100),
	}

	// Backends default from what is configured
	cfg.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", ""))
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = StoreMemory
		if cfg.DatabaseURL != "" {
			cfg.StoreBackend = StorePostgres
		}
	}
	cfg.Provider = strings.ToLower(getEnv("LLM_PROVIDER", ""))
	if cfg.Provider == "" {
		// First configured key wins, mock otherwise
		switch {
		case cfg.OpenAIAPIKey != "":
			cfg.Provider = ProviderOpenAI
		case cfg.AnthropicAPIKey != "":
			cfg.Provider = ProviderAnthropic
		case cfg.GeminiAPIKey != "":
			cfg.Provider = ProviderGemini
		default:
			cfg.Provider = ProviderMock
		}
	}
	cfg.RateLimitBackend = strings.ToLower(cfg.RateLimitBackend)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistent or missing values
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory, StoreBolt:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.Provider {
	case ProviderMock:
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for the openai provider")
		}
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required for the anthropic provider")
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for the gemini provider")
		}
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.Provider)
	}

	switch c.RateLimitBackend {
	case RateLimitMemory:
	case RateLimitRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis rate limit backend")
		}
	default:
		return fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimitBackend)
	}

	if c.DefaultOutputShape != ShapePlainText && c.DefaultOutputShape != ShapeStructuredEvents {
		return fmt.Errorf("DEFAULT_OUTPUT_SHAPE must be %s or %s", ShapePlainText, ShapeStructuredEvents)
	}
	if c.RateLimitEnabled && (c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0) {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW_SECONDS must be positive")
	}
	if c.UpstreamMaxAttempts < 1 {
		return fmt.Errorf("UPSTREAM_MAX_ATTEMPTS must be at least 1")
	}
	if c.DefaultPageLimit < 1 || c.DefaultPageLimit > c.MaxPageLimit {
		return fmt.Errorf("DEFAULT_PAGE_LIMIT must be between 1 and MAX_PAGE_LIMIT")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("750ms") or bare seconds ("30")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
