// Package llm adapts language-model providers to a single two-call contract:
// plain chat and chat with one image. Callers never branch on the provider.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hairizuanbinnoorazman/ui-verdict/metrics"
)

// Provider identifies a model vendor or endpoint shape.
type Provider string

const (
	ProviderOpenAI           Provider = "openai"
	ProviderDashScope        Provider = "dashscope"
	ProviderOpenAICompletion Provider = "openai-completion"
	ProviderAnthropic        Provider = "anthropic"
	ProviderBedrock          Provider = "bedrock"
)

const (
	DefaultTemperature     = 0.7
	DefaultMaxTokens       = 2000
	DefaultVisionMaxTokens = 500

	defaultOpenAIBaseURL    = "https://api.openai.com/v1"
	defaultDashScopeBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	defaultAnthropicBaseURL = "https://api.anthropic.com"
)

var (
	// ErrVisionUnsupported is returned by VisionChat when the provider cannot take images.
	ErrVisionUnsupported = errors.New("provider does not support vision input")

	// ErrUnsupportedProvider is returned by NewClient for unknown providers.
	ErrUnsupportedProvider = errors.New("unsupported llm provider")

	// ErrEmptyResponse is returned when the provider answered without any text.
	ErrEmptyResponse = errors.New("empty llm response")
)

// APIError is a non-2xx answer from a provider.
type APIError struct {
	Provider   Provider
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300]
	}
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, body)
}

// Client is the provider-neutral contract.
type Client interface {
	Chat(ctx context.Context, prompt string) (string, error)
	VisionChat(ctx context.Context, prompt string, image []byte) (string, error)
}

// Config selects and parameterizes a provider.
type Config struct {
	Provider Provider `json:"provider"`
	Model    string   `json:"model"`
	APIKey   string   `json:"-"`
	BaseURL  string   `json:"base_url,omitempty"`
	// Temperature is DefaultTemperature when nil; 0 is honored.
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`

	// VisionMaxTokens caps image analysis answers.
	VisionMaxTokens int `json:"vision_max_tokens,omitempty"`

	// Region is used by the bedrock provider only.
	Region  string        `json:"region,omitempty"`
	Timeout time.Duration `json:"-"`

	HTTPClient *http.Client `json:"-"`
}

// Temp returns the sampling temperature.
func (c Config) Temp() float64 {
	if c.Temperature == nil {
		return DefaultTemperature
	}
	return *c.Temperature
}

// WithDefaults fills zero values.
func (c Config) WithDefaults() Config {
	c.Provider = Provider(strings.ToLower(string(c.Provider)))
	if c.Temperature == nil {
		t := DefaultTemperature
		c.Temperature = &t
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.VisionMaxTokens <= 0 {
		c.VisionMaxTokens = DefaultVisionMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
	if c.BaseURL == "" {
		switch c.Provider {
		case ProviderOpenAI, ProviderOpenAICompletion:
			c.BaseURL = defaultOpenAIBaseURL
		case ProviderDashScope:
			c.BaseURL = defaultDashScopeBaseURL
		case ProviderAnthropic:
			c.BaseURL = defaultAnthropicBaseURL
		}
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c
}

// EnvPrefix is the environment variable prefix used to hand this provider's
// credentials to another process, e.g. OPENAI_COMPLETION for openai-completion.
func (c Config) EnvPrefix() string {
	return strings.ToUpper(strings.ReplaceAll(string(c.Provider), "-", "_"))
}

// Env returns {PREFIX}_API_KEY, {PREFIX}_BASE_URL and {PREFIX}_MODEL_NAME.
// Empty values are omitted.
func (c Config) Env() map[string]string {
	prefix := c.EnvPrefix()
	env := map[string]string{}
	if c.APIKey != "" {
		env[prefix+"_API_KEY"] = c.APIKey
	}
	if c.BaseURL != "" {
		env[prefix+"_BASE_URL"] = c.BaseURL
	}
	if c.Model != "" {
		env[prefix+"_MODEL_NAME"] = c.Model
	}
	return env
}

// NewClient builds the client for cfg.Provider. Calls are recorded in m,
// which may be nil.
func NewClient(ctx context.Context, cfg Config, m *metrics.Metrics) (Client, error) {
	cfg = cfg.WithDefaults()
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm model is required")
	}

	var c Client
	switch cfg.Provider {
	case ProviderOpenAI, ProviderDashScope:
		c = &chatCompletionsClient{cfg: cfg}
	case ProviderOpenAICompletion:
		c = &completionsClient{cfg: cfg}
	case ProviderAnthropic:
		c = &anthropicClient{cfg: cfg}
	case ProviderBedrock:
		b, err := NewBedrockClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		c = b
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, cfg.Provider)
	}
	return &instrumented{next: c, provider: string(cfg.Provider), metrics: m}, nil
}

type instrumented struct {
	next     Client
	provider string
	metrics  *metrics.Metrics
}

func (i *instrumented) Chat(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	out, err := i.next.Chat(ctx, prompt)
	i.metrics.ObserveLLMCall(i.provider, "chat", time.Since(start), err)
	return out, err
}

func (i *instrumented) VisionChat(ctx context.Context, prompt string, image []byte) (string, error) {
	start := time.Now()
	out, err := i.next.VisionChat(ctx, prompt, image)
	i.metrics.ObserveLLMCall(i.provider, "vision", time.Since(start), err)
	return out, err
}
