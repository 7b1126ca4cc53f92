// Package llm provides the text-generation backends used for entity
// extraction. Exactly one provider is active per configuration.
package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/alexshd/bifmon"
)

// Provider names accepted in configuration.
const (
	ProviderNone      = "none"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGroq      = "groq"
	ProviderDeepInfra = "deepinfra"
	ProviderCustom    = "custom"
	ProviderGemini    = "gemini"
)

// DefaultMaxTokens bounds each completion. Twenty short entities fit easily.
const DefaultMaxTokens = 1024

var (
	ErrUnknownProvider = errors.New("unknown llm provider")
	ErrMissingAPIKey   = errors.New("missing api key")
	ErrMissingBaseURL  = errors.New("custom provider requires a base url")
	ErrEmptyCompletion = errors.New("empty completion")
)

// Config selects and parameterizes a provider.
type Config struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int
}

var defaultModels = map[string]string{
	ProviderAnthropic: "claude-3-5-sonnet-20241022",
	ProviderOpenAI:    "gpt-4o-mini",
	ProviderGroq:      "llama-3.3-70b-versatile",
	ProviderDeepInfra: "meta-llama/Llama-3.3-70B-Instruct",
	ProviderCustom:    "gpt-4o-mini",
	ProviderGemini:    "gemini-2.0-flash-exp",
}

var defaultBaseURLs = map[string]string{
	ProviderGroq:      "https://api.groq.com/openai/v1/",
	ProviderDeepInfra: "https://api.deepinfra.com/v1/openai/",
}

// envKeys lists the environment variables consulted for each provider, in order.
var envKeys = map[string][]string{
	ProviderAnthropic: {"ANTHROPIC_API_KEY", "BIFMON_API_KEY"},
	ProviderOpenAI:    {"OPENAI_API_KEY", "BIFMON_API_KEY"},
	ProviderGroq:      {"GROQ_API_KEY", "BIFMON_API_KEY"},
	ProviderDeepInfra: {"DEEPINFRA_API_KEY", "BIFMON_API_KEY"},
	ProviderCustom:    {"BIFMON_API_KEY"},
	ProviderGemini:    {"GEMINI_API_KEY", "API_KEY", "BIFMON_API_KEY"},
}

// DefaultModel returns the model used when none is configured.
func DefaultModel(provider string) string {
	return defaultModels[normalize(provider)]
}

// APIKeyFromEnv returns the first non-empty key among the provider's usual
// environment variables.
func APIKeyFromEnv(provider string) string {
	for _, name := range envKeys[normalize(provider)] {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

// Resolve fills empty fields with provider defaults and validates the result.
func (c Config) Resolve() (Config, error) {
	c.Provider = normalize(c.Provider)

	if c.Provider == ProviderNone {
		return c, nil
	}
	if _, ok := defaultModels[c.Provider]; !ok {
		return c, fmt.Errorf("%w: %q", ErrUnknownProvider, c.Provider)
	}

	if c.Model == "" {
		c.Model = defaultModels[c.Provider]
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURLs[c.Provider]
	}
	if c.APIKey == "" {
		c.APIKey = APIKeyFromEnv(c.Provider)
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}

	if c.Provider == ProviderCustom && c.BaseURL == "" {
		return c, ErrMissingBaseURL
	}
	// Self-hosted OpenAI-compatible endpoints often run without auth.
	if c.APIKey == "" && c.Provider != ProviderCustom {
		return c, fmt.Errorf("%w for provider %s", ErrMissingAPIKey, c.Provider)
	}
	return c, nil
}

// New builds the Completer for cfg. Provider "none" (or empty) yields a nil
// Completer and no error: extraction then stays local.
func New(ctx context.Context, cfg Config) (bifmon.Completer, error) {
	cfg, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	switch cfg.Provider {
	case ProviderNone:
		return nil, nil
	case ProviderAnthropic:
		return NewAnthropic(cfg), nil
	case ProviderOpenAI, ProviderGroq, ProviderDeepInfra, ProviderCustom:
		return NewOpenAI(cfg), nil
	case ProviderGemini:
		return NewGemini(ctx, cfg)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
}

func normalize(provider string) string {
	p := strings.ToLower(strings.TrimSpace(provider))
	if p == "" {
		return ProviderNone
	}
	return p
}
