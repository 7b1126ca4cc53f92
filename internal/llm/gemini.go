package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiCompleter calls the Gemini API through the genai SDK.
type GeminiCompleter struct {
	client    *genai.Client
	model     string
	maxTokens int32
}

// NewGemini creates a completer for the Gemini developer API.
func NewGemini(ctx context.Context, cfg Config) (*GeminiCompleter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w for provider %s", ErrMissingAPIKey, ProviderGemini)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &GeminiCompleter{
		client:    client,
		model:     cfg.Model,
		maxTokens: int32(cfg.MaxTokens),
	}, nil
}

// Complete implements bifmon.Completer.
func (c *GeminiCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		MaxOutputTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
