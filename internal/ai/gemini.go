package ai

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiProvider calls the Gemini generateContent API
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider creates a Gemini provider
func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY not set")
	}
	if model == "" {
		model = defaultModel(ModelGeminiFlash)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiProvider{client: client, model: model}, nil
}

// Name implements Provider
func (p *GeminiProvider) Name() string { return ProviderGemini }

// Generate implements Provider
func (p *GeminiProvider) Generate(ctx context.Context, req Request) (Completion, error) {
	temperature := float32(req.Temperature)
	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(req.Prompt), &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(req.MaxTokens),
	})
	if err != nil {
		return Completion{}, fmt.Errorf("GenAI generate failed: %w", err)
	}

	c := Completion{Text: resp.Text()}
	if resp.UsageMetadata != nil {
		c.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		c.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return c, nil
}
