package ai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Model constants. ELICIT_MODEL overrides the default for either provider.
const (
	// ModelSonnet is used for question generation and structured extraction
	ModelSonnet = "claude-sonnet-4-5-20250929"

	// ModelGeminiFlash is the default Gemini model
	ModelGeminiFlash = "gemini-2.5-flash"
)

func defaultModel(fallback string) string {
	if model := os.Getenv("ELICIT_MODEL"); model != "" {
		return model
	}
	return fallback
}

// AnthropicProvider calls the Claude Messages API
type AnthropicProvider struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicProvider creates a Claude provider
func NewAnthropicProvider(apiKey, model string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}
	if model == "" {
		model = defaultModel(ModelSonnet)
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0))
	return &AnthropicProvider{client: &client, model: model}, nil
}

// Name implements Provider
func (p *AnthropicProvider) Name() string { return ProviderAnthropic }

// Generate implements Provider
func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (Completion, error) {
	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(p.model),
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return Completion{}, &StatusError{Provider: ProviderAnthropic, StatusCode: apiErr.StatusCode, Err: err}
		}
		return Completion{}, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return Completion{
		Text:         text.String(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}
