package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIConfig contains configuration for the OpenAI API backend.
type OpenAIConfig struct {
	Model   string
	APIKey  string
	BaseURL string
}

// OpenAIBackend sends prompts to the OpenAI Chat Completions API. Like the
// Anthropic backend it is stateless.
type OpenAIBackend struct {
	name   string
	client openai.Client
	model  string
}

// NewOpenAIBackend creates an OpenAI API backend.
func NewOpenAIBackend(name string, cfg OpenAIConfig) (*OpenAIBackend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai backend %q: no API key configured", name)
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}

	return &OpenAIBackend{
		name:   name,
		client: openai.NewClient(opts...),
		model:  model,
	}, nil
}

// Run sends the prompt as a single user message.
func (b *OpenAIBackend) Run(ctx context.Context, req Request) (Result, error) {
	resp, err := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: b.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Prompt),
		},
	})
	if err != nil {
		return Result{}, &ProviderError{Provider: b.name, Err: err}
	}
	if len(resp.Choices) == 0 {
		return Result{}, &ProviderError{Provider: b.name, Err: fmt.Errorf("no choices returned")}
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return Result{}, &ProviderError{Provider: b.name, Err: fmt.Errorf("empty response")}
	}
	return Result{Text: text}, nil
}
