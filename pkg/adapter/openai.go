package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIGenerator calls OpenAI chat models.
type OpenAIGenerator struct {
	client openai.Client
	model  string
}

// NewOpenAIGenerator creates an OpenAI generator.
func NewOpenAIGenerator(apiKey, model string) (*OpenAIGenerator, error) {
	if apiKey == "" {
		return nil, Errorf(KindNoCredentials, "openai API key is required")
	}
	if model == "" {
		model = defaultOpenAIModel
	}

	client := openai.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0))
	return &OpenAIGenerator{client: client, model: model}, nil
}

func (g *OpenAIGenerator) Provider() string { return "openai" }

func (g *OpenAIGenerator) Model() string { return g.model }

// Generate sends the prompt to OpenAI.
func (g *OpenAIGenerator) Generate(ctx context.Context, system, prompt string) (*Response, error) {
	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(prompt),
		},
		MaxCompletionTokens: openai.Int(2048),
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, StatusError(apiErr.StatusCode, fmt.Errorf("openai API error: %w", err))
		}
		return nil, fmt.Errorf("openai API error: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, Errorf(KindInvalidResponse, "openai returned no choices")
	}
	choice := resp.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, Errorf(KindContentFiltered, "openai filtered the answer")
	}

	return &Response{
		Text:  choice.Message.Content,
		Model: resp.Model,
		Usage: &Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}
