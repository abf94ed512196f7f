package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultClaudeModel = "claude-sonnet-4-20250514"

// ClaudeGenerator calls Anthropic Claude models.
type ClaudeGenerator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewClaudeGenerator creates a Claude generator.
func NewClaudeGenerator(apiKey, model string) (*ClaudeGenerator, error) {
	if apiKey == "" {
		return nil, Errorf(KindNoCredentials, "anthropic API key is required")
	}
	if model == "" {
		model = defaultClaudeModel
	}

	// Retries are owned by the fallback executor.
	client := anthropic.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0))
	return &ClaudeGenerator{client: client, model: model, maxTokens: 2048}, nil
}

func (g *ClaudeGenerator) Provider() string { return "claude" }

func (g *ClaudeGenerator) Model() string { return g.model }

// Generate sends the prompt to Claude.
func (g *ClaudeGenerator) Generate(ctx context.Context, system, prompt string) (*Response, error) {
	resp, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, StatusError(apiErr.StatusCode, fmt.Errorf("anthropic API error: %w", err))
		}
		return nil, fmt.Errorf("anthropic API error: %w", err)
	}

	if resp.StopReason == anthropic.StopReasonRefusal {
		return nil, Errorf(KindContentFiltered, "anthropic refused to answer")
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &Response{
		Text:  content.String(),
		Model: string(resp.Model),
		Usage: &Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}
