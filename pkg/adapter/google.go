package adapter

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiGenerator calls Google Gemini models.
type GeminiGenerator struct {
	client *genai.Client
	model  string
}

// NewGeminiGenerator creates a Gemini generator.
func NewGeminiGenerator(ctx context.Context, apiKey, model string) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, Errorf(KindNoCredentials, "google API key is required")
	}
	if model == "" {
		model = defaultGeminiModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}

	return &GeminiGenerator{client: client, model: model}, nil
}

func (g *GeminiGenerator) Provider() string { return "gemini" }

func (g *GeminiGenerator) Model() string { return g.model }

// Generate sends the prompt to Gemini.
func (g *GeminiGenerator) Generate(ctx context.Context, system, prompt string) (*Response, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		MaxOutputTokens:   2048,
		Temperature:       genai.Ptr[float32](0.2),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, StatusError(apiErr.Code, fmt.Errorf("google API error: %w", err))
		}
		return nil, fmt.Errorf("google API error: %w", err)
	}

	if resp == nil {
		return nil, Errorf(KindInvalidResponse, "google returned no response")
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, Errorf(KindContentFiltered, "google blocked the prompt: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return nil, Errorf(KindInvalidResponse, "google returned no candidates")
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return nil, Errorf(KindContentFiltered, "google stopped the answer for safety")
	}

	out := &Response{Text: resp.Text(), Model: g.model}
	if resp.UsageMetadata != nil {
		out.Usage = &Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}
