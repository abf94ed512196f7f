package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const (
	deepseekBaseURL      = "https://api.deepseek.com/v1"
	defaultDeepSeekModel = "deepseek-chat"
)

// DeepSeekGenerator talks to the DeepSeek chat completions endpoint over
// plain HTTP. The wire format is OpenAI's, without the SDK.
type DeepSeekGenerator struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

type deepseekRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletion struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// DeepSeekOption configures a DeepSeekGenerator.
type DeepSeekOption func(*DeepSeekGenerator)

// WithDeepSeekBaseURL overrides the API endpoint.
func WithDeepSeekBaseURL(url string) DeepSeekOption {
	return func(g *DeepSeekGenerator) {
		g.baseURL = url
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) DeepSeekOption {
	return func(g *DeepSeekGenerator) {
		g.httpClient = client
	}
}

// NewDeepSeekGenerator creates a DeepSeek generator.
func NewDeepSeekGenerator(apiKey, model string, opts ...DeepSeekOption) (*DeepSeekGenerator, error) {
	if apiKey == "" {
		return nil, Errorf(KindNoCredentials, "deepseek API key is required")
	}
	if model == "" {
		model = defaultDeepSeekModel
	}

	g := &DeepSeekGenerator{
		apiKey:     apiKey,
		baseURL:    deepseekBaseURL,
		model:      model,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *DeepSeekGenerator) Provider() string { return "deepseek" }

func (g *DeepSeekGenerator) Model() string { return g.model }

func (g *DeepSeekGenerator) Generate(ctx context.Context, system, prompt string) (*Response, error) {
	payload, err := json.Marshal(deepseekRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   2048,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, NewError(KindInvalidRequest, fmt.Errorf("encode deepseek request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, NewError(KindInvalidRequest, fmt.Errorf("build deepseek request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, NewError(KindNetwork, fmt.Errorf("deepseek: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, NewError(KindNetwork, fmt.Errorf("deepseek: read body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, StatusError(resp.StatusCode, fmt.Errorf("deepseek: status %d: %s", resp.StatusCode, truncateBody(body)))
	}
	return decodeCompletion(body)
}

func decodeCompletion(body []byte) (*Response, error) {
	var c chatCompletion
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, NewError(KindInvalidResponse, fmt.Errorf("deepseek: decode: %w", err))
	}
	if c.Error != nil {
		// Errors inside a 200 carry no status, so the message decides the kind.
		err := fmt.Errorf("deepseek: %s (%s)", c.Error.Message, c.Error.Code)
		return nil, NewError(Classify(err), err)
	}
	if len(c.Choices) == 0 {
		return nil, Errorf(KindInvalidResponse, "deepseek returned no choices")
	}
	choice := c.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, Errorf(KindContentFiltered, "deepseek filtered the answer")
	}
	return &Response{
		Text:  choice.Message.Content,
		Model: c.Model,
		Usage: &Usage{
			PromptTokens:     c.Usage.PromptTokens,
			CompletionTokens: c.Usage.CompletionTokens,
			TotalTokens:      c.Usage.TotalTokens,
		},
	}, nil
}

func truncateBody(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
