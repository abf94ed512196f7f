package adapter

import (
	"context"
	"fmt"
	"sync"
)

// MockGenerator returns scripted results for local runs and tests.
// Each call consumes the next scripted error, if any, before falling back to
// the default response.
type MockGenerator struct {
	mu              sync.Mutex
	provider        string
	defaultResponse string
	errs            []error
	calls           int
	prompts         []string
}

// NewMockGenerator creates a mock generator that answers with response.
func NewMockGenerator(provider, response string) *MockGenerator {
	if provider == "" {
		provider = "mock"
	}
	return &MockGenerator{provider: provider, defaultResponse: response}
}

// FailWith queues errors returned by the next calls, in order.
func (g *MockGenerator) FailWith(errs ...error) *MockGenerator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errs = append(g.errs, errs...)
	return g
}

func (g *MockGenerator) Provider() string { return g.provider }

func (g *MockGenerator) Model() string { return g.provider + "-1" }

// Calls returns the number of Generate calls made.
func (g *MockGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// Prompts returns the prompts received so far.
func (g *MockGenerator) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

// Generate returns the next scripted error or the default response.
func (g *MockGenerator) Generate(ctx context.Context, _ string, prompt string) (*Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls++
	g.prompts = append(g.prompts, prompt)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		return nil, err
	}
	text := g.defaultResponse
	if text == "" {
		text = fmt.Sprintf("## Assessment\nmock answer from %s\n\n## Recommended Actions\n- review the patient\n", g.provider)
	}
	return &Response{Text: text, Model: g.Model()}, nil
}
