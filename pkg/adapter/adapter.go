package adapter

import (
	"context"

	"github.com/zen-systems/carepath/pkg/analyzer"
	"github.com/zen-systems/carepath/pkg/clinical"
	"github.com/zen-systems/carepath/pkg/guideline"
)

// Backend defines the uniform call contract over every reasoning backend.
type Backend interface {
	// ID returns the backend's identifier.
	ID() string

	// Kind returns the backend variant.
	Kind() clinical.Kind

	// Capabilities describes network needs and determinism.
	Capabilities() clinical.Capabilities

	// Ready reports whether the backend can accept calls right now.
	Ready() bool

	// Execute answers the request. The context carries the attempt timeout.
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// Request is one call to a backend.
type Request struct {
	Query      clinical.ClinicalQuery
	Analysis   analyzer.Analysis
	Guidelines []guideline.Guideline
	Attempt    int
}

// Response is a backend answer.
type Response struct {
	Text  string
	Model string
	// Score is the backend's own match or validation score in [0,1].
	// Zero means the backend reported none.
	Score float64
	Usage *Usage
}

// Usage captures normalized token usage for remote models.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Describe builds the public descriptor of a backend.
func Describe(b Backend) clinical.BackendDescriptor {
	return clinical.BackendDescriptor{
		ID:           b.ID(),
		Kind:         b.Kind(),
		Capabilities: b.Capabilities(),
		Ready:        b.Ready(),
	}
}
