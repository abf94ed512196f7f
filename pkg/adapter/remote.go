package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/zen-systems/carepath/pkg/clinical"
)

// Generator is a remote large-model client.
type Generator interface {
	// Provider returns the provider identifier (gemini, claude, openai, deepseek).
	Provider() string

	// Model returns the model the generator calls.
	Model() string

	// Generate sends the system instruction and prompt and returns the text.
	Generate(ctx context.Context, system, prompt string) (*Response, error)
}

// SystemPrompt is sent as the system instruction to every remote model.
const SystemPrompt = `You are a clinical decision-support assistant for health workers in
resource-limited settings. Answer with practical, guideline-concordant steps.
Use these sections: ## Assessment, ## Recommended Actions, ## Danger Signs, ## Referral.
Use neutral language that does not stereotype patients by gender, age, income or origin.
Say clearly when information is missing or when the patient must be referred.`

const promptTemplate = `Clinical question: {{ .Query.Question }}
{{ with .Query.Patient }}
Patient:
{{- if .Age }}
- Age: {{ deref .Age }} years
{{- end }}
{{- if .Gender }}
- Gender: {{ .Gender }}
{{- end }}
{{- if .Pregnant }}
- Pregnant: yes
{{- end }}
{{- if .Symptoms }}
- Symptoms: {{ .Symptoms }}
{{- end }}
{{- if .Vitals }}
- Vitals: {{ .Vitals }}
{{- end }}
{{- if .ExamFindings }}
- Examination: {{ .ExamFindings }}
{{- end }}
{{- if .History }}
- History: {{ .History }}
{{- end }}
{{- if .Medications }}
- Medications: {{ .Medications }}
{{- end }}
{{- if .Allergies }}
- Allergies: {{ .Allergies }}
{{- end }}
{{- if .ResourceLevel }}
- Facility level: {{ .ResourceLevel }}
{{- end }}
{{ end }}
{{- if .Analysis.IsEmergency }}
This may be an emergency. Lead with immediate stabilising actions.
{{ end }}
{{- if .Guidelines }}
Reference guidelines:
{{- range .Guidelines }}
### {{ .Title }} ({{ .ID }})
{{ .Content }}
{{- end }}
{{ end }}`

var parsedPrompt = template.Must(template.New("prompt").Funcs(template.FuncMap{
	"deref": func(p *int) int { return *p },
}).Parse(promptTemplate))

// BuildPrompt renders the user prompt for a request.
func BuildPrompt(req *Request) (string, error) {
	var b strings.Builder
	if err := parsedPrompt.Execute(&b, req); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return strings.TrimSpace(b.String()), nil
}

// RemoteBackend is a remote-model backend over one Generator.
type RemoteBackend struct {
	id  string
	gen Generator
}

// NewRemoteBackend wraps gen. The backend id defaults to the provider name.
func NewRemoteBackend(gen Generator) *RemoteBackend {
	return &RemoteBackend{id: gen.Provider(), gen: gen}
}

// NewRemoteBackendWithID wraps gen under an explicit id.
func NewRemoteBackendWithID(id string, gen Generator) *RemoteBackend {
	return &RemoteBackend{id: id, gen: gen}
}

func (b *RemoteBackend) ID() string { return b.id }

func (b *RemoteBackend) Kind() clinical.Kind { return clinical.KindRemoteModel }

func (b *RemoteBackend) Capabilities() clinical.Capabilities {
	return clinical.Capabilities{RequiresNetwork: true}
}

func (b *RemoteBackend) Ready() bool { return b.gen != nil }

// Model returns the underlying model name.
func (b *RemoteBackend) Model() string { return b.gen.Model() }

// Execute renders the prompt and calls the generator. Empty output is
// reported as an invalid response.
func (b *RemoteBackend) Execute(ctx context.Context, req *Request) (*Response, error) {
	if b.gen == nil {
		return nil, Errorf(KindNoCredentials, "%s: no generator configured", b.id)
	}
	prompt, err := BuildPrompt(req)
	if err != nil {
		return nil, NewError(KindInvalidRequest, err)
	}

	resp, err := b.gen.Generate(ctx, SystemPrompt, prompt)
	if err != nil {
		return nil, withBackend(b.id, err)
	}
	if resp == nil || strings.TrimSpace(resp.Text) == "" {
		return nil, Errorf(KindInvalidResponse, "%s returned an empty answer", b.id)
	}
	if resp.Model == "" {
		resp.Model = b.gen.Model()
	}
	return resp, nil
}

// withBackend tags err with the backend id, classifying it if needed.
func withBackend(id string, err error) error {
	wrapped := &Error{Kind: Classify(err), Backend: id, Err: fmt.Errorf("%s: %w", id, err)}
	var inner *Error
	if errors.As(err, &inner) {
		wrapped.Status = inner.Status
	}
	return wrapped
}
