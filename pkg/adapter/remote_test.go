package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zen-systems/carepath/pkg/analyzer"
	"github.com/zen-systems/carepath/pkg/clinical"
	"github.com/zen-systems/carepath/pkg/guideline"
)

func testRequest() *Request {
	q := clinical.ClinicalQuery{
		Question: "fever and cough",
		Patient: clinical.PatientContext{
			Age:      clinical.AgeOf(3),
			Gender:   "female",
			Symptoms: "fever for two days",
		},
	}
	return &Request{
		Query:    q,
		Analysis: analyzer.Analyze(q.Question, q.Patient),
		Guidelines: []guideline.Guideline{
			{ID: "g1", Title: "Fever in children", Content: "Check danger signs."},
		},
	}
}

func TestBuildPrompt(t *testing.T) {
	prompt, err := BuildPrompt(testRequest())
	if err != nil {
		t.Fatalf("build prompt: %v", err)
	}
	for _, want := range []string{"fever and cough", "Age: 3 years", "Gender: female", "Fever in children (g1)", "Check danger signs."} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if strings.Contains(prompt, "Medications") {
		t.Errorf("prompt should omit empty fields:\n%s", prompt)
	}
}

func TestRemoteBackendExecute(t *testing.T) {
	gen := NewMockGenerator("gemini", "")
	b := NewRemoteBackend(gen)

	if b.ID() != "gemini" || b.Kind() != clinical.KindRemoteModel || !b.Capabilities().RequiresNetwork {
		t.Fatalf("unexpected descriptor: %+v", Describe(b))
	}

	resp, err := b.Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(resp.Text, "## Assessment") {
		t.Errorf("unexpected text %q", resp.Text)
	}
	if gen.Calls() != 1 {
		t.Errorf("calls = %d, want 1", gen.Calls())
	}
}

func TestRemoteBackendClassifiesErrors(t *testing.T) {
	gen := NewMockGenerator("claude", "").FailWith(StatusError(429, errors.New("slow down")))
	b := NewRemoteBackend(gen)

	_, err := b.Execute(context.Background(), testRequest())
	if err == nil {
		t.Fatalf("expected error")
	}
	if Classify(err) != KindRateLimited {
		t.Fatalf("Classify = %s, want rate-limited", Classify(err))
	}
	var be *Error
	if !errors.As(err, &be) || be.Backend != "claude" || be.Status != 429 {
		t.Fatalf("expected tagged backend error, got %#v", err)
	}
}

func TestRemoteBackendEmptyAnswer(t *testing.T) {
	gen := NewMockGenerator("openai", "   ")
	b := NewRemoteBackend(gen)
	_, err := b.Execute(context.Background(), testRequest())
	if Classify(err) != KindInvalidResponse {
		t.Fatalf("Classify = %s, want invalid-response", Classify(err))
	}
}

func TestDeepSeekGenerator(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantText string
		wantKind ErrorKind
	}{
		{
			name:     "ok",
			status:   http.StatusOK,
			body:     `{"model":"deepseek-chat","choices":[{"message":{"role":"assistant","content":"## Assessment\nok"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
			wantText: "## Assessment\nok",
		},
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{"error":{"message":"rate limit"}}`, wantKind: KindRateLimited},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{}`, wantKind: KindNoCredentials},
		{name: "server error", status: http.StatusBadGateway, body: `oops`, wantKind: KindNetwork},
		{name: "filtered", status: http.StatusOK, body: `{"choices":[{"message":{"content":""},"finish_reason":"content_filter"}]}`, wantKind: KindContentFiltered},
		{name: "no choices", status: http.StatusOK, body: `{"choices":[]}`, wantKind: KindInvalidResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Authorization") != "Bearer key" {
					t.Errorf("missing bearer token")
				}
				var req deepseekRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					t.Errorf("decode request: %v", err)
				}
				if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
					t.Errorf("unexpected messages: %+v", req.Messages)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			gen, err := NewDeepSeekGenerator("key", "", WithDeepSeekBaseURL(srv.URL), WithHTTPClient(srv.Client()))
			if err != nil {
				t.Fatalf("new generator: %v", err)
			}
			resp, err := gen.Generate(context.Background(), "system", "prompt")
			if tt.wantKind != "" {
				if got := Classify(err); got != tt.wantKind {
					t.Fatalf("Classify = %q, want %q (err %v)", got, tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("generate: %v", err)
			}
			if resp.Text != tt.wantText {
				t.Errorf("text = %q, want %q", resp.Text, tt.wantText)
			}
			if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
				t.Errorf("unexpected usage %+v", resp.Usage)
			}
		})
	}
}

func TestGeneratorsRequireKeys(t *testing.T) {
	if _, err := NewClaudeGenerator("", ""); Classify(err) != KindNoCredentials {
		t.Errorf("claude: expected no-credentials, got %v", err)
	}
	if _, err := NewOpenAIGenerator("", ""); Classify(err) != KindNoCredentials {
		t.Errorf("openai: expected no-credentials, got %v", err)
	}
	if _, err := NewGeminiGenerator(context.Background(), "", ""); Classify(err) != KindNoCredentials {
		t.Errorf("gemini: expected no-credentials, got %v", err)
	}
	if _, err := NewDeepSeekGenerator("", ""); Classify(err) != KindNoCredentials {
		t.Errorf("deepseek: expected no-credentials, got %v", err)
	}
}
