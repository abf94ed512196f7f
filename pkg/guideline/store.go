// Package guideline provides read access to static clinical guideline text.
package guideline

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/carepath/pkg/clinical"
)

//go:embed guidelines.yaml
var defaultCorpus []byte

// Resource levels of a care setting, lowest first.
const (
	ResourceBasic        = "basic"
	ResourceIntermediate = "intermediate"
	ResourceAdvanced     = "advanced"
)

// Guideline is one reference document.
type Guideline struct {
	ID            string   `yaml:"id" json:"id"`
	Title         string   `yaml:"title" json:"title"`
	Content       string   `yaml:"content" json:"content"`
	Category      string   `yaml:"category" json:"category"`
	ResourceLevel string   `yaml:"resource_level" json:"resource_level"`
	Keywords      []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
}

// Text returns the searchable text of the guideline.
func (g Guideline) Text() string {
	return g.Title + " " + strings.Join(g.Keywords, " ") + " " + g.Content
}

// SuitableFor reports whether the guideline can be carried out at the given
// facility level. An unknown facility level is treated as basic.
func (g Guideline) SuitableFor(level string) bool {
	return resourceRank(g.ResourceLevel) <= resourceRank(level)
}

func resourceRank(level string) int {
	switch strings.ToLower(level) {
	case ResourceAdvanced:
		return 2
	case ResourceIntermediate:
		return 1
	default:
		return 0
	}
}

// Store searches guidelines for a symptom description.
type Store interface {
	Search(ctx context.Context, symptoms, domain string, p clinical.PatientContext) ([]Guideline, error)
	All() []Guideline
}

type corpusFile struct {
	Guidelines []Guideline `yaml:"guidelines"`
}

// MemoryStore is an in-memory Store ranked by keyword relevance.
type MemoryStore struct {
	mu         sync.RWMutex
	guidelines []Guideline
	limit      int
	minScore   float64
}

// StoreOption configures a MemoryStore.
type StoreOption func(*MemoryStore)

// WithLimit caps the number of results returned by Search.
func WithLimit(n int) StoreOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.limit = n
		}
	}
}

// NewMemoryStore creates a store holding guidelines.
func NewMemoryStore(guidelines []Guideline, opts ...StoreOption) *MemoryStore {
	s := &MemoryStore{
		guidelines: append([]Guideline(nil), guidelines...),
		limit:      5,
		minScore:   0.1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Default returns a store over the built-in guideline corpus.
func Default(opts ...StoreOption) (*MemoryStore, error) {
	guidelines, err := Parse(defaultCorpus)
	if err != nil {
		return nil, fmt.Errorf("parse built-in guidelines: %w", err)
	}
	return NewMemoryStore(guidelines, opts...), nil
}

// LoadFile reads a YAML guideline corpus from path.
func LoadFile(path string, opts ...StoreOption) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read guidelines: %w", err)
	}
	guidelines, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse guidelines %s: %w", path, err)
	}
	return NewMemoryStore(guidelines, opts...), nil
}

// Parse decodes a YAML guideline corpus.
func Parse(data []byte) ([]Guideline, error) {
	var file corpusFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	for i, g := range file.Guidelines {
		if g.ID == "" {
			return nil, fmt.Errorf("guideline %d has no id", i)
		}
	}
	return file.Guidelines, nil
}

// All returns a copy of every guideline.
func (s *MemoryStore) All() []Guideline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Guideline(nil), s.guidelines...)
}

// Add appends guidelines to the store.
func (s *MemoryStore) Add(guidelines ...Guideline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guidelines = append(s.guidelines, guidelines...)
}

// Search ranks guidelines by keyword overlap with the symptoms. Guidelines
// whose category is the query's domain get a small boost. With no domain the
// patient decides: pregnancy boosts maternal, age under 5 pediatric.
func (s *MemoryStore) Search(ctx context.Context, symptoms, domain string, p clinical.PatientContext) ([]Guideline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keywords := ExtractKeywords(strings.ToLower(symptoms))
	if len(keywords) == 0 {
		return nil, nil
	}

	type scored struct {
		g     Guideline
		score float64
	}
	var results []scored
	for _, g := range s.guidelines {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		score := Relevance(strings.ToLower(g.Text()), keywords)
		if score < s.minScore {
			continue
		}
		if boosted(g.Category, domain, p) {
			score += 0.2
		}
		results = append(results, scored{g: g, score: score})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].score > results[j].score })

	out := make([]Guideline, 0, s.limit)
	for _, r := range results {
		if len(out) == s.limit {
			break
		}
		out = append(out, r.g)
	}
	return out, nil
}

func boosted(category, domain string, p clinical.PatientContext) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	switch domain {
	case "":
		return (p.Pregnant && category == "maternal") ||
			(p.Age != nil && *p.Age < 5 && category == "pediatric")
	case "general":
		return false
	}
	return category == domain
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"what": true, "how": true, "where": true, "when": true, "why": true,
	"to": true, "of": true, "in": true, "for": true, "on": true,
	"and": true, "or": true, "but": true, "with": true, "has": true,
	"have": true, "patient": true, "days": true, "since": true, "should": true,
}

// ExtractKeywords splits text into lower-case words, dropping stop words and
// anything shorter than three letters.
func ExtractKeywords(text string) []string {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-')
	})
	var keywords []string
	seen := make(map[string]bool)
	for _, w := range words {
		if len(w) > 2 && !stopWords[w] && !seen[w] {
			seen[w] = true
			keywords = append(keywords, w)
		}
	}
	return keywords
}

// Relevance is the fraction of keywords present in content.
func Relevance(content string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	matches := 0
	for _, kw := range keywords {
		if strings.Contains(content, kw) {
			matches++
		}
	}
	return float64(matches) / float64(len(keywords))
}
