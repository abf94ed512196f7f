// Package retrieval implements the semantic-retrieval backend: an embedding
// index over the guideline corpus and a template that composes answers from
// the closest guidelines.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"github.com/zen-systems/carepath/pkg/adapter"
	"github.com/zen-systems/carepath/pkg/analyzer"
	"github.com/zen-systems/carepath/pkg/clinical"
	"github.com/zen-systems/carepath/pkg/guideline"
)

// ID is the backend id of the retrieval engine.
const ID = "retrieval"

// MaxScore caps the reported match score; retrieval never claims certainty.
const MaxScore = 0.95

type entry struct {
	g    guideline.Guideline
	text string
	vec  Vector
}

// Hit is a guideline with its similarity to the query.
type Hit struct {
	Guideline  guideline.Guideline
	Similarity float64
}

// Backend is the retrieval backend. The index is written once by Init and
// read-only afterwards.
type Backend struct {
	store    guideline.Store
	topK     int
	minSim   float64
	logger   zerolog.Logger
	index    []entry
	ready    atomic.Bool
	initOnce sync.Once
	initErr  error
	done     chan struct{}
}

// Option configures a Backend.
type Option func(*Backend)

// WithTopK sets how many guidelines are composed into an answer.
func WithTopK(k int) Option {
	return func(b *Backend) {
		if k > 0 {
			b.topK = k
		}
	}
}

// WithMinSimilarity sets the similarity below which hits are dropped.
func WithMinSimilarity(sim float64) Option {
	return func(b *Backend) {
		b.minSim = sim
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// New creates a retrieval backend over store. Call Init or Start before use.
func New(store guideline.Store, opts ...Option) *Backend {
	b := &Backend{
		store:  store,
		topK:   3,
		minSim: 0.08,
		logger: zerolog.Nop(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Init builds the index synchronously. Subsequent calls return the first
// result.
func (b *Backend) Init(ctx context.Context) error {
	b.initOnce.Do(func() {
		defer close(b.done)
		start := time.Now()

		corpus := b.store.All()
		index := make([]entry, 0, len(corpus))
		for _, g := range corpus {
			if err := ctx.Err(); err != nil {
				b.initErr = fmt.Errorf("build retrieval index: %w", err)
				return
			}
			text := strings.ToLower(g.Text())
			index = append(index, entry{g: g, text: text, vec: Embed(text)})
		}
		b.index = index
		b.ready.Store(true)

		b.logger.Info().
			Int("guidelines", len(index)).
			Dur("elapsed", time.Since(start)).
			Msg("retrieval index ready")
	})
	return b.initErr
}

// Start builds the index in the background.
func (b *Backend) Start(ctx context.Context) {
	go func() {
		if err := b.Init(ctx); err != nil {
			b.logger.Error().Err(err).Msg("retrieval index build failed")
		}
	}()
}

// WaitReady blocks until the index build finishes or ctx ends.
func (b *Backend) WaitReady(ctx context.Context) error {
	select {
	case <-b.done:
		return b.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backend) ID() string { return ID }

func (b *Backend) Kind() clinical.Kind { return clinical.KindRetrieval }

func (b *Backend) Capabilities() clinical.Capabilities {
	return clinical.Capabilities{OfflineCapable: true, Deterministic: true}
}

// Ready reports whether the index has finished building.
func (b *Backend) Ready() bool { return b.ready.Load() }

// Search returns the closest guidelines to text. Guidelines whose category
// matches domain get a small boost.
func (b *Backend) Search(text string, domain analyzer.Domain, level string) []Hit {
	if !b.Ready() {
		return nil
	}
	q := Embed(text)
	terms := tokenize(text)
	hits := make([]Hit, 0, len(b.index))
	for _, e := range b.index {
		// Hash collisions alone never make a hit.
		if guideline.Relevance(e.text, terms) == 0 {
			continue
		}
		sim := Cosine(q, e.vec)
		if sim < b.minSim {
			continue
		}
		if domain != analyzer.DomainGeneral && e.g.Category == string(domain) {
			sim += 0.05
		}
		if level != "" && !e.g.SuitableFor(level) {
			sim -= 0.05
		}
		hits = append(hits, Hit{Guideline: e.g, Similarity: sim})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > b.topK {
		hits = hits[:b.topK]
	}
	return hits
}

// Execute answers from the closest guidelines.
func (b *Backend) Execute(ctx context.Context, req *adapter.Request) (*adapter.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !b.Ready() {
		return nil, adapter.Errorf(adapter.KindOffline, "retrieval index is not ready")
	}

	text := req.Query.Question + " " + req.Query.Patient.Symptoms
	hits := b.Search(text, req.Analysis.Domain, req.Query.Patient.ResourceLevel)
	if len(hits) == 0 {
		return nil, adapter.Errorf(adapter.KindInvalidResponse, "no guideline matched the query")
	}

	view := answerView{
		Emergency: req.Analysis.IsEmergency,
		Hits:      hits,
		Patient:   req.Query.Patient,
	}
	var sb strings.Builder
	if err := parsedAnswer.Execute(&sb, view); err != nil {
		return nil, adapter.NewError(adapter.KindInvalidRequest, fmt.Errorf("render retrieval answer: %w", err))
	}

	score := hits[0].Similarity
	if score > MaxScore {
		score = MaxScore
	}
	if score < 0 {
		score = 0
	}
	return &adapter.Response{Text: strings.TrimSpace(sb.String()), Model: "hashed-bow", Score: score}, nil
}

type answerView struct {
	Emergency bool
	Hits      []Hit
	Patient   clinical.PatientContext
}

const answerTemplate = `{{ if .Emergency }}**URGENT: possible emergency. Stabilise first and arrange referral.**

{{ end -}}
## Assessment
Based on {{ len .Hits }} matching guideline{{ if gt (len .Hits) 1 }}s{{ end }}:
{{ range .Hits }}- {{ .Guideline.Title }}
{{ end }}
## Recommended Actions
{{ range .Hits }}### {{ .Guideline.Title }}
{{ .Guideline.Content }}
{{ end }}
{{- if .Patient.Allergies }}
Check every medication against the recorded allergies: {{ .Patient.Allergies }}.
{{ end }}
## Referral
Refer if danger signs are present, the patient does not improve, or care is beyond the facility's resources.
`

var parsedAnswer = template.Must(template.New("retrieval").Parse(answerTemplate))
