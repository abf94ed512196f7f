// Package rules implements the deterministic rule backend. It never needs the
// network or an index, so it always produces structured text.
package rules

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/carepath/pkg/adapter"
	"github.com/zen-systems/carepath/pkg/analyzer"
	"github.com/zen-systems/carepath/pkg/clinical"
)

// ID is the backend id of the rule engine.
const ID = "rule"

//go:embed rules.yaml
var defaultRules []byte

// Rule is one clinical protocol entry.
type Rule struct {
	ID          string   `yaml:"id"`
	Title       string   `yaml:"title"`
	Triggers    []string `yaml:"triggers"`
	MinAge      *int     `yaml:"min_age,omitempty"`
	MaxAge      *int     `yaml:"max_age,omitempty"`
	Pregnant    bool     `yaml:"pregnant,omitempty"`
	Urgent      bool     `yaml:"urgent,omitempty"`
	Assessment  string   `yaml:"assessment"`
	Actions     []string `yaml:"actions"`
	DangerSigns []string `yaml:"danger_signs"`
	Referral    string   `yaml:"referral"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Parse decodes a YAML rule set.
func Parse(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	for i, r := range f.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d has no id", i)
		}
		if len(r.Triggers) == 0 {
			return nil, fmt.Errorf("rule %s has no triggers", r.ID)
		}
		for j, trig := range r.Triggers {
			f.Rules[i].Triggers[j] = strings.ToLower(strings.TrimSpace(trig))
		}
	}
	return f.Rules, nil
}

// LoadFile reads a YAML rule set from path.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	rules, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	return rules, nil
}

// Engine is the rule backend.
type Engine struct {
	rules    []Rule
	maxRules int
}

// New creates an engine over rules. A nil slice loads the built-in set.
func New(rules []Rule) (*Engine, error) {
	if rules == nil {
		parsed, err := Parse(defaultRules)
		if err != nil {
			return nil, fmt.Errorf("parse built-in rules: %w", err)
		}
		rules = parsed
	}
	return &Engine{rules: rules, maxRules: 2}, nil
}

func (e *Engine) ID() string { return ID }

func (e *Engine) Kind() clinical.Kind { return clinical.KindRule }

func (e *Engine) Capabilities() clinical.Capabilities {
	return clinical.Capabilities{OfflineCapable: true, Deterministic: true}
}

func (e *Engine) Ready() bool { return true }

// Rules returns the loaded rule set.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

type match struct {
	rule Rule
	hits []string
}

// Match returns the applicable rules for a query, best first.
func (e *Engine) Match(q clinical.ClinicalQuery) []Rule {
	matches := e.match(q)
	out := make([]Rule, len(matches))
	for i, m := range matches {
		out[i] = m.rule
	}
	return out
}

func (e *Engine) match(q clinical.ClinicalQuery) []match {
	text := strings.ToLower(q.Question + " " + q.Patient.Symptoms)
	var matches []match
	for _, r := range e.rules {
		if !applies(r, q.Patient) {
			continue
		}
		var hits []string
		for _, trig := range r.Triggers {
			if analyzer.ContainsPhrase(text, trig) {
				hits = append(hits, trig)
			}
		}
		if len(hits) == 0 {
			continue
		}
		matches = append(matches, match{rule: r, hits: hits})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].rule.Urgent != matches[j].rule.Urgent {
			return matches[i].rule.Urgent
		}
		return len(matches[i].hits) > len(matches[j].hits)
	})
	return matches
}

func applies(r Rule, p clinical.PatientContext) bool {
	if r.Pregnant && !p.Pregnant {
		return false
	}
	if p.Age != nil {
		if r.MaxAge != nil && *p.Age >= *r.MaxAge {
			return false
		}
		if r.MinAge != nil && *p.Age < *r.MinAge {
			return false
		}
	} else if r.MaxAge != nil {
		// Age-restricted pediatric rules need a known age.
		return false
	}
	return true
}

// Execute renders the best-matching rules, or the safety-net template when
// nothing matches.
func (e *Engine) Execute(ctx context.Context, req *adapter.Request) (*adapter.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	matches := e.match(req.Query)
	if len(matches) > e.maxRules {
		matches = matches[:e.maxRules]
	}

	view := responseView{
		Question:  req.Query.Question,
		Emergency: req.Analysis.IsEmergency,
	}
	for _, m := range matches {
		view.Rules = append(view.Rules, m.rule)
		if m.rule.Urgent {
			view.Emergency = true
		}
	}
	for _, g := range req.Guidelines {
		view.References = append(view.References, g.Title)
	}

	var b strings.Builder
	if err := parsedResponse.Execute(&b, view); err != nil {
		return nil, adapter.NewError(adapter.KindInvalidRequest, fmt.Errorf("render rule response: %w", err))
	}

	score := 0.3
	if len(matches) > 0 {
		score = 0.5 + 0.1*float64(len(matches[0].hits))
		if score > 0.8 {
			score = 0.8
		}
	}
	return &adapter.Response{Text: strings.TrimSpace(b.String()), Model: "rules", Score: score}, nil
}

type responseView struct {
	Question   string
	Emergency  bool
	Rules      []Rule
	References []string
}

const responseTemplate = `{{ if .Emergency }}**URGENT: possible emergency. Stabilise first and arrange referral.**

{{ end -}}
{{ if .Rules -}}
## Assessment
{{ range .Rules }}- {{ .Title }}: {{ .Assessment }}
{{ end }}
## Recommended Actions
{{ range .Rules }}{{ range .Actions }}- {{ . }}
{{ end }}{{ end }}
## Danger Signs
{{ range .Rules }}{{ range .DangerSigns }}- {{ . }}
{{ end }}{{ end }}
## Referral
{{ range .Rules }}- {{ .Referral }}
{{ end }}
{{- else -}}
## Assessment
No specific protocol matched this presentation. Perform a full assessment of vital signs and general danger signs.

## Recommended Actions
- Record temperature, pulse, respiratory rate and blood pressure.
- Ask about onset, duration and progression of symptoms.
- Check for allergies and current medications before treating.
- Provide supportive care and arrange follow-up within 48 hours.

## Danger Signs
- Reduced consciousness or convulsions
- Difficulty breathing
- Severe bleeding or signs of shock
- Unable to drink or keep fluids down

## Referral
- Refer urgently if any danger sign is present or the diagnosis is unclear.
{{ end -}}
{{ if .References }}
## References
{{ range .References }}- {{ . }}
{{ end }}{{ end }}`

var parsedResponse = template.Must(template.New("rules").Parse(responseTemplate))
