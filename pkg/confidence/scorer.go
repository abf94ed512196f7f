// Package confidence estimates answer reliability from patient-data
// completeness, guideline support and query complexity.
package confidence

import (
	"strings"

	"github.com/zen-systems/carepath/pkg/analyzer"
	"github.com/zen-systems/carepath/pkg/clinical"
	"github.com/zen-systems/carepath/pkg/guideline"
)

// Thresholds for each label.
const (
	HighThreshold   = 80
	MediumThreshold = 60
	LowThreshold    = 40
)

// Component caps.
const (
	MaxCompleteness = 40
	MaxGuidelines   = 30
	MaxComplexity   = 30
)

// Breakdown is a scored confidence estimate.
type Breakdown struct {
	Completeness int            `json:"completeness"`
	Guidelines   int            `json:"guidelines"`
	Complexity   int            `json:"complexity"`
	Total        int            `json:"total"`
	Level        clinical.Level `json:"level"`
	// PostExecution is true when a backend score replaced the guideline
	// component.
	PostExecution bool `json:"post_execution"`
}

// Label maps a score onto a confidence level.
func Label(score int) clinical.Level {
	switch {
	case score >= HighThreshold:
		return clinical.LevelHigh
	case score >= MediumThreshold:
		return clinical.LevelMedium
	case score >= LowThreshold:
		return clinical.LevelLow
	default:
		return clinical.LevelVeryLow
	}
}

// Completeness scores how much of the patient record is filled in.
func Completeness(p clinical.PatientContext) int {
	score := 0
	symptoms := len(strings.TrimSpace(p.Symptoms))
	switch {
	case symptoms > 20:
		score += 10
	case symptoms > 5:
		score += 5
	}
	if strings.TrimSpace(p.Vitals) != "" {
		score += 10
	}
	if strings.TrimSpace(p.ExamFindings) != "" {
		score += 5
	}
	if strings.TrimSpace(p.History) != "" {
		score += 5
	}
	if p.Age != nil && strings.TrimSpace(p.Gender) != "" {
		score += 10
	}
	if score > MaxCompleteness {
		score = MaxCompleteness
	}
	return score
}

// GuidelineSupport scores the count and resource fit of retrieved guidelines.
func GuidelineSupport(guidelines []guideline.Guideline, level string) int {
	score := 0
	switch n := len(guidelines); {
	case n >= 3:
		score = 20
	case n == 2:
		score = 15
	case n == 1:
		score = 10
	}
	for _, g := range guidelines {
		if g.SuitableFor(level) {
			score += 10
			break
		}
	}
	return score
}

// Complexity scores simple queries as more certain than complex ones.
func Complexity(a analyzer.Analysis) int {
	switch {
	case a.IsSimple:
		return 30
	case a.IsComplex:
		return 10
	default:
		return 20
	}
}

// Pre estimates confidence before any backend has run.
func Pre(p clinical.PatientContext, a analyzer.Analysis, guidelines []guideline.Guideline) Breakdown {
	b := Breakdown{
		Completeness: Completeness(p),
		Guidelines:   GuidelineSupport(guidelines, p.ResourceLevel),
		Complexity:   Complexity(a),
	}
	return b.total()
}

// Post refines a pre-execution estimate with a backend-reported score in
// [0,1]. A zero backend score leaves the estimate unchanged.
func Post(pre Breakdown, backendScore float64) Breakdown {
	if backendScore <= 0 {
		return pre
	}
	if backendScore > 1 {
		backendScore = 1
	}
	b := pre
	b.Guidelines = int(backendScore*MaxGuidelines + 0.5)
	b.PostExecution = true
	return b.total()
}

func (b Breakdown) total() Breakdown {
	b.Total = b.Completeness + b.Guidelines + b.Complexity
	b.Level = Label(b.Total)
	return b
}
