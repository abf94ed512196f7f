package executor

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/zen-systems/carepath/pkg/clinical"
)

// MinAnswerLength is the shortest answer accepted.
const MinAnswerLength = 40

// Field caps applied after a context-too-large failure.
const (
	MaxSymptoms    = 500
	MaxHistory     = 400
	MaxMedications = 200
	MaxAllergies   = 200
	MaxQuestion    = 600
)

var structureMarkers = []string{
	"##",
	"assessment",
	"recommend",
	"refer",
	"danger sign",
	"treatment",
	"management",
	"diagnosis",
	"follow-up",
	"follow up",
}

var (
	errTooShort     = errors.New("answer too short")
	errUnstructured = errors.New("answer has no clinical structure")
)

// Validate checks an answer is long enough and carries at least one
// clinical structure marker.
func Validate(text string) error {
	text = strings.TrimSpace(text)
	if len(text) < MinAnswerLength {
		return errTooShort
	}
	lower := strings.ToLower(text)
	for _, m := range structureMarkers {
		if strings.Contains(lower, m) {
			return nil
		}
	}
	return errUnstructured
}

// Truncate caps the free-text fields of q. The caller's copy is not touched.
func Truncate(q clinical.ClinicalQuery) clinical.ClinicalQuery {
	q.Question = clip(q.Question, MaxQuestion)
	q.Patient.Symptoms = clip(q.Patient.Symptoms, MaxSymptoms)
	q.Patient.History = clip(q.Patient.History, MaxHistory)
	q.Patient.Medications = clip(q.Patient.Medications, MaxMedications)
	q.Patient.Allergies = clip(q.Patient.Allergies, MaxAllergies)
	return q
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
