// Package analyzer classifies a clinical query and its patient context into
// urgency, complexity, age group and clinical domain features.
package analyzer

import (
	"strings"

	"github.com/zen-systems/carepath/pkg/clinical"
)

// AgeGroup is a coarse age band.
type AgeGroup string

const (
	AgeInfant     AgeGroup = "infant"
	AgeChild      AgeGroup = "child"
	AgeAdolescent AgeGroup = "adolescent"
	AgeAdult      AgeGroup = "adult"
	AgeElderly    AgeGroup = "elderly"
	AgeUnknown    AgeGroup = "unknown"
)

// Domain tags which guideline subset a query should be grounded on.
type Domain string

const (
	DomainMaternal   Domain = "maternal"
	DomainPediatric  Domain = "pediatric"
	DomainInfectious Domain = "infectious"
	DomainGeneral    Domain = "general"
)

// Length thresholds, in bytes of trimmed text.
const (
	SimpleQuestionMax  = 60
	SimpleSymptomsMax  = 120
	ComplexQuestionMin = 240
	ComplexHistoryMin  = 150
	ComplexMedications = 3
	SafeAgeMin         = 2
	SafeAgeMax         = 75
	PediatricAgeMax    = 5
)

var criticalKeywords = []string{
	"unconscious",
	"unconsciousness",
	"unresponsive",
	"convulsion",
	"convulsions",
	"convulsing",
	"severe bleeding",
	"shock",
	"chest pain",
}

var emergencyKeywords = []string{
	"seizure",
	"seizures",
	"difficulty breathing",
	"not breathing",
	"cannot breathe",
	"respiratory distress",
	"hemorrhage",
	"haemorrhage",
	"heavy bleeding",
	"anaphylaxis",
	"eclampsia",
	"stroke",
	"overdose",
	"poisoning",
	"snake bite",
	"burns",
	"head injury",
	"stiff neck",
	"cyanosis",
	"severe dehydration",
	"severe abdominal pain",
}

var complexityKeywords = []string{
	"multiple",
	"several",
	"chronic",
	"recurrent",
	"persistent",
	"complicated",
	"complication",
	"complications",
	"comorbid",
	"comorbidities",
	"worsening",
	"not responding",
}

var maternalKeywords = []string{
	"pregnant",
	"pregnancy",
	"antenatal",
	"postpartum",
	"labour",
	"labor",
	"trimester",
	"breastfeeding",
	"miscarriage",
	"preeclampsia",
	"eclampsia",
}

var infectiousKeywords = []string{
	"fever",
	"malaria",
	"tuberculosis",
	"tb",
	"hiv",
	"diarrhea",
	"diarrhoea",
	"cholera",
	"typhoid",
	"pneumonia",
	"infection",
	"measles",
	"cough",
}

// Analysis is the feature set extracted from one query.
type Analysis struct {
	IsEmergency bool     `json:"is_emergency"`
	IsCritical  bool     `json:"is_critical"`
	IsSimple    bool     `json:"is_simple"`
	IsComplex   bool     `json:"is_complex"`
	AgeGroup    AgeGroup `json:"age_group"`
	Domain      Domain   `json:"domain"`
	// Matched lists the urgency keywords that fired.
	Matched []string `json:"matched,omitempty"`
	// Reasons explains the complexity classification.
	Reasons []string `json:"reasons,omitempty"`
}

// Analyze classifies a query. It is pure and deterministic.
func Analyze(question string, p clinical.PatientContext) Analysis {
	q := strings.TrimSpace(question)
	symptoms := strings.TrimSpace(p.Symptoms)
	history := strings.TrimSpace(p.History)
	meds := strings.TrimSpace(p.Medications)

	text := strings.ToLower(q + " " + symptoms)

	var a Analysis

	critical := matchAny(text, criticalKeywords)
	emergency := matchAny(text, emergencyKeywords)
	a.IsCritical = len(critical) > 0
	a.IsEmergency = a.IsCritical || len(emergency) > 0
	a.Matched = append(critical, emergency...)

	a.IsSimple = len(q) < SimpleQuestionMax && history == "" && meds == "" && len(symptoms) < SimpleSymptomsMax
	if !a.IsSimple {
		a.Reasons = complexityReasons(q, text, history, meds, p)
		a.IsComplex = len(a.Reasons) > 0
	}

	a.AgeGroup = ageGroup(p.Age)
	a.Domain = domain(text, p)
	return a
}

func complexityReasons(q, text, history, meds string, p clinical.PatientContext) []string {
	var reasons []string
	if len(q) > ComplexQuestionMin {
		reasons = append(reasons, "long question")
	}
	if len(history) > ComplexHistoryMin {
		reasons = append(reasons, "extensive history")
	}
	if countEntries(meds) > ComplexMedications {
		reasons = append(reasons, "polypharmacy")
	}
	if p.Age != nil && (*p.Age < SafeAgeMin || *p.Age > SafeAgeMax) {
		reasons = append(reasons, "age outside adult band")
	}
	if p.Pregnant {
		reasons = append(reasons, "pregnancy")
	}
	if hits := matchAny(strings.ToLower(text+" "+history), complexityKeywords); len(hits) > 0 {
		reasons = append(reasons, "complexity terms: "+strings.Join(hits, ", "))
	}
	return reasons
}

func countEntries(list string) int {
	if list == "" {
		return 0
	}
	n := 0
	for _, part := range strings.Split(list, ",") {
		if strings.TrimSpace(part) != "" {
			n++
		}
	}
	return n
}

func ageGroup(age *int) AgeGroup {
	if age == nil || *age < 0 {
		return AgeUnknown
	}
	switch a := *age; {
	case a < 1:
		return AgeInfant
	case a < 12:
		return AgeChild
	case a < 18:
		return AgeAdolescent
	case a < 65:
		return AgeAdult
	default:
		return AgeElderly
	}
}

func domain(text string, p clinical.PatientContext) Domain {
	if p.Pregnant || len(matchAny(text, maternalKeywords)) > 0 {
		return DomainMaternal
	}
	if p.Age != nil && *p.Age >= 0 && *p.Age < PediatricAgeMax {
		return DomainPediatric
	}
	if len(matchAny(text, infectiousKeywords)) > 0 {
		return DomainInfectious
	}
	return DomainGeneral
}
