package confidence

import (
	"testing"

	"github.com/zen-systems/carepath/pkg/analyzer"
	"github.com/zen-systems/carepath/pkg/clinical"
	"github.com/zen-systems/carepath/pkg/guideline"
)

func TestLabel(t *testing.T) {
	tests := []struct {
		score int
		want  clinical.Level
	}{
		{100, clinical.LevelHigh},
		{80, clinical.LevelHigh},
		{79, clinical.LevelMedium},
		{60, clinical.LevelMedium},
		{59, clinical.LevelLow},
		{40, clinical.LevelLow},
		{39, clinical.LevelVeryLow},
		{0, clinical.LevelVeryLow},
	}
	for _, tt := range tests {
		if got := Label(tt.score); got != tt.want {
			t.Errorf("Label(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestCompleteness(t *testing.T) {
	tests := []struct {
		name string
		p    clinical.PatientContext
		want int
	}{
		{"empty", clinical.PatientContext{}, 0},
		{"short symptoms", clinical.PatientContext{Symptoms: "fever x2"}, 5},
		{"long symptoms", clinical.PatientContext{Symptoms: "fever and cough for three days"}, 10},
		{"age without gender", clinical.PatientContext{Age: clinical.AgeOf(4)}, 0},
		{
			"full record",
			clinical.PatientContext{
				Symptoms:     "fever and cough for three days",
				Vitals:       "T 38.9, RR 44",
				ExamFindings: "no indrawing",
				History:      "none",
				Age:          clinical.AgeOf(3),
				Gender:       "male",
			},
			40,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Completeness(tt.p); got != tt.want {
				t.Errorf("Completeness = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestGuidelineSupport(t *testing.T) {
	basic := guideline.Guideline{ResourceLevel: guideline.ResourceBasic}
	advanced := guideline.Guideline{ResourceLevel: guideline.ResourceAdvanced}

	tests := []struct {
		name       string
		guidelines []guideline.Guideline
		level      string
		want       int
	}{
		{"none", nil, "", 0},
		{"one basic", []guideline.Guideline{basic}, "", 20},
		{"one advanced at basic facility", []guideline.Guideline{advanced}, guideline.ResourceBasic, 10},
		{"two", []guideline.Guideline{advanced, advanced}, guideline.ResourceAdvanced, 25},
		{"three", []guideline.Guideline{basic, basic, basic}, "", 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GuidelineSupport(tt.guidelines, tt.level); got != tt.want {
				t.Errorf("GuidelineSupport = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPreAndPost(t *testing.T) {
	p := clinical.PatientContext{Age: clinical.AgeOf(3), Symptoms: "fever"}
	a := analyzer.Analyze("fever and cough", p)

	pre := Pre(p, a, []guideline.Guideline{{ResourceLevel: guideline.ResourceBasic}})
	// completeness 0 (short symptoms, no gender) + guidelines 20 + simple 30
	if pre.Total != 50 || pre.Level != clinical.LevelLow {
		t.Fatalf("pre = %+v", pre)
	}

	post := Post(pre, 0.9)
	if !post.PostExecution || post.Guidelines != 27 || post.Total != 57 {
		t.Fatalf("post = %+v", post)
	}

	if unchanged := Post(pre, 0); unchanged != pre {
		t.Fatalf("zero backend score should keep the estimate, got %+v", unchanged)
	}
	if capped := Post(pre, 5); capped.Guidelines != MaxGuidelines {
		t.Fatalf("backend score must be capped, got %+v", capped)
	}
}
