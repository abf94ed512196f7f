package guideline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/zen-systems/carepath/pkg/clinical"
)

func TestDefaultCorpusLoads(t *testing.T) {
	store, err := Default()
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if len(store.All()) < 10 {
		t.Fatalf("expected built-in corpus, got %d guidelines", len(store.All()))
	}
	seen := make(map[string]bool)
	for _, g := range store.All() {
		if seen[g.ID] {
			t.Errorf("duplicate guideline id %s", g.ID)
		}
		seen[g.ID] = true
		if g.Content == "" || g.Title == "" {
			t.Errorf("guideline %s missing title or content", g.ID)
		}
	}
}

func TestSearchRanksByRelevance(t *testing.T) {
	store, err := Default(WithLimit(3))
	if err != nil {
		t.Fatalf("default: %v", err)
	}

	results, err := store.Search(context.Background(), "fever and cough", "", clinical.PatientContext{Age: clinical.AgeOf(3)})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 || len(results) > 3 {
		t.Fatalf("unexpected result count %d", len(results))
	}
	if results[0].Category != "pediatric" {
		t.Errorf("expected pediatric guideline first for a 3 year old, got %s", results[0].ID)
	}
}

func TestSearchBoostsDomain(t *testing.T) {
	store := NewMemoryStore([]Guideline{
		{ID: "peds", Title: "fever", Category: "pediatric", Content: "fever and cough"},
		{ID: "inf", Title: "fever", Category: "infectious", Content: "fever and cough"},
		{ID: "mat", Title: "fever", Category: "maternal", Content: "fever and cough"},
	})

	tests := []struct {
		domain  string
		patient clinical.PatientContext
		want    string
	}{
		{"infectious", clinical.PatientContext{}, "inf"},
		{"maternal", clinical.PatientContext{}, "mat"},
		{"pediatric", clinical.PatientContext{}, "peds"},
		{"general", clinical.PatientContext{Pregnant: true}, "peds"},
		{"", clinical.PatientContext{Pregnant: true}, "mat"},
	}
	for _, tt := range tests {
		t.Run("domain="+tt.domain, func(t *testing.T) {
			results, err := store.Search(context.Background(), "fever cough", tt.domain, tt.patient)
			if err != nil {
				t.Fatalf("search: %v", err)
			}
			if len(results) == 0 || results[0].ID != tt.want {
				t.Fatalf("first result = %v, want %s", results, tt.want)
			}
		})
	}
}

func TestSearchEmptySymptoms(t *testing.T) {
	store := NewMemoryStore([]Guideline{{ID: "x", Title: "x", Content: "fever"}})
	results, err := store.Search(context.Background(), "  ", "", clinical.PatientContext{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
}

func TestSearchHonorsCancellation(t *testing.T) {
	store := NewMemoryStore([]Guideline{{ID: "x", Title: "fever", Content: "fever"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Search(ctx, "fever", "", clinical.PatientContext{}); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "g.yaml")
	data := []byte("guidelines:\n  - id: g1\n    title: Burns\n    category: emergency\n    resource_level: basic\n    content: Cool the burn with running water.\n")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	store, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(store.All()) != 1 || store.All()[0].ID != "g1" {
		t.Fatalf("unexpected guidelines: %+v", store.All())
	}

	if err := os.WriteFile(path, []byte("guidelines:\n  - title: no id\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected error for guideline without id")
	}
}

func TestSuitableFor(t *testing.T) {
	tests := []struct {
		guideline string
		facility  string
		want      bool
	}{
		{ResourceBasic, ResourceBasic, true},
		{ResourceIntermediate, ResourceBasic, false},
		{ResourceIntermediate, ResourceAdvanced, true},
		{ResourceAdvanced, "", false},
		{"", "", true},
	}
	for _, tt := range tests {
		g := Guideline{ResourceLevel: tt.guideline}
		if got := g.SuitableFor(tt.facility); got != tt.want {
			t.Errorf("SuitableFor(%q) on %q = %v, want %v", tt.facility, tt.guideline, got, tt.want)
		}
	}
}
