package bias

import (
	"fmt"
	"strings"

	"github.com/zen-systems/carepath/pkg/clinical"
)

// Change records one mitigation applied to an answer.
type Change struct {
	Category    string `json:"category,omitempty"`
	Original    string `json:"original,omitempty"`
	Replacement string `json:"replacement,omitempty"`
	Disclaimer  bool   `json:"disclaimer,omitempty"`
}

func (c Change) String() string {
	if c.Disclaimer {
		return "appended disclaimer"
	}
	return fmt.Sprintf("%s: replaced %q with %q", c.Category, c.Original, c.Replacement)
}

// Mitigate rewrites every known problematic phrase in text and, when the
// report is high or critical, appends the disclaimer. It does not modify the
// report.
func (l *Lexicon) Mitigate(text string, report clinical.BiasReport) (string, []Change) {
	var changes []Change
	for _, c := range l.Categories {
		for _, ph := range c.Phrases {
			text = ph.re.ReplaceAllStringFunc(text, func(match string) string {
				repl := ph.Replacement
				if idx := ph.re.FindStringSubmatchIndex(match); idx != nil {
					repl = string(ph.re.ExpandString(nil, ph.Replacement, match, idx))
				}
				changes = append(changes, Change{Category: c.Name, Original: match, Replacement: repl})
				return repl
			})
		}
	}

	if report.Overall.Rank() >= clinical.SeverityHigh.Rank() && l.Disclaimer != "" {
		text = strings.TrimRight(text, "\n") + "\n\n" + l.Disclaimer
		changes = append(changes, Change{Disclaimer: true})
	}
	return text, changes
}
