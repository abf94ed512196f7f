package bias

import (
	"sort"
	"strings"

	"github.com/zen-systems/carepath/pkg/clinical"
)

// SeverityForCount maps an evidence count onto a severity.
func SeverityForCount(n int) clinical.Severity {
	switch {
	case n <= 0:
		return clinical.SeverityNone
	case n == 1:
		return clinical.SeverityLow
	case n <= 3:
		return clinical.SeverityMedium
	case n <= 5:
		return clinical.SeverityHigh
	default:
		return clinical.SeverityCritical
	}
}

// span is one matched region of the scanned text.
type span struct {
	start, end int
	group      string
}

// Detect scans text for every category in the lexicon. Overlapping keyword
// and phrase matches count as a single occurrence. A finding is escalated
// one level when an occurrence is aimed at a group the patient belongs to.
func (l *Lexicon) Detect(text string, p clinical.PatientContext) clinical.BiasReport {
	report := clinical.BiasReport{Overall: clinical.SeverityNone}

	for _, c := range l.Categories {
		var spans []span
		for _, re := range c.keywordRes {
			for _, loc := range re.FindAllStringIndex(text, -1) {
				spans = append(spans, span{start: loc[0], end: loc[1], group: c.Group})
			}
		}
		for _, ph := range c.Phrases {
			group := ph.Group
			if group == "" {
				group = c.Group
			}
			for _, loc := range ph.re.FindAllStringIndex(text, -1) {
				spans = append(spans, span{start: loc[0], end: loc[1], group: group})
			}
		}

		occurrences := mergeSpans(spans)
		if len(occurrences) == 0 {
			continue
		}

		evidence := make([]string, 0, len(occurrences))
		escalate := false
		for _, o := range occurrences {
			evidence = append(evidence, text[o.start:o.end])
			if o.group != "" && memberOf(o.group, p) {
				escalate = true
			}
		}

		severity := SeverityForCount(len(occurrences))
		if escalate {
			severity = severity.Escalate()
		}
		report.Categories = append(report.Categories, clinical.BiasFinding{
			Category: c.Name,
			Severity: severity,
			Evidence: evidence,
		})
		if severity.Rank() > report.Overall.Rank() {
			report.Overall = severity
		}
	}
	return report
}

// mergeSpans collapses overlapping matches into one occurrence each. The
// merged occurrence keeps the first group any of its matches named.
func mergeSpans(spans []span) []span {
	if len(spans) == 0 {
		return nil
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})

	out := []span{spans[0]}
	for _, s := range spans[1:] {
		cur := &out[len(out)-1]
		if s.start < cur.end {
			if s.end > cur.end {
				cur.end = s.end
			}
			if cur.group == "" {
				cur.group = s.group
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

// memberOf reports whether the patient belongs to group. Unknown gender or
// age never matches.
func memberOf(group string, p clinical.PatientContext) bool {
	switch group {
	case GroupFemale:
		switch strings.ToLower(strings.TrimSpace(p.Gender)) {
		case "female", "f", "woman", "girl":
			return true
		}
	case GroupMale:
		switch strings.ToLower(strings.TrimSpace(p.Gender)) {
		case "male", "m", "man", "boy":
			return true
		}
	case GroupElderly:
		return p.Age != nil && *p.Age >= 65
	case GroupMinor:
		return p.Age != nil && *p.Age < 18
	}
	return false
}
