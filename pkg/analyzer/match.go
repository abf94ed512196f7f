package analyzer

import "strings"

// ContainsPhrase checks if the text contains the trigger phrase as a word or
// phrase boundary match. Both arguments are expected in lower case.
func ContainsPhrase(text, trigger string) bool {
	for start := 0; start < len(text); {
		idx := strings.Index(text[start:], trigger)
		if idx == -1 {
			return false
		}
		idx += start

		endIdx := idx + len(trigger)
		before := idx == 0 || !isWordChar(text[idx-1])
		after := endIdx >= len(text) || !isWordChar(text[endIdx])
		if before && after {
			return true
		}
		start = idx + 1
	}
	return false
}

// matchAny returns every trigger found in text, in trigger order.
func matchAny(text string, triggers []string) []string {
	var hits []string
	for _, trigger := range triggers {
		if ContainsPhrase(text, trigger) {
			hits = append(hits, trigger)
		}
	}
	return hits
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}
