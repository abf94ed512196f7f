package executor

import (
	"fmt"
	"strings"

	"github.com/zen-systems/carepath/pkg/clinical"
)

// ChainError is returned when every backend in the chain failed.
type ChainError struct {
	Attempts []clinical.ExecutionAttempt
	// Err is the last failure, or the context error when the query was
	// canceled before the chain finished.
	Err error
}

func (e *ChainError) Error() string {
	if len(e.Attempts) == 0 {
		if e.Err != nil {
			return fmt.Sprintf("no backend attempted: %v", e.Err)
		}
		return "no backend attempted"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s#%d(%s)", a.Backend, a.Attempt, a.ErrorKind))
	}
	return "all backends failed: " + strings.Join(parts, ", ")
}

func (e *ChainError) Unwrap() error {
	return e.Err
}

// Attempted returns the distinct backends tried, in order.
func (e *ChainError) Attempted() []string {
	return attempted(e.Attempts)
}

func attempted(attempts []clinical.ExecutionAttempt) []string {
	var out []string
	seen := make(map[string]bool)
	for _, a := range attempts {
		if !seen[a.Backend] {
			seen[a.Backend] = true
			out = append(out, a.Backend)
		}
	}
	return out
}
