package graph

import "strings"

// ValidationError is returned by Build when the diagram violates structural
// invariants. It accumulates every violation instead of stopping at the
// first one; a partial Graph is never exposed.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 1 {
		return "diagram validation failed: " + e.Issues[0]
	}
	return "diagram validation failed:\n  - " + strings.Join(e.Issues, "\n  - ")
}

func (e *ValidationError) add(issue string) {
	e.Issues = append(e.Issues, issue)
}
