package manifest

import (
	"fmt"
	"strings"
)

// ValidationError aggregates every violation found while validating a
// manifest or a payload against a capability schema. Validation never stops
// at the first problem; callers see the full list in one pass.
type ValidationError struct {
	Violations []string
}

// Add appends a formatted violation.
func (e *ValidationError) Add(format string, args ...any) {
	e.Violations = append(e.Violations, fmt.Sprintf(format, args...))
}

// Empty returns true if no violations were recorded.
func (e *ValidationError) Empty() bool {
	return len(e.Violations) == 0
}

// AsError returns nil when no violations were recorded, otherwise the
// error itself.
func (e *ValidationError) AsError() error {
	if e.Empty() {
		return nil
	}
	return e
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	switch len(e.Violations) {
	case 0:
		return "validation failed"
	case 1:
		return "validation failed: " + e.Violations[0]
	default:
		return fmt.Sprintf("validation failed with %d violations: %s",
			len(e.Violations), strings.Join(e.Violations, "; "))
	}
}
