package sandbox

import (
	"errors"
	"fmt"
)

// ErrStateClosed is returned when attempting to use a closed state.
var ErrStateClosed = errors.New("sandbox state is closed")

// Violation is returned when plugin code attempts to reach a module outside
// the allow-list. The kernel treats it as fatal for the load attempt.
type Violation struct {
	// Module is the module the plugin tried to require.
	Module string
}

// Error implements the error interface.
func (e *Violation) Error() string {
	return fmt.Sprintf("isolation violation: module %q is outside the allow-list", e.Module)
}

// LimitError is returned when a declared resource bound is exceeded during
// sandboxed execution. The kernel treats it as fatal for the load attempt.
type LimitError struct {
	// Resource names the exceeded bound ("time" or "memory").
	Resource string

	// Detail carries the underlying cause, if any.
	Detail string
}

// Error implements the error interface.
func (e *LimitError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("resource limit exceeded: %s", e.Resource)
	}
	return fmt.Sprintf("resource limit exceeded: %s (%s)", e.Resource, e.Detail)
}
