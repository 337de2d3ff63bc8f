package kernel

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors.
var (
	// ErrPluginNotFound reports an id with no discovered bundle and no
	// loaded instance.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrNoEntryPoint reports a bundle whose entry script does not define
	// the register function.
	ErrNoEntryPoint = errors.New("plugin entry point does not define register()")

	// ErrInvalidTransition reports a lifecycle operation that is not legal
	// from the plugin's current state.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

// DependencyError reports every declared dependency that is not currently
// enabled. All missing ids are collected before the load aborts.
type DependencyError struct {
	PluginID string
	Missing  []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("plugin %q: missing dependencies: %s", e.PluginID, strings.Join(e.Missing, ", "))
}

// LoadError wraps whatever made a load attempt fail after validation:
// script errors, isolation violations, resource limit breaches, registration
// failures. The underlying cause is reachable through Unwrap.
type LoadError struct {
	PluginID string
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("plugin %q: load failed: %v", e.PluginID, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
