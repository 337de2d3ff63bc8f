package registry

import (
	"fmt"
	"time"
)

// NotFoundError reports an execution request against a capability id that was
// never registered (or whose binding has been removed).
type NotFoundError struct {
	CapabilityID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("capability %q not found", e.CapabilityID)
}

// UnavailableError reports a capability whose owning plugin exists but is not
// currently enabled. Distinct from NotFoundError so callers can tell
// "never existed" from "temporarily unavailable".
type UnavailableError struct {
	PluginID     string
	CapabilityID string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("capability %q: plugin %q is not enabled", e.CapabilityID, e.PluginID)
}

// RateLimitError reports a call rejected by a capability's declared
// per-minute rate limit.
type RateLimitError struct {
	CapabilityID string
	Limit        int // Requests per minute
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("capability %q: rate limit of %d requests/minute exceeded", e.CapabilityID, e.Limit)
}

// InputError reports parameters that failed the capability's input schema.
// The wrapped error lists every schema violation.
type InputError struct {
	CapabilityID string
	Err          error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("capability %q: invalid input: %v", e.CapabilityID, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

// TimeoutError reports a handler that did not return within the capability's
// configured timeout. Kept distinct from ExecutionError so a slow handler is
// never conflated with a failing one.
type TimeoutError struct {
	PluginID     string
	CapabilityID string
	Timeout      time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("capability %q (plugin %q) timed out after %s", e.CapabilityID, e.PluginID, e.Timeout)
}

// ExecutionError wraps an error raised by a capability handler, carrying the
// plugin and capability context the caller needs to act on it.
type ExecutionError struct {
	PluginID     string
	CapabilityID string
	Err          error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("capability %q (plugin %q) failed: %v", e.CapabilityID, e.PluginID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
