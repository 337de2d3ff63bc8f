package sandbox

import "time"

// Default resource bounds for sandboxed execution.
const (
	DefaultMemoryLimit = 10 * 1024 * 1024 // 10 MB
	DefaultTimeout     = 5 * time.Second
)

// Limits defines the resource bounds enforced on a single sandboxed state.
type Limits struct {
	// MaxMemoryBytes bounds the state's memory growth. Enforced two ways:
	// the Lua registry ceiling caps stack growth, and a per-execution watch
	// samples heap growth and aborts the execution on breach. Either path
	// surfaces as a LimitError.
	MaxMemoryBytes int64

	// Timeout is the wall-clock bound on script loads and registration
	// calls. Handler calls are bounded by the caller's context instead,
	// carrying each capability's own timeout.
	Timeout time.Duration
}

// DefaultLimits returns the bounds applied when a manifest declares none.
func DefaultLimits() Limits {
	return Limits{
		MaxMemoryBytes: DefaultMemoryLimit,
		Timeout:        DefaultTimeout,
	}
}

// StrictLimits returns tighter bounds for untrusted plugins.
func StrictLimits() Limits {
	return Limits{
		MaxMemoryBytes: 2 * 1024 * 1024,
		Timeout:        1 * time.Second,
	}
}

// registrySlots converts a byte ceiling to a Lua registry slot ceiling.
// Each registry slot holds one Lua value; 64 bytes is a conservative
// per-slot estimate for accounting purposes.
func registrySlots(maxBytes int64) int {
	const bytesPerSlot = 64
	slots := int(maxBytes / bytesPerSlot)
	if slots < 1024 {
		slots = 1024
	}
	return slots
}
