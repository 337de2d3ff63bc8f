package kernel

import (
	"fmt"
	"sync"
	"time"

	"github.com/pylonhq/pylon/internal/manifest"
	"github.com/pylonhq/pylon/internal/sandbox"
)

// Instance is a loaded, in-memory plugin: its manifest, its sandboxed Lua
// runtime, and the capability ids it actually registered. Exactly one
// Instance exists per plugin id at a time.
type Instance struct {
	mu sync.RWMutex

	manifest   *manifest.Manifest
	bundle     Candidate
	state      State
	sandbox    *sandbox.State
	registered []string
	loadedAt   time.Time

	// hasShutdown records whether the entry script defined a shutdown()
	// global, checked once at load time.
	hasShutdown bool
}

// ID returns the plugin id.
func (in *Instance) ID() string {
	return in.manifest.ID
}

// Manifest returns a copy of the plugin's validated manifest.
func (in *Instance) Manifest() *manifest.Manifest {
	return in.manifest.Clone()
}

// State returns the current lifecycle state.
func (in *Instance) State() State {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.state
}

// Registered returns the capability ids the plugin registered at load time.
func (in *Instance) Registered() []string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return append([]string(nil), in.registered...)
}

// LoadedAt returns when the load committed.
func (in *Instance) LoadedAt() time.Time {
	return in.loadedAt
}

// transition moves the instance to next, enforcing the lifecycle machine.
func (in *Instance) transition(next State) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if !in.state.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, in.state, next)
	}
	in.state = next
	return nil
}
