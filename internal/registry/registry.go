// Package registry stores capability metadata and handler bindings and
// mediates every capability execution: enabled-gate, rate limiting, input
// validation, timeout enforcement, health accounting, and execution events.
// It is independent of how handlers were obtained.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pylonhq/pylon/internal/event"
	"github.com/pylonhq/pylon/internal/manifest"
)

// ErrNilHandler is returned when registering a capability without a handler.
var ErrNilHandler = errors.New("capability handler must not be nil")

// Handler executes one capability call. Implementations must honor ctx
// cancellation; a handler that ignores it keeps running past its timeout
// but its result is discarded.
type Handler func(ctx context.Context, ec ExecContext, params map[string]any) (any, error)

// StateFunc reports whether the plugin owning a capability is currently
// enabled. The kernel supplies it so the registry stays independent of
// lifecycle bookkeeping.
type StateFunc func(pluginID string) bool

// Recorder receives per-plugin execution outcomes for health accounting.
type Recorder interface {
	RecordExecution(pluginID string, success bool)
}

// Binding is the public view of one registered capability.
type Binding struct {
	PluginID   string
	Capability manifest.Capability
}

// binding is the stored form, including per-capability enforcement state.
type binding struct {
	pluginID string
	desc     manifest.Capability
	handler  Handler
	limiter  *rateLimiter
	execMu   sync.Mutex // Held across the call when concurrency is exclusive
}

// Registry maps capability ids to handler bindings. Reads are safe under
// concurrency; writes hold a short exclusive lock.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]*binding

	enabled StateFunc
	bus     *event.Bus
	health  Recorder
	logger  zerolog.Logger

	executions atomic.Uint64
	failures   atomic.Uint64
	timeouts   atomic.Uint64
}

// Option configures a Registry.
type Option func(*Registry)

// WithBus attaches an event bus; execution outcomes are published to it.
func WithBus(bus *event.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

// WithRecorder attaches a health recorder for execution outcomes.
func WithRecorder(rec Recorder) Option {
	return func(r *Registry) { r.health = rec }
}

// WithLogger sets the registry logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates a capability registry. enabled may be nil, in which
// case every registered plugin is treated as enabled.
func NewRegistry(enabled StateFunc, opts ...Option) *Registry {
	r := &Registry{
		caps:    make(map[string]*binding),
		enabled: enabled,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register stores a capability binding. Overwriting an existing capability id
// is permitted (hot reload) but logged as a warning.
func (r *Registry) Register(pluginID string, desc manifest.Capability, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("register %q: %w", desc.ID, ErrNilHandler)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.caps[desc.ID]; ok {
		r.logger.Warn().
			Str("capability", desc.ID).
			Str("previous_plugin", prev.pluginID).
			Str("plugin", pluginID).
			Msg("overwriting existing capability binding")
	}
	r.caps[desc.ID] = &binding{
		pluginID: pluginID,
		desc:     desc,
		handler:  handler,
		limiter:  newRateLimiter(desc.RateLimit, nil),
	}
	return nil
}

// RemovePlugin drops every binding owned by the plugin and returns how many
// were removed.
func (r *Registry) RemovePlugin(pluginID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, b := range r.caps {
		if b.pluginID == pluginID {
			delete(r.caps, id)
			removed++
		}
	}
	return removed
}

// Lookup resolves a capability id to its owning plugin and descriptor.
func (r *Registry) Lookup(capabilityID string) (string, manifest.Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.caps[capabilityID]
	if !ok {
		return "", manifest.Capability{}, false
	}
	return b.pluginID, b.desc, true
}

// List returns every binding, sorted by capability id.
func (r *Registry) List() []Binding {
	r.mu.RLock()
	out := make([]Binding, 0, len(r.caps))
	for _, b := range r.caps {
		out = append(out, Binding{PluginID: b.pluginID, Capability: b.desc})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Capability.ID < out[j].Capability.ID })
	return out
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.caps)
}

// Execute runs a capability by id with the given parameters.
func (r *Registry) Execute(ctx context.Context, capabilityID string, params map[string]any) (any, error) {
	return r.ExecuteAs(ctx, capabilityID, "", params)
}

// ExecuteAs runs a capability on behalf of a specific user id. The error is
// one of *NotFoundError, *UnavailableError, *RateLimitError, *InputError,
// *TimeoutError, or *ExecutionError.
func (r *Registry) ExecuteAs(ctx context.Context, capabilityID, userID string, params map[string]any) (any, error) {
	r.mu.RLock()
	b, ok := r.caps[capabilityID]
	r.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{CapabilityID: capabilityID}
	}

	// Pre-execution gates reject without publishing an execution event:
	// nothing ran, so nothing executed or failed.
	if r.enabled != nil && !r.enabled(b.pluginID) {
		return nil, &UnavailableError{PluginID: b.pluginID, CapabilityID: capabilityID}
	}
	if err := validateInput(&b.desc, params); err != nil {
		return nil, err
	}
	// Rate limiting comes after validation so a schema-rejected call does
	// not consume a token.
	if !b.limiter.allow() {
		return nil, &RateLimitError{CapabilityID: capabilityID, Limit: b.desc.RateLimit}
	}

	ec := newExecContext(b.pluginID, capabilityID, userID, time.Duration(b.desc.TimeoutSeconds)*time.Second)

	if b.desc.Concurrency == manifest.ConcurrencyExclusive {
		b.execMu.Lock()
		defer b.execMu.Unlock()
	}

	result, err := r.invoke(ctx, b, ec, params)

	success := err == nil
	r.executions.Add(1)
	if !success {
		r.failures.Add(1)
	}
	if r.health != nil {
		r.health.RecordExecution(b.pluginID, success)
	}
	r.publishOutcome(ec, err)

	return result, err
}

// validateInput checks params against the capability's input schema, if any.
func validateInput(desc *manifest.Capability, params map[string]any) error {
	if desc.InputSchema == nil {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return &InputError{CapabilityID: desc.ID, Err: err}
	}
	if err := desc.InputSchema.Validate(raw); err != nil {
		return &InputError{CapabilityID: desc.ID, Err: err}
	}
	return nil
}

type callResult struct {
	value any
	err   error
}

// invoke runs the handler under the capability timeout, converting panics,
// handler errors, and deadline hits into the execution error taxonomy.
func (r *Registry) invoke(ctx context.Context, b *binding, ec ExecContext, params map[string]any) (any, error) {
	execCtx, cancel := context.WithTimeout(ctx, ec.Timeout)
	defer cancel()

	ch := make(chan callResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- callResult{err: fmt.Errorf("handler panic: %v", p)}
			}
		}()
		value, err := b.handler(execCtx, ec, params)
		ch <- callResult{value: value, err: err}
	}()

	select {
	case <-execCtx.Done():
		r.timeouts.Add(1)
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{PluginID: ec.PluginID, CapabilityID: ec.CapabilityID, Timeout: ec.Timeout}
		}
		return nil, &ExecutionError{PluginID: ec.PluginID, CapabilityID: ec.CapabilityID, Err: execCtx.Err()}
	case res := <-ch:
		if res.err != nil {
			// A handler that observes the cancellation and returns its own
			// error can race the deadline; the deadline still decides.
			if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
				r.timeouts.Add(1)
				return nil, &TimeoutError{PluginID: ec.PluginID, CapabilityID: ec.CapabilityID, Timeout: ec.Timeout}
			}
			return nil, &ExecutionError{PluginID: ec.PluginID, CapabilityID: ec.CapabilityID, Err: res.err}
		}
		return res.value, nil
	}
}

// publishOutcome emits the execution event, success or failure, before
// Execute returns to the caller.
func (r *Registry) publishOutcome(ec ExecContext, execErr error) {
	if r.bus == nil {
		return
	}

	data := map[string]any{
		"capability_id": ec.CapabilityID,
		"request_id":    ec.RequestID,
		"duration_ms":   ec.Elapsed().Milliseconds(),
	}
	t := event.TypeCapabilityExecuted
	if execErr != nil {
		t = event.TypeCapabilityFailed
		data["error"] = execErr.Error()
	}
	r.bus.Publish(event.New(t, ec.PluginID, data).WithCorrelation(ec.RequestID))
}

// Stats is a point-in-time snapshot of execution counters.
type Stats struct {
	Capabilities int
	Executions   uint64
	Failures     uint64
	Timeouts     uint64
}

// Stats returns the current counters.
func (r *Registry) Stats() Stats {
	return Stats{
		Capabilities: r.Len(),
		Executions:   r.executions.Load(),
		Failures:     r.failures.Load(),
		Timeouts:     r.timeouts.Load(),
	}
}
