// Package kernel is the plugin lifecycle manager. It orchestrates discovery,
// manifest validation, dependency resolution, sandboxed registration, and
// capability execution, publishing lifecycle events throughout.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pylonhq/pylon/internal/event"
	"github.com/pylonhq/pylon/internal/health"
	"github.com/pylonhq/pylon/internal/manifest"
	"github.com/pylonhq/pylon/internal/registry"
	"github.com/pylonhq/pylon/internal/sandbox"
)

// Config carries the kernel's collaborators and settings. Every dependency is
// constructed explicitly and passed in; the kernel holds no ambient state.
type Config struct {
	// Paths are the directories scanned for plugin bundles.
	Paths []string

	// Logger is used by the kernel and handed down to components.
	Logger zerolog.Logger

	// Bus receives lifecycle and execution events. Constructed internally
	// when nil.
	Bus *event.Bus

	// Health receives load and execution outcomes. Constructed internally
	// when nil.
	Health *health.Monitor

	// DefaultLimits apply where a manifest's sandbox config is silent.
	DefaultLimits sandbox.Limits
}

// Kernel owns the plugin table and mediates every operation on it.
type Kernel struct {
	mu      sync.RWMutex
	plugins map[string]*Instance

	// failed tracks the last load error per id for ids with no instance.
	failed map[string]error

	paths    []string
	logger   zerolog.Logger
	bus      *event.Bus
	health   *health.Monitor
	registry *registry.Registry
	defaults sandbox.Limits
}

// New creates a kernel from the given configuration.
func New(cfg Config) *Kernel {
	if cfg.Bus == nil {
		cfg.Bus = event.NewBus(event.WithLogger(cfg.Logger))
	}
	if cfg.Health == nil {
		cfg.Health = health.NewMonitor()
	}
	if cfg.DefaultLimits.MaxMemoryBytes == 0 && cfg.DefaultLimits.Timeout == 0 {
		cfg.DefaultLimits = sandbox.DefaultLimits()
	}

	k := &Kernel{
		plugins:  make(map[string]*Instance),
		failed:   make(map[string]error),
		paths:    cfg.Paths,
		logger:   cfg.Logger,
		bus:      cfg.Bus,
		health:   cfg.Health,
		defaults: cfg.DefaultLimits,
	}
	k.registry = registry.NewRegistry(k.pluginEnabled,
		registry.WithBus(k.bus),
		registry.WithRecorder(k.health),
		registry.WithLogger(cfg.Logger),
	)
	return k
}

// pluginEnabled is the registry's enabled-gate.
func (k *Kernel) pluginEnabled(pluginID string) bool {
	k.mu.RLock()
	inst, ok := k.plugins[pluginID]
	k.mu.RUnlock()
	return ok && inst.State().Active()
}

// Discover scans the plugin paths for candidate bundles. Contents are not
// validated; a candidate only proves a manifest and an entry point exist.
func (k *Kernel) Discover() ([]Candidate, error) {
	return discover(k.paths)
}

// Load brings one plugin to the enabled state. Calling it for an already
// loaded id returns the cached instance without re-executing plugin code.
func (k *Kernel) Load(ctx context.Context, id string) (*Instance, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if inst, ok := k.plugins[id]; ok {
		return inst, nil
	}
	delete(k.failed, id)

	inst, err := k.loadLocked(ctx, id)
	if err != nil {
		k.failed[id] = err
		k.health.RecordLoadFailure(id)
		k.bus.Publish(event.New(event.TypePluginError, id, map[string]any{
			"error": err.Error(),
		}))
		return nil, err
	}

	k.plugins[id] = inst
	k.health.RecordLoadSuccess(id)
	k.bus.Publish(event.New(event.TypePluginRegistered, id, map[string]any{
		"version":      inst.manifest.Version,
		"capabilities": inst.Registered(),
	}))
	return inst, nil
}

// loadLocked runs the load pipeline: locate bundle, validate manifest, check
// dependencies, execute registration in a fresh sandbox, commit capabilities.
// Caller holds k.mu.
func (k *Kernel) loadLocked(ctx context.Context, id string) (*Instance, error) {
	bundle, found, err := findCandidate(k.paths, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("plugin %q: %w", id, ErrPluginNotFound)
	}

	inst := &Instance{bundle: bundle, state: StateDiscovered}

	raw, err := os.ReadFile(bundle.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("plugin %q: read manifest: %w", id, err)
	}
	m, err := manifest.Parse(raw, id)
	if err != nil {
		return nil, fmt.Errorf("plugin %q: %w", id, err)
	}
	inst.manifest = m
	if err := inst.transition(StateValidated); err != nil {
		return nil, err
	}

	if missing := k.missingDepsLocked(m); len(missing) > 0 {
		return nil, &DependencyError{PluginID: id, Missing: missing}
	}
	if err := inst.transition(StateDepsOK); err != nil {
		return nil, err
	}

	s, err := k.newSandbox(m)
	if err != nil {
		return nil, &LoadError{PluginID: id, Err: err}
	}
	staged, err := k.runRegistration(ctx, s, m, bundle.EntryPath)
	if err != nil {
		s.Close()
		return nil, &LoadError{PluginID: id, Err: err}
	}
	inst.sandbox = s
	if err := inst.transition(StateLoaded); err != nil {
		s.Close()
		return nil, err
	}

	k.commitCapabilities(inst, staged)
	inst.hasShutdown = s.HasGlobalFunction(shutdownGlobal)
	inst.loadedAt = time.Now()
	if err := inst.transition(StateEnabled); err != nil {
		s.Close()
		return nil, err
	}

	k.logger.Info().
		Str("plugin", id).
		Str("version", m.Version).
		Int("capabilities", len(staged)).
		Msg("plugin loaded")
	return inst, nil
}

// missingDepsLocked collects every declared dependency that is not currently
// enabled. All missing ids are reported together. Caller holds k.mu.
func (k *Kernel) missingDepsLocked(m *manifest.Manifest) []string {
	var missing []string
	for _, dep := range m.Dependencies {
		inst, ok := k.plugins[dep]
		if !ok || !inst.State().Active() {
			missing = append(missing, dep)
		}
	}
	sort.Strings(missing)
	return missing
}

// newSandbox builds a fresh isolated state from the manifest's sandbox
// config, falling back to kernel defaults where it is silent.
func (k *Kernel) newSandbox(m *manifest.Manifest) (*sandbox.State, error) {
	limits := k.defaults
	if m.Sandbox.MaxMemoryBytes > 0 {
		limits.MaxMemoryBytes = m.Sandbox.MaxMemoryBytes
	}
	if m.Sandbox.TimeoutSeconds > 0 {
		limits.Timeout = time.Duration(m.Sandbox.TimeoutSeconds) * time.Second
	}
	return sandbox.NewState(
		sandbox.WithLimits(limits),
		sandbox.WithAllowedModules(m.Sandbox.AllowedModules...),
	)
}

// runRegistration executes the entry script and its register() function
// against the restricted API, returning the staged capability registrations.
func (k *Kernel) runRegistration(ctx context.Context, s *sandbox.State, m *manifest.Manifest, entryPath string) ([]stagedCapability, error) {
	if err := s.DoFile(ctx, entryPath); err != nil {
		return nil, err
	}
	if !s.HasGlobalFunction(registerGlobal) {
		return nil, ErrNoEntryPoint
	}

	api := k.newAPI(s, m)
	if _, err := s.CallGlobal(ctx, registerGlobal, api.table()); err != nil {
		return nil, err
	}
	return api.staged, nil
}

// commitCapabilities registers the staged bindings. Called only after the
// registration call returned without error, so a failed load never leaves the
// registry half-registered.
func (k *Kernel) commitCapabilities(inst *Instance, staged []stagedCapability) {
	registered := make([]string, 0, len(staged))
	for _, sc := range staged {
		if err := k.registry.Register(inst.manifest.ID, sc.desc, luaHandler(inst.sandbox, sc.handler)); err != nil {
			k.logger.Warn().Err(err).Str("capability", sc.desc.ID).Msg("capability registration skipped")
			continue
		}
		registered = append(registered, sc.desc.ID)
	}
	inst.registered = registered

	// A mismatch against the manifest is a warning, not a failure.
	// Unregistered declared capabilities fail at execution time instead.
	if declared := inst.manifest.CapabilityIDs(); len(registered) != len(declared) {
		k.logger.Warn().
			Str("plugin", inst.manifest.ID).
			Strs("declared", declared).
			Strs("registered", registered).
			Msg("registered capabilities do not match manifest")
	}
}

// Unload invokes the plugin's optional shutdown hook, removes its capability
// bindings, and drops the instance. Cleanup is best-effort: a failing
// shutdown hook is logged and does not prevent removal.
func (k *Kernel) Unload(ctx context.Context, id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	inst, ok := k.plugins[id]
	if !ok {
		return fmt.Errorf("plugin %q: %w", id, ErrPluginNotFound)
	}

	if inst.hasShutdown {
		if _, err := inst.sandbox.CallGlobal(ctx, shutdownGlobal); err != nil {
			k.logger.Warn().Err(err).Str("plugin", id).Msg("shutdown hook failed")
		}
	}

	removed := k.registry.RemovePlugin(id)
	inst.sandbox.Close()
	delete(k.plugins, id)
	k.health.Forget(id)

	k.bus.Publish(event.New(event.TypePluginUnloaded, id, map[string]any{
		"capabilities_removed": removed,
	}))
	k.logger.Info().Str("plugin", id).Int("capabilities", removed).Msg("plugin unloaded")
	return nil
}

// Enable re-activates a disabled plugin without re-running registration.
// Enabling an already-enabled plugin is a no-op.
func (k *Kernel) Enable(id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	inst, ok := k.plugins[id]
	if !ok {
		return fmt.Errorf("plugin %q: %w", id, ErrPluginNotFound)
	}
	if inst.State() == StateEnabled {
		return nil
	}
	if err := inst.transition(StateEnabled); err != nil {
		return err
	}
	k.bus.Publish(event.New(event.TypePluginEnabled, id, nil))
	return nil
}

// Disable deactivates a plugin. Its capabilities stay registered but are
// rejected at execution time until it is enabled again. Disabling an
// already-disabled plugin is a no-op.
func (k *Kernel) Disable(id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	inst, ok := k.plugins[id]
	if !ok {
		return fmt.Errorf("plugin %q: %w", id, ErrPluginNotFound)
	}
	if inst.State() == StateDisabled {
		return nil
	}
	if err := inst.transition(StateDisabled); err != nil {
		return err
	}
	k.bus.Publish(event.New(event.TypePluginDisabled, id, nil))
	return nil
}

// Execute runs a capability by id through the registry.
func (k *Kernel) Execute(ctx context.Context, capabilityID string, params map[string]any) (any, error) {
	return k.registry.Execute(ctx, capabilityID, params)
}

// LoadAll discovers and loads every candidate, retrying dependency failures
// until no further progress is possible so declaration order does not matter.
func (k *Kernel) LoadAll(ctx context.Context) error {
	candidates, err := k.Discover()
	if err != nil {
		return err
	}

	pending := make([]Candidate, len(candidates))
	copy(pending, candidates)
	var failures []error

	for len(pending) > 0 {
		var next []Candidate
		progress := false
		for _, c := range pending {
			_, err := k.Load(ctx, c.ID)
			switch {
			case err == nil:
				progress = true
			case isDependencyError(err):
				next = append(next, c)
			default:
				failures = append(failures, err)
			}
		}
		if !progress {
			for _, c := range next {
				_, err := k.Load(ctx, c.ID)
				if err != nil {
					failures = append(failures, err)
				}
			}
			break
		}
		pending = next
	}
	return errors.Join(failures...)
}

func isDependencyError(err error) bool {
	var de *DependencyError
	return errors.As(err, &de)
}

// Reload unloads (if loaded) and loads a plugin again, picking up changed
// bundle contents.
func (k *Kernel) Reload(ctx context.Context, id string) (*Instance, error) {
	if err := k.Unload(ctx, id); err != nil && !errors.Is(err, ErrPluginNotFound) {
		return nil, err
	}
	return k.Load(ctx, id)
}

// Info is the public snapshot of one plugin.
type Info struct {
	ID           string
	Name         string
	Version      string
	State        State
	Health       health.Status
	Capabilities []string
	Registered   []string
	LoadedAt     time.Time
}

// PluginInfo returns the snapshot for one plugin id. Ids whose last load
// failed report StateError with the stored error.
func (k *Kernel) PluginInfo(id string) (Info, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if inst, ok := k.plugins[id]; ok {
		return k.infoLocked(inst), nil
	}
	if loadErr, ok := k.failed[id]; ok {
		return Info{ID: id, State: StateError, Health: k.health.Get(id)}, loadErr
	}
	return Info{}, fmt.Errorf("plugin %q: %w", id, ErrPluginNotFound)
}

// List returns snapshots of every loaded plugin, sorted by id.
func (k *Kernel) List() []Info {
	k.mu.RLock()
	out := make([]Info, 0, len(k.plugins))
	for _, inst := range k.plugins {
		out = append(out, k.infoLocked(inst))
	}
	k.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (k *Kernel) infoLocked(inst *Instance) Info {
	return Info{
		ID:           inst.manifest.ID,
		Name:         inst.manifest.Name,
		Version:      inst.manifest.Version,
		State:        inst.State(),
		Health:       k.health.Get(inst.manifest.ID),
		Capabilities: inst.manifest.CapabilityIDs(),
		Registered:   inst.Registered(),
		LoadedAt:     inst.LoadedAt(),
	}
}

// ListCapabilities returns every registered capability binding.
func (k *Kernel) ListCapabilities() []registry.Binding {
	return k.registry.List()
}

// Health returns the derived health status for one plugin id.
func (k *Kernel) Health(id string) health.Status {
	return k.health.Get(id)
}

// AllHealth returns the health status of every tracked plugin.
func (k *Kernel) AllHealth() map[string]health.Status {
	return k.health.All()
}

// Subscribe attaches an event handler to the kernel's bus.
func (k *Kernel) Subscribe(t event.Type, handler event.Handler) (*event.Subscription, error) {
	return k.bus.Subscribe(t, handler)
}

// Events returns the kernel's event bus.
func (k *Kernel) Events() *event.Bus {
	return k.bus
}

// Registry returns the capability registry.
func (k *Kernel) Registry() *registry.Registry {
	return k.registry
}

// Close unloads every plugin, newest first.
func (k *Kernel) Close(ctx context.Context) error {
	var failures []error
	for _, info := range k.List() {
		if err := k.Unload(ctx, info.ID); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}
