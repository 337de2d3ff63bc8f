package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pylonhq/pylon/internal/event"
	"github.com/pylonhq/pylon/internal/health"
	"github.com/pylonhq/pylon/internal/manifest"
	"github.com/pylonhq/pylon/internal/registry"
	"github.com/pylonhq/pylon/internal/sandbox"
)

func newTestKernel(t *testing.T, root string) *Kernel {
	t.Helper()
	return New(Config{Paths: []string{root}, Logger: zerolog.Nop()})
}

func writeBundle(t *testing.T, root, id, manifestJSON, luaSource string) {
	t.Helper()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir bundle: %v", err)
	}
	if manifestJSON != "" {
		if err := os.WriteFile(filepath.Join(dir, manifestFile), []byte(manifestJSON), 0o644); err != nil {
			t.Fatalf("write manifest: %v", err)
		}
	}
	if luaSource != "" {
		if err := os.WriteFile(filepath.Join(dir, entryFile), []byte(luaSource), 0o644); err != nil {
			t.Fatalf("write entry: %v", err)
		}
	}
}

func simpleManifest(id string) string {
	return fmt.Sprintf(`{
  "id": %q,
  "name": %q,
  "version": "1.0.0",
  "author": "test",
  "capabilities": [
    {"id": "%s.hello", "name": "Hello", "kind": "action", "timeout_seconds": 5}
  ]
}`, id, id, id)
}

func helloLua(id string) string {
	return fmt.Sprintf(`
function register(pylon)
  pylon.register_capability(%q, nil, function(params)
    local name = "world"
    if params ~= nil and params.name ~= nil then
      name = params.name
    end
    return { greeting = "hello " .. name }
  end)
end
`, id+".hello")
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, "greeter", simpleManifest("greeter"), helloLua("greeter"))
	writeBundle(t, root, "calendar", simpleManifest("calendar"), helloLua("calendar"))
	writeBundle(t, root, "broken", simpleManifest("broken"), "") // no entry point

	k := newTestKernel(t, root)
	candidates, err := k.Discover()
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("len(candidates) = %d, want 2", len(candidates))
	}
	if candidates[0].ID != "calendar" || candidates[1].ID != "greeter" {
		t.Errorf("candidates = %v, want sorted [calendar greeter]", candidates)
	}
}

func TestLoadAndExecute(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, "greeter", simpleManifest("greeter"), helloLua("greeter"))
	k := newTestKernel(t, root)

	inst, err := k.Load(context.Background(), "greeter")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if inst.State() != StateEnabled {
		t.Errorf("State() = %v, want enabled", inst.State())
	}
	if got := k.Health("greeter"); got != health.StatusHealthy {
		t.Errorf("Health() = %q, want healthy", got)
	}

	result, err := k.Execute(context.Background(), "greeter.hello", map[string]any{"name": "pylon"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok || m["greeting"] != "hello pylon" {
		t.Errorf("result = %#v, want greeting hello pylon", result)
	}

	events := k.Events().History(event.TypePluginRegistered, 0)
	if len(events) != 1 || events[0].Source != "greeter" {
		t.Errorf("registration events = %v", events)
	}
}

func TestLoadIdempotent(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, "greeter", simpleManifest("greeter"), helloLua("greeter"))
	k := newTestKernel(t, root)

	first, err := k.Load(context.Background(), "greeter")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	second, err := k.Load(context.Background(), "greeter")
	if err != nil {
		t.Fatalf("second Load() error = %v", err)
	}
	if first != second {
		t.Error("second Load() returned a different instance")
	}
	if got := len(k.Events().History(event.TypePluginRegistered, 0)); got != 1 {
		t.Errorf("registration events = %d, want 1 (registration ran once)", got)
	}
}

func TestLoadUnknownPlugin(t *testing.T) {
	k := newTestKernel(t, t.TempDir())

	_, err := k.Load(context.Background(), "ghost")
	if !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("Load(ghost) error = %v, want ErrPluginNotFound", err)
	}
}

func TestLoadManifestIDMismatch(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, "billing", simpleManifest("payments"), helloLua("payments"))
	k := newTestKernel(t, root)

	_, err := k.Load(context.Background(), "billing")
	var ve *manifest.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Load() error = %v, want *manifest.ValidationError", err)
	}
	if len(k.List()) != 0 {
		t.Error("instance created despite validation failure")
	}
	if got := k.Health("billing"); got != health.StatusUnhealthy {
		t.Errorf("Health() = %q, want unhealthy", got)
	}

	info, infoErr := k.PluginInfo("billing")
	if info.State != StateError || infoErr == nil {
		t.Errorf("PluginInfo() = %+v, %v; want error state", info, infoErr)
	}
}

func TestLoadWrongCapabilityPrefix(t *testing.T) {
	root := t.TempDir()
	m := `{
  "id": "billing", "name": "Billing", "version": "1.0.0",
  "capabilities": [
    {"id": "payments.charge", "name": "Charge", "kind": "action", "timeout_seconds": 5}
  ]
}`
	writeBundle(t, root, "billing", m, helloLua("billing"))
	k := newTestKernel(t, root)

	_, err := k.Load(context.Background(), "billing")
	var ve *manifest.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Load() error = %v, want *manifest.ValidationError", err)
	}
	if !strings.Contains(err.Error(), "payments.charge") {
		t.Errorf("error does not name the offending capability: %v", err)
	}
	if len(k.List()) != 0 {
		t.Error("plugin reached loaded despite prefix violation")
	}
}

func TestLoadMissingDependencies(t *testing.T) {
	root := t.TempDir()
	m := `{
  "id": "mail", "name": "Mail", "version": "1.0.0",
  "dependencies": ["core", "util"],
  "capabilities": [
    {"id": "mail.send", "name": "Send", "kind": "action", "timeout_seconds": 5}
  ]
}`
	writeBundle(t, root, "mail", m, helloLua("mail"))
	k := newTestKernel(t, root)

	_, err := k.Load(context.Background(), "mail")
	var de *DependencyError
	if !errors.As(err, &de) {
		t.Fatalf("Load() error = %v, want *DependencyError", err)
	}
	if len(de.Missing) != 2 || de.Missing[0] != "core" || de.Missing[1] != "util" {
		t.Errorf("Missing = %v, want all missing ids collected", de.Missing)
	}
}

func TestLoadIsolationViolation(t *testing.T) {
	root := t.TempDir()
	script := `
local socket = require("socket")
function register(pylon)
end
`
	writeBundle(t, root, "sneaky", simpleManifest("sneaky"), script)
	k := newTestKernel(t, root)

	_, err := k.Load(context.Background(), "sneaky")
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("Load() error = %v, want *LoadError", err)
	}
	var violation *sandbox.Violation
	if !errors.As(err, &violation) {
		t.Fatalf("LoadError does not wrap a sandbox violation: %v", err)
	}
	if violation.Module != "socket" {
		t.Errorf("Module = %q, want socket", violation.Module)
	}
	if got := k.Health("sneaky"); got != health.StatusUnhealthy {
		t.Errorf("Health() = %q, want unhealthy", got)
	}
}

func TestLoadNoRegisterFunction(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, "empty", simpleManifest("empty"), `local x = 1`)
	k := newTestKernel(t, root)

	_, err := k.Load(context.Background(), "empty")
	if !errors.Is(err, ErrNoEntryPoint) {
		t.Errorf("Load() error = %v, want ErrNoEntryPoint", err)
	}
}

func TestRegistrationErrorCommitsNothing(t *testing.T) {
	root := t.TempDir()
	script := `
function register(pylon)
  pylon.register_capability("partial.one", nil, function(params) return 1 end)
  error("registration exploded")
end
`
	writeBundle(t, root, "partial", simpleManifest("partial"), script)
	k := newTestKernel(t, root)

	if _, err := k.Load(context.Background(), "partial"); err == nil {
		t.Fatal("Load() succeeded despite registration error")
	}
	_, err := k.Execute(context.Background(), "partial.one", nil)
	var nf *registry.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("staged capability leaked into the registry: %v", err)
	}
}

func TestDisableEnable(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, "mail", simpleManifest("mail"), helloLua("mail"))
	k := newTestKernel(t, root)
	if _, err := k.Load(context.Background(), "mail"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if err := k.Disable("mail"); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	before := len(k.Events().History(event.TypeCapabilityExecuted, 0))

	_, err := k.Execute(context.Background(), "mail.hello", nil)
	var ue *registry.UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("Execute() error = %v, want *registry.UnavailableError", err)
	}
	if after := len(k.Events().History(event.TypeCapabilityExecuted, 0)); after != before {
		t.Error("blocked execution published an executed event")
	}

	if err := k.Enable("mail"); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if _, err := k.Execute(context.Background(), "mail.hello", nil); err != nil {
		t.Errorf("Execute() after Enable error = %v", err)
	}
}

func TestCapabilityTimeoutOutlivesSandboxClock(t *testing.T) {
	root := t.TempDir()
	m := `{
  "id": "batch", "name": "Batch", "version": "1.0.0",
  "capabilities": [
    {"id": "batch.crunch", "name": "Crunch", "kind": "action", "timeout_seconds": 1}
  ]
}`
	script := `
function register(pylon)
  pylon.register_capability("batch.crunch", nil, function(params)
    while true do end
  end)
end
`
	writeBundle(t, root, "batch", m, script)

	// A sandbox clock far tighter than the capability's own timeout: the
	// handler must still get its full second.
	k := New(Config{
		Paths:         []string{root},
		Logger:        zerolog.Nop(),
		DefaultLimits: sandbox.Limits{Timeout: 200 * time.Millisecond},
	})
	if _, err := k.Load(context.Background(), "batch"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	start := time.Now()
	_, err := k.Execute(context.Background(), "batch.crunch", nil)
	elapsed := time.Since(start)

	var te *registry.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Execute() error = %v, want *registry.TimeoutError", err)
	}
	if te.Timeout != time.Second {
		t.Errorf("Timeout = %v, want 1s", te.Timeout)
	}
	if elapsed < 900*time.Millisecond {
		t.Errorf("timed out after %v; sandbox clock pre-empted the capability timeout", elapsed)
	}
}

func TestEnableDisableIdempotent(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, "mail", simpleManifest("mail"), helloLua("mail"))
	k := newTestKernel(t, root)
	if _, err := k.Load(context.Background(), "mail"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Loading enables the plugin, so a further Enable is a no-op.
	if err := k.Enable("mail"); err != nil {
		t.Fatalf("Enable() on enabled plugin error = %v", err)
	}
	if got := len(k.Events().History(event.TypePluginEnabled, 0)); got != 0 {
		t.Errorf("enabled events after no-op Enable = %d, want 0", got)
	}

	for i := 0; i < 2; i++ {
		if err := k.Disable("mail"); err != nil {
			t.Fatalf("Disable() call %d error = %v", i, err)
		}
	}
	if got := len(k.Events().History(event.TypePluginDisabled, 0)); got != 1 {
		t.Errorf("disabled events after double Disable = %d, want 1", got)
	}

	for i := 0; i < 2; i++ {
		if err := k.Enable("mail"); err != nil {
			t.Fatalf("Enable() call %d error = %v", i, err)
		}
	}
	if got := len(k.Events().History(event.TypePluginEnabled, 0)); got != 1 {
		t.Errorf("enabled events after double Enable = %d, want 1", got)
	}
}

func TestDisableNotLoaded(t *testing.T) {
	k := newTestKernel(t, t.TempDir())
	if err := k.Disable("ghost"); !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("Disable(ghost) error = %v, want ErrPluginNotFound", err)
	}
}

func TestUnload(t *testing.T) {
	root := t.TempDir()
	script := helloLua("mail") + `
function shutdown()
end
`
	writeBundle(t, root, "mail", simpleManifest("mail"), script)
	k := newTestKernel(t, root)
	if _, err := k.Load(context.Background(), "mail"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if err := k.Unload(context.Background(), "mail"); err != nil {
		t.Fatalf("Unload() error = %v", err)
	}

	_, err := k.Execute(context.Background(), "mail.hello", nil)
	var nf *registry.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("Execute() after Unload error = %v, want *registry.NotFoundError", err)
	}
	if got := k.Health("mail"); got != health.StatusUnknown {
		t.Errorf("Health() after Unload = %q, want unknown", got)
	}
	if got := len(k.Events().History(event.TypePluginUnloaded, 0)); got != 1 {
		t.Errorf("unload events = %d, want 1", got)
	}
}

func TestCapabilityMismatchIsWarnOnly(t *testing.T) {
	root := t.TempDir()
	m := `{
  "id": "greeter", "name": "Greeter", "version": "1.0.0",
  "capabilities": [
    {"id": "greeter.hello", "name": "Hello", "kind": "action", "timeout_seconds": 5},
    {"id": "greeter.bye", "name": "Bye", "kind": "action", "timeout_seconds": 5}
  ]
}`
	writeBundle(t, root, "greeter", m, helloLua("greeter"))
	k := newTestKernel(t, root)

	inst, err := k.Load(context.Background(), "greeter")
	if err != nil {
		t.Fatalf("Load() error = %v, mismatch must not fail the load", err)
	}
	if got := inst.Registered(); len(got) != 1 || got[0] != "greeter.hello" {
		t.Errorf("Registered() = %v", got)
	}

	// The declared-but-unregistered capability fails at execution time.
	_, err = k.Execute(context.Background(), "greeter.bye", nil)
	var nf *registry.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("Execute(greeter.bye) error = %v, want *registry.NotFoundError", err)
	}
}

func TestLoadAllResolvesDependencyOrder(t *testing.T) {
	root := t.TempDir()
	// "alpha" sorts before its dependency "zeta"; LoadAll must retry it.
	m := `{
  "id": "alpha", "name": "Alpha", "version": "1.0.0",
  "dependencies": ["zeta"],
  "capabilities": [
    {"id": "alpha.run", "name": "Run", "kind": "action", "timeout_seconds": 5}
  ]
}`
	writeBundle(t, root, "alpha", m, fmt.Sprintf(`
function register(pylon)
  pylon.register_capability(%q, nil, function(params) return true end)
end
`, "alpha.run"))
	writeBundle(t, root, "zeta", simpleManifest("zeta"), helloLua("zeta"))

	k := newTestKernel(t, root)
	if err := k.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if got := len(k.List()); got != 2 {
		t.Errorf("loaded plugins = %d, want 2", got)
	}
}

func TestReloadPicksUpChanges(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, "greeter", simpleManifest("greeter"), helloLua("greeter"))
	k := newTestKernel(t, root)
	if _, err := k.Load(context.Background(), "greeter"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	changed := `
function register(pylon)
  pylon.register_capability("greeter.hello", nil, function(params)
    return { greeting = "changed" }
  end)
end
`
	writeBundle(t, root, "greeter", "", changed)

	if _, err := k.Reload(context.Background(), "greeter"); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	result, err := k.Execute(context.Background(), "greeter.hello", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if m, ok := result.(map[string]any); !ok || m["greeting"] != "changed" {
		t.Errorf("result = %#v, want changed handler output", result)
	}
}

func TestWatcherReloadsChangedBundle(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, "greeter", simpleManifest("greeter"), helloLua("greeter"))
	k := newTestKernel(t, root)
	if _, err := k.Load(context.Background(), "greeter"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	w, err := NewWatcher(k, WithDebounce(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	t.Cleanup(func() { w.Close() })

	changed := `
function register(pylon)
  pylon.register_capability("greeter.hello", nil, function(params)
    return { greeting = "watched" }
  end)
end
`
	writeBundle(t, root, "greeter", "", changed)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		result, err := k.Execute(context.Background(), "greeter.hello", nil)
		if err == nil {
			if m, ok := result.(map[string]any); ok && m["greeting"] == "watched" {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("watcher did not reload the changed bundle")
}

func TestWatcherBundleID(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, "greeter", simpleManifest("greeter"), helloLua("greeter"))
	k := newTestKernel(t, root)

	w, err := NewWatcher(k)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	t.Cleanup(func() { w.Close() })

	id, ok := w.bundleID(filepath.Join(root, "greeter", "main.lua"))
	if !ok || id != "greeter" {
		t.Errorf("bundleID = %q, %v; want greeter", id, ok)
	}
	if _, ok := w.bundleID(filepath.Join(t.TempDir(), "other", "main.lua")); ok {
		t.Error("path outside the roots resolved to a bundle id")
	}
}

func TestCloseUnloadsEverything(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, "greeter", simpleManifest("greeter"), helloLua("greeter"))
	writeBundle(t, root, "mail", simpleManifest("mail"), helloLua("mail"))
	k := newTestKernel(t, root)
	if err := k.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}

	if err := k.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := len(k.List()); got != 0 {
		t.Errorf("plugins after Close = %d, want 0", got)
	}
}
