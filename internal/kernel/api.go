package kernel

import (
	"context"
	"errors"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/pylonhq/pylon/internal/event"
	"github.com/pylonhq/pylon/internal/manifest"
	"github.com/pylonhq/pylon/internal/registry"
	"github.com/pylonhq/pylon/internal/sandbox"
)

// registerGlobal is the entry point every plugin script must define.
const registerGlobal = "register"

// shutdownGlobal is the optional cleanup hook, discovered by lookup.
const shutdownGlobal = "shutdown"

// stagedCapability is a registration made during register(). Nothing reaches
// the registry until the call returns without error, so a failed registration
// commits no capabilities at all.
type stagedCapability struct {
	desc    manifest.Capability
	handler *lua.LFunction
}

// apiBuilder constructs the restricted API table handed to register() and
// collects the registrations it makes.
type apiBuilder struct {
	kernel *Kernel
	m      *manifest.Manifest
	s      *sandbox.State
	staged []stagedCapability
}

func (k *Kernel) newAPI(s *sandbox.State, m *manifest.Manifest) *apiBuilder {
	return &apiBuilder{kernel: k, m: m, s: s}
}

// table builds the API surface: exactly plugin_id, log, report_error, and
// register_capability. Nothing else is reachable through it.
func (b *apiBuilder) table() *lua.LTable {
	L := b.s.L
	t := L.NewTable()
	L.SetField(t, "plugin_id", L.NewFunction(b.pluginID))
	L.SetField(t, "log", L.NewFunction(b.log))
	L.SetField(t, "report_error", L.NewFunction(b.reportError))
	L.SetField(t, "register_capability", L.NewFunction(b.registerCapability))
	return t
}

func (b *apiBuilder) pluginID(L *lua.LState) int {
	L.Push(lua.LString(b.m.ID))
	return 1
}

func (b *apiBuilder) log(L *lua.LState) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)

	logger := b.kernel.logger.With().Str("plugin", b.m.ID).Logger()
	switch strings.ToLower(level) {
	case "debug":
		logger.Debug().Msg(msg)
	case "warn", "warning":
		logger.Warn().Msg(msg)
	case "error":
		logger.Error().Msg(msg)
	default:
		logger.Info().Msg(msg)
	}
	return 0
}

func (b *apiBuilder) reportError(L *lua.LState) int {
	msg := L.CheckString(1)

	b.kernel.logger.Error().Str("plugin", b.m.ID).Msg(msg)
	b.kernel.bus.Publish(event.New(event.TypePluginError, b.m.ID, map[string]any{
		"error": msg,
	}))
	return 0
}

func (b *apiBuilder) registerCapability(L *lua.LState) int {
	id := L.CheckString(1)
	fn := L.CheckFunction(3)
	if id == "" {
		L.ArgError(1, "capability id must not be empty")
		return 0
	}

	desc, declared := b.m.Capability(id)
	if !declared {
		desc = b.capabilityFromTable(id, L.OptTable(2, nil))
	}
	b.staged = append(b.staged, stagedCapability{desc: desc, handler: fn})
	return 0
}

// capabilityFromTable builds a descriptor for a capability the manifest did
// not declare. The mismatch is warned about at commit time; execution-time
// enforcement still applies.
func (b *apiBuilder) capabilityFromTable(id string, t *lua.LTable) manifest.Capability {
	desc := manifest.Capability{
		ID:             id,
		Name:           id,
		Kind:           manifest.KindAction,
		TimeoutSeconds: manifest.DefaultTimeoutSeconds,
		Concurrency:    manifest.ConcurrencyConcurrent,
	}
	if t == nil {
		return desc
	}

	bridge := b.s.Bridge()
	if name, ok := bridge.TableString(t, "name"); ok {
		desc.Name = name
	}
	if description, ok := bridge.TableString(t, "description"); ok {
		desc.Description = description
	}
	if kind, ok := bridge.TableString(t, "kind"); ok {
		desc.Kind = manifest.Kind(kind)
	}
	return desc
}

// luaHandler adapts a registered Lua function into a registry handler. The
// handler follows the Lua convention of returning (result, error_message).
func luaHandler(s *sandbox.State, fn *lua.LFunction) registry.Handler {
	return func(ctx context.Context, _ registry.ExecContext, params map[string]any) (any, error) {
		bridge := s.Bridge()
		rets, err := s.CallValue(ctx, fn, bridge.ToLua(params))
		if err != nil {
			return nil, err
		}
		if len(rets) >= 2 && rets[1] != lua.LNil {
			if msg, ok := rets[1].(lua.LString); ok && msg != "" {
				return nil, errors.New(string(msg))
			}
		}
		if len(rets) == 0 {
			return nil, nil
		}
		return bridge.ToGo(rets[0]), nil
	}
}
