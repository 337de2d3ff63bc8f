package sandbox

import (
	lua "github.com/yuin/gopher-lua"
)

// Guard restricts a Lua state to an explicit module allow-list. It removes
// the load-from-anywhere escape hatches and replaces require with a version
// that only resolves built-in safe modules and modules the manifest allowed.
type Guard struct {
	L *lua.LState

	// Modules the plugin may require beyond the built-in safe set.
	allowed map[string]bool

	// Last denied module, consumed by the State after a failed execution.
	violation string
}

// safeModules are the gopher-lua built-ins that carry no ambient authority.
var safeModules = map[string]bool{
	"string": true,
	"table":  true,
	"math":   true,
}

// NewGuard creates a guard for the Lua state with the given allow-list.
func NewGuard(L *lua.LState, allowed []string) *Guard {
	g := &Guard{
		L:       L,
		allowed: make(map[string]bool, len(allowed)),
	}
	for _, name := range allowed {
		g.allowed[name] = true
	}
	return g
}

// Install applies the restrictions to the state. Must be called once, before
// any plugin code runs.
func (g *Guard) Install() {
	// Remove functions that load and execute arbitrary code.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		g.L.SetGlobal(name, lua.LNil)
	}

	g.installSafeRequire()
}

// installSafeRequire replaces require with an allow-list version and clears
// the package search paths so nothing can be resolved from disk.
func (g *Guard) installSafeRequire() {
	pkg := g.L.GetGlobal("package")
	if pkgTable, ok := pkg.(*lua.LTable); ok {
		g.L.SetField(pkgTable, "path", lua.LString(""))
		g.L.SetField(pkgTable, "cpath", lua.LString(""))

		// Drop anything already in package.loaded that is not safe.
		loaded := g.L.GetField(pkgTable, "loaded")
		if loadedTbl, ok := loaded.(*lua.LTable); ok {
			keepLoaded := map[string]bool{
				"_G": true, "package": true,
				"string": true, "table": true, "math": true,
			}
			var drop []string
			loadedTbl.ForEach(func(k, _ lua.LValue) {
				if ks, ok := k.(lua.LString); ok && !keepLoaded[string(ks)] {
					drop = append(drop, string(ks))
				}
			})
			for _, key := range drop {
				loadedTbl.RawSetString(key, lua.LNil)
			}
		}
	}

	originalRequire := g.L.GetGlobal("require")

	g.L.SetGlobal("require", g.L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)

		if safeModules[modName] || g.allowed[modName] {
			L.Push(originalRequire)
			L.Push(lua.LString(modName))
			L.Call(1, 1)
			return 1
		}

		// Record the denial so the Go side can classify the failure.
		// RaiseError does a longjmp; nothing after it runs.
		g.violation = modName
		L.RaiseError("module %q is outside the allow-list", modName)
		return 0
	}))
}

// Allowed returns true if the module may be required.
func (g *Guard) Allowed(module string) bool {
	return safeModules[module] || g.allowed[module]
}

// TakeViolation returns the last denied module, if any, and clears it.
func (g *Guard) TakeViolation() (string, bool) {
	if g.violation == "" {
		return "", false
	}
	mod := g.violation
	g.violation = ""
	return mod, true
}
