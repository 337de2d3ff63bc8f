// Package sandbox is the isolation boundary between untrusted plugin code
// and the host process. Each plugin load gets a fresh Lua state restricted to
// an explicit module allow-list and bounded by the limits its manifest
// declared; nothing leaks between plugins. Reaching outside the allow-list
// surfaces as a Violation, exceeding a bound as a LimitError, and the kernel
// treats both as fatal for the load attempt.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// State is a single plugin's sandboxed Lua runtime.
//
// gopher-lua's LState is not goroutine-safe; all execution on a State is
// serialized through its mutex. Wall-clock bounds are enforced by attaching a
// deadline context to the LState for the duration of each execution, and the
// memory bound through the registry ceiling set at construction.
type State struct {
	mu sync.Mutex

	L      *lua.LState
	guard  *Guard
	bridge *Bridge

	limits Limits
	closed bool
}

// StateOption configures a State.
type StateOption func(*stateConfig)

type stateConfig struct {
	limits  Limits
	allowed []string
}

// WithLimits sets the resource bounds for the state.
func WithLimits(limits Limits) StateOption {
	return func(c *stateConfig) {
		if limits.MaxMemoryBytes > 0 {
			c.limits.MaxMemoryBytes = limits.MaxMemoryBytes
		}
		if limits.Timeout > 0 {
			c.limits.Timeout = limits.Timeout
		}
	}
}

// WithAllowedModules sets the modules plugin code may require beyond the
// built-in safe set.
func WithAllowedModules(modules ...string) StateOption {
	return func(c *stateConfig) {
		c.allowed = append(c.allowed, modules...)
	}
}

// NewState creates a fresh sandboxed Lua state.
func NewState(opts ...StateOption) (*State, error) {
	cfg := stateConfig{limits: DefaultLimits()}
	for _, opt := range opts {
		opt(&cfg)
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs:    true,
		RegistryMaxSize: registrySlots(cfg.limits.MaxMemoryBytes),
	})

	if err := openSafeLibraries(L); err != nil {
		L.Close()
		return nil, err
	}

	s := &State{
		L:      L,
		limits: cfg.limits,
	}
	s.guard = NewGuard(L, cfg.allowed)
	s.guard.Install()
	s.bridge = NewBridge(L)

	return s, nil
}

// openSafeLibraries opens only the Lua standard libraries that carry no
// ambient authority, plus the package library so require exists for the
// guard to wrap.
func openSafeLibraries(L *lua.LState) error {
	libs := []struct {
		name string
		open lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			return fmt.Errorf("open library %s: %w", lib.name, err)
		}
	}
	// io, os, debug are intentionally never opened.
	return nil
}

// Limits returns the bounds this state enforces.
func (s *State) Limits() Limits {
	return s.limits
}

// Bridge returns the Lua-Go value bridge for this state.
func (s *State) Bridge() *Bridge {
	return s.bridge
}

// PreloadModule makes a host-provided module resolvable via require under
// the given name. The name must also be on the allow-list for plugin code to
// reach it.
func (s *State) PreloadModule(name string, loader lua.LGFunction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.L.PreloadModule(name, loader)
}

// DoFile executes a Lua file under the state's wall-clock bound.
func (s *State) DoFile(ctx context.Context, path string) error {
	return s.run(ctx, func() error {
		return s.L.DoFile(path)
	})
}

// DoString executes Lua source under the state's wall-clock bound.
func (s *State) DoString(ctx context.Context, code string) error {
	return s.run(ctx, func() error {
		return s.L.DoString(code)
	})
}

// CallGlobal calls a global Lua function by name, returning its results.
func (s *State) CallGlobal(ctx context.Context, name string, args ...lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}

	fn := s.L.GetGlobal(name)
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("global %q is not a function", name)
	}
	return s.callLocked(ctx, true, fn.(*lua.LFunction), args...)
}

// CallValue calls a Lua function value, returning its results. Used for
// invoking capability handlers the plugin registered. The call is bounded by
// the caller's context, not the state's wall-clock limit: each capability
// carries its own timeout, which must not be pre-empted by the registration
// bound.
func (s *State) CallValue(ctx context.Context, fn *lua.LFunction, args ...lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}
	return s.callLocked(ctx, false, fn, args...)
}

// HasGlobalFunction reports whether the plugin defined the named global
// function. Optional hooks (e.g. shutdown) are discovered this way rather
// than assumed.
func (s *State) HasGlobalFunction(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	return s.L.GetGlobal(name).Type() == lua.LTFunction
}

// run executes fn with the lock held, the deadline attached, and panic
// recovery, classifying any failure.
func (s *State) run(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}

	execCtx, cancel := s.executionContext(ctx, true)
	defer cancel()
	execCtx, cause := context.WithCancelCause(execCtx)
	defer cause(nil)
	watch := startMemWatch(s.limits.MaxMemoryBytes, cause)
	defer watch.stop()

	s.L.SetContext(execCtx)
	defer s.L.RemoveContext()

	s.guard.TakeViolation() // Discard anything stale from a pcall'd denial
	err := s.recovered(fn)
	return s.classify(execCtx, err)
}

// callLocked calls fn with args. When bounded, the state's wall-clock limit
// applies on top of the caller's context. Caller holds s.mu.
func (s *State) callLocked(ctx context.Context, bounded bool, fn *lua.LFunction, args ...lua.LValue) ([]lua.LValue, error) {
	execCtx, cancel := s.executionContext(ctx, bounded)
	defer cancel()
	execCtx, cause := context.WithCancelCause(execCtx)
	defer cause(nil)
	watch := startMemWatch(s.limits.MaxMemoryBytes, cause)
	defer watch.stop()

	s.L.SetContext(execCtx)
	defer s.L.RemoveContext()

	stackTop := s.L.GetTop()
	s.L.Push(fn)
	for _, arg := range args {
		s.L.Push(arg)
	}

	s.guard.TakeViolation()
	err := s.recovered(func() error {
		return s.L.PCall(len(args), lua.MultRet, nil)
	})
	if err != nil {
		return nil, s.classify(execCtx, err)
	}

	nRet := s.L.GetTop() - stackTop
	if nRet <= 0 {
		return []lua.LValue{}, nil
	}
	results := make([]lua.LValue, nRet)
	for i := 0; i < nRet; i++ {
		results[i] = s.L.Get(stackTop + i + 1)
	}
	s.L.Pop(nRet)

	return results, nil
}

// executionContext derives the per-execution context from the caller's.
// The state's wall-clock limit is stacked only for bounded executions
// (script loads and registration calls); handler calls bring their own
// deadline through ctx.
func (s *State) executionContext(ctx context.Context, bounded bool) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !bounded || s.limits.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.limits.Timeout)
}

// recovered runs fn converting Lua panics into errors.
func (s *State) recovered(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case error:
				err = v
			default:
				err = fmt.Errorf("lua panic: %v", r)
			}
		}
	}()
	return fn()
}

// classify maps a raw execution failure to the boundary's error taxonomy.
func (s *State) classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	if mod, ok := s.guard.TakeViolation(); ok {
		return &Violation{Module: mod}
	}
	if errors.Is(context.Cause(ctx), errMemoryCeiling) {
		return &LimitError{Resource: "memory", Detail: "memory ceiling exceeded"}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &LimitError{Resource: "time", Detail: "wall-clock timeout"}
	}
	if strings.Contains(err.Error(), "registry overflow") {
		return &LimitError{Resource: "memory", Detail: "lua registry ceiling reached"}
	}
	return err
}

// IsClosed returns true if the state has been closed.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the Lua state. Further calls return ErrStateClosed.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.L.Close()
	s.closed = true
}
