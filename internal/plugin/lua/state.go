// Package lua provides Lua runtime integration for the plugin runtime.
package lua

import (
	"context"
	"fmt"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// State wraps gopher-lua with the sandbox and prelude used for plugin execution.
//
// IMPORTANT: gopher-lua's LState is not goroutine-safe. The mutex in this
// struct serializes Go-side access; a State is meant to be owned by one
// caller at a time (the plugin arena hands out one State per in-flight call).
type State struct {
	L *lua.LState

	mu sync.Mutex

	sandbox *Sandbox
	bridge  *Bridge

	// Configuration
	capabilities []Capability
	logFunc      func(msg string)

	closed bool
}

// StateOption configures a State.
type StateOption func(*State)

// WithCapabilities grants capabilities to the state's sandbox.
func WithCapabilities(caps ...Capability) StateOption {
	return func(s *State) {
		s.capabilities = append(s.capabilities, caps...)
	}
}

// WithLogFunc sets the sink for plugin.log calls.
func WithLogFunc(fn func(msg string)) StateOption {
	return func(s *State) {
		s.logFunc = fn
	}
}

// NewState creates a new sandboxed Lua state with the prelude module preloaded.
func NewState(opts ...StateOption) (*State, error) {
	state := &State{}

	for _, opt := range opts {
		opt(state)
	}

	// Create Lua state with limited libraries
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // We'll open selectively
	})

	state.L = L
	state.bridge = NewBridge(L)

	openSafeLibraries(L)

	state.sandbox = NewSandbox(L)
	state.sandbox.Install()
	for _, c := range state.capabilities {
		state.sandbox.Grant(c)
	}

	state.installPrelude()

	return state, nil
}

// openSafeLibraries opens only safe Lua standard libraries.
func openSafeLibraries(L *lua.LState) {
	// package must be open for require and PreloadModule
	lua.OpenPackage(L)
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	lua.OpenCoroutine(L)

	// Note: These are intentionally NOT opened:
	// - io (file system access)
	// - os (system calls, execute)
	// - debug (can bypass sandbox)
}

// DoString executes a Lua string.
func (s *State) DoString(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}

	fn, err := s.L.LoadString(code)
	if err != nil {
		return convertError(err)
	}
	_, err = s.pcall(fn, nil)
	return err
}

// Run executes a compiled chunk and returns the values it returned.
func (s *State) Run(proto *lua.FunctionProto) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}

	return s.pcall(s.L.NewFunctionFromProto(proto), nil)
}

// CallMethod calls obj:method(args...) under ctx.
// Cancelling ctx interrupts the running Lua code at its next instruction.
func (s *State) CallMethod(ctx context.Context, obj lua.LValue, method string, args ...lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}

	fn := s.L.GetField(obj, method)
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%w: %q (got %s)", ErrMethodNotFound, method, fn.Type())
	}

	if ctx != nil {
		s.L.SetContext(ctx)
		defer s.L.RemoveContext()
	}

	callArgs := make([]lua.LValue, 0, len(args)+1)
	callArgs = append(callArgs, obj)
	callArgs = append(callArgs, args...)

	rets, err := s.pcall(fn, callArgs)
	if err != nil && ctx != nil && ctx.Err() != nil {
		if rerr, ok := err.(*RuntimeError); ok && rerr.Cause == nil {
			rerr.Cause = ctx.Err()
		}
	}
	return rets, err
}

// pcall calls fn in protected mode and collects every returned value.
// Returns an empty slice (not nil) if the function returns no values.
// Must be called with mu held.
func (s *State) pcall(fn lua.LValue, args []lua.LValue) (results []lua.LValue, err error) {
	// Record stack top before pushing anything
	stackTop := s.L.GetTop()

	defer func() {
		if r := recover(); r != nil {
			s.L.SetTop(stackTop)
			results = nil
			err = panicError(r)
		}
	}()

	s.L.Push(fn)
	for _, arg := range args {
		s.L.Push(arg)
	}

	if callErr := s.L.PCall(len(args), lua.MultRet, nil); callErr != nil {
		s.L.SetTop(stackTop)
		return nil, convertError(callErr)
	}

	// Collect return values (only the new values added after the call)
	nRet := s.L.GetTop() - stackTop
	if nRet <= 0 {
		return []lua.LValue{}, nil
	}
	results = make([]lua.LValue, nRet)
	for i := 0; i < nRet; i++ {
		results[i] = s.L.Get(stackTop + i + 1)
	}
	s.L.Pop(nRet)

	return results, nil
}

// GetGlobal returns a global variable value.
func (s *State) GetGlobal(name string) lua.LValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return lua.LNil
	}

	return s.L.GetGlobal(name)
}

// Globals returns the sorted names of all string-keyed globals.
func (s *State) Globals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	globals, ok := s.L.Get(lua.GlobalsIndex).(*lua.LTable)
	if !ok {
		return nil
	}

	var names []string
	globals.ForEach(func(k, _ lua.LValue) {
		if ks, ok := k.(lua.LString); ok {
			names = append(names, string(ks))
		}
	})
	sort.Strings(names)
	return names
}

// LuaState returns the underlying gopher-lua state.
//
// WARNING: Direct access to LState bypasses the mutex. The caller is
// responsible for ensuring thread-safety.
func (s *State) LuaState() *lua.LState {
	return s.L
}

// Bridge returns the Go-Lua bridge bound to this state.
func (s *State) Bridge() *Bridge {
	return s.bridge
}

// IsClosed returns true if the state has been closed.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases all resources associated with the Lua state.
// After Close is called, all other methods will return ErrStateClosed.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.L.Close()
	s.closed = true
	return nil
}

var (
	builtinsMu    sync.Mutex
	builtinsCache = make(map[string]map[string]bool)
)

// Builtins returns the set of global names a fresh state exposes with the
// given capabilities. The result is cached per capability set and must not
// be modified.
func Builtins(caps ...Capability) map[string]bool {
	keys := make([]string, len(caps))
	for i, c := range caps {
		keys[i] = string(c)
	}
	sort.Strings(keys)
	key := fmt.Sprint(keys)

	builtinsMu.Lock()
	defer builtinsMu.Unlock()

	if set, ok := builtinsCache[key]; ok {
		return set
	}

	set := make(map[string]bool)
	if state, err := NewState(WithCapabilities(caps...)); err == nil {
		for _, name := range state.Globals() {
			set[name] = true
		}
		state.Close()
	}
	builtinsCache[key] = set
	return set
}
