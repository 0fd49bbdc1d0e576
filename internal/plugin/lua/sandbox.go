package lua

import (
	"bufio"
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// Sandbox restricts Lua execution to safe operations.
type Sandbox struct {
	L *lua.LState

	capabilities map[Capability]bool
}

// Capability represents a permission that can be granted to plugins.
type Capability string

// Available capabilities.
const (
	CapabilityFileRead Capability = "filesystem.read"
	CapabilityEnv      Capability = "env"
	CapabilityUnsafe   Capability = "unsafe" // Full Lua stdlib access
)

// ParseCapability converts a configuration string into a Capability.
func ParseCapability(s string) (Capability, bool) {
	switch c := Capability(strings.TrimSpace(s)); c {
	case CapabilityFileRead, CapabilityEnv, CapabilityUnsafe:
		return c, true
	default:
		return "", false
	}
}

// gatedModules maps the modules require only resolves once the named
// capability is granted. Granting injects them as globals.
var gatedModules = map[string]Capability{
	"io":    CapabilityFileRead,
	"os":    CapabilityEnv,
	"debug": CapabilityUnsafe,
}

// Modules require resolves without any capability.
var openModules = map[string]bool{
	"string":      true,
	"table":       true,
	"math":        true,
	"coroutine":   true,
	PreludeModule: true,
}

// Globals that load code from outside the artifact.
var loaderGlobals = []string{"dofile", "loadfile", "load", "loadstring"}

// NewSandbox creates a new sandbox for the Lua state.
func NewSandbox(L *lua.LState) *Sandbox {
	return &Sandbox{
		L:            L,
		capabilities: make(map[Capability]bool),
	}
}

// Install removes the code-loading globals and replaces require.
func (s *Sandbox) Install() {
	for _, name := range loaderGlobals {
		s.L.SetGlobal(name, lua.LNil)
	}
	s.installSafeRequire()
}

// installSafeRequire clears package.path/cpath so nothing can be loaded from
// disk and drops package.loaded entries outside the open set. Only the
// prelude, the open built-in modules and granted capability modules resolve.
func (s *Sandbox) installSafeRequire() {
	if pkg, ok := s.L.GetGlobal("package").(*lua.LTable); ok {
		s.L.SetField(pkg, "path", lua.LString(""))
		s.L.SetField(pkg, "cpath", lua.LString(""))

		if loaded, ok := s.L.GetField(pkg, "loaded").(*lua.LTable); ok {
			var stale []string
			loaded.ForEach(func(k, _ lua.LValue) {
				name := lua.LVAsString(k)
				if name != "_G" && name != "package" && !openModules[name] {
					stale = append(stale, name)
				}
			})
			for _, name := range stale {
				loaded.RawSetString(name, lua.LNil)
			}
		}
	}

	originalRequire := s.L.GetGlobal("require")

	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if openModules[name] {
			L.Push(originalRequire)
			L.Push(lua.LString(name))
			L.Call(1, 1)
			return 1
		}

		need, gated := gatedModules[name]
		if !gated {
			L.RaiseError("module %q is not available", name)
		}
		if err := s.CheckCapability(need); err != nil {
			L.RaiseError("module %q: %s", name, err.Error())
		}
		L.Push(L.GetGlobal(name))
		return 1
	}))
}

// Grant enables a capability and injects the modules it unlocks.
func (s *Sandbox) Grant(cap Capability) {
	s.capabilities[cap] = true

	switch cap {
	case CapabilityFileRead:
		s.injectFileReadAPI()
	case CapabilityEnv:
		s.injectEnvAPI()
	case CapabilityUnsafe:
		lua.OpenIo(s.L)
		lua.OpenOs(s.L)
		lua.OpenDebug(s.L)
	}
}

// HasCapability returns true if the capability is granted.
func (s *Sandbox) HasCapability(cap Capability) bool {
	return s.capabilities[cap]
}

// CheckCapability returns a *CapabilityError unless cap, or the unsafe
// capability that implies every other, is granted.
func (s *Sandbox) CheckCapability(cap Capability) error {
	if s.HasCapability(cap) || s.HasCapability(CapabilityUnsafe) {
		return nil
	}
	return &CapabilityError{Capability: cap}
}

// injectFileReadAPI installs a read-only io module.
func (s *Sandbox) injectFileReadAPI() {
	ioMod := s.L.NewTable()

	// io.read_file(path) -> content | nil, err
	s.L.SetField(ioMod, "read_file", s.L.NewFunction(func(L *lua.LState) int {
		content, err := os.ReadFile(L.CheckString(1))
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LString(content))
		return 1
	}))

	// io.lines(path) -> iterator; the file is read up front
	s.L.SetField(ioMod, "lines", s.L.NewFunction(func(L *lua.LState) int {
		content, err := os.ReadFile(L.CheckString(1))
		if err != nil {
			L.RaiseError("cannot open file: %s", err.Error())
		}

		sc := bufio.NewScanner(strings.NewReader(string(content)))
		L.Push(L.NewFunction(func(L *lua.LState) int {
			if !sc.Scan() {
				return 0
			}
			L.Push(lua.LString(sc.Text()))
			return 1
		}))
		return 1
	}))

	s.L.SetGlobal("io", ioMod)
}

// injectEnvAPI installs an os module limited to getenv.
func (s *Sandbox) injectEnvAPI() {
	osMod := s.L.NewTable()

	s.L.SetField(osMod, "getenv", s.L.NewFunction(func(L *lua.LState) int {
		if value, ok := os.LookupEnv(L.CheckString(1)); ok {
			L.Push(lua.LString(value))
		} else {
			L.Push(lua.LNil)
		}
		return 1
	}))

	s.L.SetGlobal("os", osMod)
}

// CapabilityError is returned when a capability is not granted.
type CapabilityError struct {
	Capability Capability
}

func (e *CapabilityError) Error() string {
	return "capability not granted: " + string(e.Capability)
}
