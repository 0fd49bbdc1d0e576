// Package lua provides the Lua runtime integration for the plugin runtime.
//
// This package wraps the gopher-lua library to provide:
//   - Sandboxed Lua state management
//   - Go-Lua type conversion bridge
//   - The "plugin" prelude module available to every plugin
//   - Context tables that expose a per-call key/value bag to Lua
//   - A semantic pass over parsed chunks (undefined globals)
//
// # State
//
// The State type manages a sandboxed Lua runtime:
//
//	state, err := lua.NewState(lua.WithCapabilities(lua.CapabilityEnv))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer state.Close()
//
//	rets, err := state.Run(proto)
//
// # Sandbox
//
// The Sandbox restricts Lua code execution by:
//   - Removing dangerous functions (dofile, loadfile, load)
//   - Opening io/os only when a capability is granted
//   - Allowing require only for the prelude and whitelisted modules
//
// # Prelude
//
// Every state preloads the "plugin" module. Compiled chunks start with
//
//	local plugin = require("plugin");
//
// which gives plugin code plugin.successful, plugin.failed, plugin.sleep and
// plugin.log.
//
// # Errors raised from Go
//
// Go functions exposed to Lua raise errors with RaiseError so the original Go
// error survives the Lua call boundary and can be recovered with errors.Is and
// errors.As on the returned *RuntimeError.
package lua
