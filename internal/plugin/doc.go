// Package plugin provides a dynamic Lua plugin runtime.
//
// The runtime compiles plugin source at runtime, loads the compiled chunk into
// an isolated arena of Lua states, keeps loaded plugins in a concurrent
// registry, executes them against per-call contexts, and supports hot reload
// and unload with resource release.
//
// # Architecture
//
// The package is organized into these components:
//
//   - Compiler: Wraps source with the plugin prelude, parses it, rejects reads
//     of undefined globals and emits gopher-lua bytecode (Artifact)
//   - Arena: The isolation unit. Owns every Lua state created from one
//     artifact and invalidates all of them on Release
//   - Instance: The loaded object satisfying the plugin contract
//   - Registry: Sharded map from plugin name to Record (instance, handle, Info)
//   - Framework: Load, execute, reload, unload, discovery and file watching
//
// # Plugin Contract
//
// A plugin is a Lua table with string fields name and version and an execute
// method. The chunk either assigns it to a global or returns it:
//
//	Echo = { name = "Echo", version = "1.0.0" }
//
//	function Echo:execute(ctx)
//	    return plugin.successful("ok", ctx:get("in") .. "!")
//	end
//
// If the table has a new method, the instance is the table returned by
// T:new(). Exactly one such table may be defined per chunk.
//
// The plugin module is always in scope and provides:
//
//	plugin.successful(message?, data?)  -- success result
//	plugin.failed(message)              -- failure result
//	plugin.sleep(ms)                    -- suspend this call only
//	plugin.log(message)                 -- write to the host logger
//
// The context table passed to execute supports ctx:get(key), ctx:try_get(key),
// ctx:set(key, value) and ctx:keys().
//
// # Usage
//
// Compile and run a plugin:
//
//	fw := plugin.New(plugin.WithLogger(logger))
//	defer fw.Close()
//
//	inst, err := plugin.CompilePlugin(source, "Echo")
//	if err != nil {
//	    return err // *CompilationError or *LoadError
//	}
//	if err := fw.LoadPlugin(inst, true); err != nil {
//	    return err
//	}
//
//	c := plugin.NewContext()
//	c.Set("in", "hi")
//	res, err := fw.Execute(ctx, "Echo", c) // res.Data == "hi!"
//
// Hot reload keeps the plugin's identity and history:
//
//	_, err = fw.ReloadPlugin(ctx, newSource, "Echo")
//	info, _ := fw.GetPluginInfo("Echo") // info.LoadCount == 2
//
// # Isolation
//
// Each concurrent call borrows its own Lua state from the plugin's arena, so
// calls never share a context table. Releasing an arena cancels its in-flight
// calls and makes every later call fail with ErrReleased. Unload releases the
// arena inside the registry's critical section; reload releases the previous
// arena after the new one is registered and the old calls drain.
//
// # Thread Safety
//
// Framework, Registry, Arena and Context are safe for concurrent use.
package plugin
