package plugin

import (
	"context"
	"errors"
	"fmt"

	plua "github.com/dshills/plugrt/internal/plugin/lua"
)

// Instance is a loaded plugin satisfying the plugin contract.
// It is borrowed from its arena and fails with ErrReleased once the arena
// has been released.
type Instance struct {
	arena *Arena
}

// CompilePlugin compiles source and loads it into a fresh arena.
// Compile failures are *CompilationError, contract failures *LoadError.
func CompilePlugin(source, name string, opts ...LoadOption) (*Instance, error) {
	o := defaultLoadOptions()
	for _, opt := range opts {
		opt(&o)
	}

	artifact, err := Compile(source, name, o.Capabilities...)
	if err != nil {
		return nil, err
	}
	return loadArtifact(artifact, opts...)
}

func loadArtifact(artifact *Artifact, opts ...LoadOption) (*Instance, error) {
	// Capabilities are already part of the artifact
	opts = append(opts[:len(opts):len(opts)], func(o *LoadOptions) { o.Capabilities = nil })
	arena, err := NewArena(artifact, opts...)
	if err != nil {
		return nil, err
	}
	return &Instance{arena: arena}, nil
}

// Name returns the name the plugin declares.
func (i *Instance) Name() string {
	return i.arena.name
}

// Version returns the version the plugin declares.
func (i *Instance) Version() string {
	return i.arena.version
}

// Arena returns the isolation unit the instance was loaded into.
func (i *Instance) Arena() *Arena {
	return i.arena
}

// Execute invokes the plugin's execute method with c.
// A nil context is treated as an empty one.
func (i *Instance) Execute(ctx context.Context, c *Context) (*Result, error) {
	if err := i.arena.enter(); err != nil {
		return nil, err
	}
	defer i.arena.exit()

	return i.run(ctx, c)
}

// run performs one call. The caller must hold an arena entry.
func (i *Instance) run(ctx context.Context, c *Context) (*Result, error) {
	if c == nil {
		c = NewContext()
	}
	a := i.arena

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(a.ctx, cancel)
	defer stop()

	sl, err := a.acquire(callCtx)
	if err != nil {
		return nil, err
	}

	healthy := true
	defer func() { a.put(sl, healthy) }()

	rets, err := sl.state.CallMethod(callCtx, sl.obj, "execute", sl.state.NewContextTable(c))
	if err != nil {
		// An interrupted state may hold half-updated plugin globals
		if callCtx.Err() != nil {
			healthy = false
		}
		if a.ctx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %w", ErrReleased, err)
		}
		var rerr *plua.RuntimeError
		if errors.As(err, &rerr) && rerr.Cause == nil && ctx.Err() != nil {
			rerr.Cause = ctx.Err()
		}
		return nil, err
	}

	return resultFromLua(sl.state.Bridge(), rets)
}
