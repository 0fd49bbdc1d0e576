package plugin

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	plua "github.com/dshills/plugrt/internal/plugin/lua"
)

// Artifact is a compiled plugin chunk. It is immutable and its prototype
// may be instantiated by any number of Lua states.
type Artifact struct {
	// Name is the advisory name given at compile time.
	Name string

	// Digest identifies the wrapped source and capability set.
	Digest string

	// Capabilities the chunk was checked against and will run with.
	Capabilities []plua.Capability

	Proto *lua.FunctionProto
}

// Compile wraps source with the plugin prelude and compiles it.
//
// Syntax errors, undefined global reads and bytecode errors fail with a
// *CompilationError carrying at least one diagnostic. Compile does not check
// the plugin contract; that happens when the artifact is loaded.
func Compile(source, name string, caps ...plua.Capability) (*Artifact, error) {
	chunkName := name
	if chunkName == "" {
		chunkName = "plugin"
	}

	wrapped := plua.Prelude + source

	chunk, err := parse.Parse(strings.NewReader(wrapped), chunkName)
	if err != nil {
		return nil, &CompilationError{
			Plugin:      name,
			Message:     "syntax error",
			Diagnostics: []string{err.Error()},
		}
	}

	if diags := plua.Analyze(chunkName, chunk, plua.Builtins(caps...)); len(diags) > 0 {
		msgs := make([]string, len(diags))
		for i, d := range diags {
			msgs[i] = d.String()
		}
		return nil, &CompilationError{
			Plugin:      name,
			Message:     "semantic error",
			Diagnostics: msgs,
		}
	}

	proto, err := lua.Compile(chunk, chunkName)
	if err != nil {
		return nil, &CompilationError{
			Plugin:      name,
			Message:     "code generation failed",
			Diagnostics: []string{err.Error()},
		}
	}

	return &Artifact{
		Name:         name,
		Digest:       digest(wrapped, caps),
		Capabilities: append([]plua.Capability(nil), caps...),
		Proto:        proto,
	}, nil
}

func digest(wrapped string, caps []plua.Capability) string {
	keys := make([]string, len(caps))
	for i, c := range caps {
		keys[i] = string(c)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(strings.Join(keys, ",")))
	h.Write([]byte{0})
	h.Write([]byte(wrapped))
	return hex.EncodeToString(h.Sum(nil))
}

// Compiler compiles plugin source and caches artifacts by digest.
// Concurrent compiles of identical text share one compilation; failures are
// never cached.
type Compiler struct {
	cache   *lru.Cache[string, *Artifact]
	group   singleflight.Group
	metrics *Metrics
	logger  *zap.Logger
}

// NewCompiler creates a compiler holding up to size artifacts.
// A size of zero or less disables caching.
func NewCompiler(size int, metrics *Metrics, logger *zap.Logger) *Compiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Compiler{metrics: metrics, logger: logger}
	if size > 0 {
		// lru.New only fails for a non-positive size
		c.cache, _ = lru.New[string, *Artifact](size)
	}
	return c
}

// Compile returns the artifact for source, compiling it on a cache miss.
func (c *Compiler) Compile(source, name string, caps ...plua.Capability) (*Artifact, error) {
	key := digest(plua.Prelude+source, caps)

	if c.cache != nil {
		if a, ok := c.cache.Get(key); ok {
			c.metrics.cacheResult("hit")
			return a.withName(name), nil
		}
		c.metrics.cacheResult("miss")
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		start := time.Now()
		a, err := Compile(source, name, caps...)
		c.metrics.observeCompile(err, time.Since(start))
		if err != nil {
			return nil, err
		}
		if c.cache != nil {
			c.cache.Add(key, a)
		}
		c.logger.Debug("plugin compiled",
			zap.String("plugin", name),
			zap.String("digest", a.Digest[:12]),
			zap.Duration("elapsed", time.Since(start)))
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.metrics.cacheResult("shared")
	}
	return v.(*Artifact).withName(name), nil
}

// Len returns the number of cached artifacts.
func (c *Compiler) Len() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.Len()
}

// Purge drops every cached artifact.
func (c *Compiler) Purge() {
	if c.cache != nil {
		c.cache.Purge()
	}
}

func (a *Artifact) withName(name string) *Artifact {
	if a.Name == name {
		return a
	}
	cp := *a
	cp.Name = name
	return &cp
}
