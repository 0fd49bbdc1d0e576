package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	plua "github.com/dshills/plugrt/internal/plugin/lua"
)

const tracerName = "github.com/dshills/plugrt/internal/plugin"

// Framework compiles, loads, executes, reloads and unloads plugins.
// It is safe for concurrent use.
type Framework struct {
	mu sync.RWMutex

	// Set by Close; guarded by mu
	closed bool

	// Event handlers (protected by mu)
	eventHandlers []EventHandler

	// Watchers started by Watch (protected by mu)
	watchers []*Watcher

	// Plugin names by source file
	srcMu   sync.Mutex
	sources map[string]string

	// Configuration
	config         Config
	logger         *zap.Logger
	registerer     prometheus.Registerer
	tracerProvider trace.TracerProvider

	registry *Registry
	compiler *Compiler
	engine   *engine
	loader   *Loader
	metrics  *Metrics
}

// Config configures a framework.
type Config struct {
	// PluginPaths are directories searched by LoadAll
	PluginPaths []string

	// Capabilities granted to every plugin sandbox
	Capabilities []plua.Capability

	// MaxConcurrency bounds parallel calls into one plugin and parallel loads
	MaxConcurrency int

	// ExecTimeout bounds each execution; zero disables the deadline
	ExecTimeout time.Duration

	// ReloadGrace is how long a replaced arena may finish in-flight calls
	ReloadGrace time.Duration

	// CacheSize is the number of compiled artifacts kept; zero disables caching
	CacheSize int

	// WatchDebounce coalesces file events per path
	WatchDebounce time.Duration
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		PluginPaths:    DefaultPluginPaths(),
		MaxConcurrency: runtime.GOMAXPROCS(0),
		ReloadGrace:    5 * time.Second,
		CacheSize:      128,
		WatchDebounce:  100 * time.Millisecond,
	}
}

// Option configures a Framework.
type Option func(*Framework)

// WithConfig replaces the framework configuration.
func WithConfig(config Config) Option {
	return func(f *Framework) {
		f.config = config
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Framework) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithRegisterer registers the framework metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(f *Framework) {
		f.registerer = reg
	}
}

// WithTracerProvider sets the provider for execution spans. The default is
// the global otel provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(f *Framework) {
		f.tracerProvider = tp
	}
}

// EventHandler handles framework events.
// Handlers must be non-blocking and should not call back into the Framework
// to avoid deadlocks. Panics in handlers are recovered.
type EventHandler func(event Event)

// Event represents a plugin lifecycle event.
type Event struct {
	Type   EventType
	Plugin string
	Error  error
}

// EventType is the type of lifecycle event.
type EventType int

const (
	// EventLoaded is emitted when a plugin is registered under a new name.
	EventLoaded EventType = iota
	// EventReloaded is emitted when a registered plugin is replaced.
	EventReloaded
	// EventUnloaded is emitted when a plugin is removed.
	EventUnloaded
	// EventError is emitted when a compile, load or reload fails.
	EventError
)

// String returns a string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventLoaded:
		return "loaded"
	case EventReloaded:
		return "reloaded"
	case EventUnloaded:
		return "unloaded"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// New creates a framework.
func New(opts ...Option) *Framework {
	f := &Framework{
		config:  DefaultConfig(),
		logger:  zap.NewNop(),
		sources: make(map[string]string),
	}
	for _, opt := range opts {
		opt(f)
	}

	if f.config.MaxConcurrency <= 0 {
		f.config.MaxConcurrency = 1
	}
	if f.tracerProvider == nil {
		f.tracerProvider = otel.GetTracerProvider()
	}

	f.metrics = NewMetrics(f.registerer)
	f.registry = NewRegistry()
	f.compiler = NewCompiler(f.config.CacheSize, f.metrics, f.logger)
	f.loader = NewLoader(WithPaths(f.config.PluginPaths...))
	f.engine = &engine{
		registry: f.registry,
		logger:   f.logger,
		metrics:  f.metrics,
		tracer:   f.tracerProvider.Tracer(tracerName),
		timeout:  f.config.ExecTimeout,
	}

	return f
}

// Compile compiles source with the framework's cache and capabilities and
// loads it into a fresh arena. The instance is not registered.
func (f *Framework) Compile(source, name string) (*Instance, error) {
	artifact, err := f.compiler.Compile(source, name, f.config.Capabilities...)
	if err != nil {
		return nil, err
	}
	return loadArtifact(artifact,
		WithMaxConcurrency(f.config.MaxConcurrency),
		WithLoadLogger(f.logger))
}

// LoadPlugin registers inst under its declared name. With isolate the record
// owns inst's arena and unloading releases it; otherwise the record carries
// no handle. A previously registered isolated plugin of the same name is
// released once its in-flight calls drain.
func (f *Framework) LoadPlugin(inst *Instance, isolate bool) error {
	if inst == nil {
		return &LoadError{Message: "nil instance", Err: ErrContractViolation}
	}

	replaced, err := f.install(context.Background(), inst, isolate)
	if err != nil {
		f.emitEvent(Event{Type: EventError, Plugin: inst.Name(), Error: err})
		return err
	}
	f.emitLoaded(inst.Name(), replaced)
	return nil
}

// install registers inst and retires the record it replaces.
func (f *Framework) install(ctx context.Context, inst *Instance, isolate bool) (bool, error) {
	var handle *Arena
	if isolate {
		handle = inst.arena
	}

	// Hold the read lock so Close cannot drain between check and register
	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return false, ErrClosed
	}
	if !inst.arena.State().IsUsable() {
		f.mu.RUnlock()
		return false, &LoadError{Plugin: inst.Name(), Message: "instance arena", Err: ErrReleased}
	}
	prev, replaced := f.registry.Register(inst.Name(), inst, handle)
	f.mu.RUnlock()

	f.metrics.setLoaded(f.registry.Len())

	if replaced {
		f.retire(ctx, prev, inst.arena)
	}
	return replaced, nil
}

// retire releases the handle of a replaced record after its calls drain or
// the reload grace period ends. New calls into it fail from the start.
func (f *Framework) retire(ctx context.Context, prev Record, current *Arena) {
	if prev.Handle == nil || prev.Handle == current {
		return
	}
	prev.Handle.detach()

	if f.config.ReloadGrace > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, f.config.ReloadGrace)
		if err := prev.Handle.Wait(waitCtx); err != nil {
			f.logger.Warn("releasing plugin arena with calls in flight",
				zap.String("plugin", prev.Info.Name),
				zap.String("arena", prev.Handle.ID().String()),
				zap.Error(err))
		}
		cancel()
	}
	prev.Handle.Release()
}

// Execute runs the plugin registered under name with c.
// Every failure is an *ExecutionError; an unknown name wraps ErrNotFound.
func (f *Framework) Execute(ctx context.Context, name string, c *Context) (*Result, error) {
	return f.engine.execute(ctx, name, c)
}

// ExecuteAsync runs Execute in a new goroutine and delivers its outcome on
// the returned channel, which is closed afterwards.
func (f *Framework) ExecuteAsync(ctx context.Context, name string, c *Context) <-chan Outcome {
	return f.engine.executeAsync(ctx, name, c)
}

// UnloadPlugin removes the plugin registered under name and releases its
// arena in the same critical section. It reports whether a plugin was removed.
func (f *Framework) UnloadPlugin(name string) bool {
	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return false
	}
	removed := f.registry.RemoveFunc(name, func(rec Record) {
		if rec.Handle != nil {
			rec.Handle.Release()
		}
	})
	f.mu.RUnlock()

	if !removed {
		return false
	}

	f.forgetName(name)
	f.metrics.setLoaded(f.registry.Len())
	f.emitEvent(Event{Type: EventUnloaded, Plugin: name})
	return true
}

// ReloadPlugin compiles source and registers it under name, replacing any
// plugin already registered there. The new instance must declare name.
// On any failure the registered plugin, if any, is left untouched.
func (f *Framework) ReloadPlugin(ctx context.Context, source, name string) (*Instance, error) {
	inst, err := f.Compile(source, name)
	if err != nil {
		f.emitEvent(Event{Type: EventError, Plugin: name, Error: err})
		return nil, err
	}

	if inst.Name() != name {
		inst.arena.Release()
		err := &LoadError{
			Plugin:  name,
			Message: fmt.Sprintf("source declares %q", inst.Name()),
			Err:     ErrNameMismatch,
		}
		f.emitEvent(Event{Type: EventError, Plugin: name, Error: err})
		return nil, err
	}

	replaced, err := f.install(ctx, inst, true)
	if err != nil {
		inst.arena.Release()
		return nil, err
	}

	f.emitLoaded(name, replaced)
	return inst, nil
}

// GetPluginInfo returns the metadata for name.
func (f *Framework) GetPluginInfo(name string) (Info, bool) {
	rec, ok := f.registry.Get(name)
	if !ok {
		return Info{}, false
	}
	return rec.Info, true
}

// GetLoadedPlugins returns the names of all loaded plugins in sorted order.
func (f *Framework) GetLoadedPlugins() []string {
	return f.registry.ListNames()
}

// IsPluginLoaded reports whether a plugin is registered under name.
func (f *Framework) IsPluginLoaded(name string) bool {
	return f.registry.Contains(name)
}

// LoadFile compiles the plugin at path and registers it under its declared
// name, replacing any plugin of that name.
func (f *Framework) LoadFile(ctx context.Context, path string) (*Instance, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	hint := nameForPath(abs)
	data, err := os.ReadFile(abs)
	if err != nil {
		f.emitEvent(Event{Type: EventError, Plugin: hint, Error: err})
		return nil, fmt.Errorf("read plugin %q: %w", hint, err)
	}

	inst, err := f.Compile(string(data), hint)
	if err != nil {
		f.emitEvent(Event{Type: EventError, Plugin: hint, Error: err})
		return nil, err
	}

	replaced, err := f.install(ctx, inst, true)
	if err != nil {
		inst.arena.Release()
		return nil, err
	}

	// A rewritten file may declare a new name; drop the old one
	f.srcMu.Lock()
	old, had := f.sources[abs]
	f.sources[abs] = inst.Name()
	f.srcMu.Unlock()
	if had && old != inst.Name() {
		f.UnloadPlugin(old)
	}

	f.emitLoaded(inst.Name(), replaced)
	return inst, nil
}

// unloadFile unloads the plugin last loaded from path.
func (f *Framework) unloadFile(path string) bool {
	f.srcMu.Lock()
	name, ok := f.sources[path]
	delete(f.sources, path)
	f.srcMu.Unlock()

	if !ok {
		return false
	}
	return f.UnloadPlugin(name)
}

// forgetName drops every source mapping to name.
func (f *Framework) forgetName(name string) {
	f.srcMu.Lock()
	defer f.srcMu.Unlock()

	for path, n := range f.sources {
		if n == name {
			delete(f.sources, path)
		}
	}
}

// LoadDir loads every plugin discovered in dir.
func (f *Framework) LoadDir(ctx context.Context, dir string) error {
	sources, err := NewLoader(WithPaths(dir)).Discover()
	if err != nil {
		return err
	}
	return f.loadSources(ctx, sources)
}

// LoadAll loads every plugin discovered in the configured plugin paths.
func (f *Framework) LoadAll(ctx context.Context) error {
	sources, err := f.loader.Discover()
	if err != nil {
		return err
	}
	return f.loadSources(ctx, sources)
}

// loadSources loads sources in parallel and joins their errors.
func (f *Framework) loadSources(ctx context.Context, sources []*Source) error {
	var (
		mu         sync.Mutex
		loadErrors []error
	)
	record := func(name string, err error) {
		mu.Lock()
		loadErrors = append(loadErrors, fmt.Errorf("%s: %w", name, err))
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(f.config.MaxConcurrency)

	for _, src := range sources {
		if src.Err != nil {
			record(src.Name, src.Err)
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				record(src.Name, err)
				return nil
			}
			if _, err := f.LoadFile(ctx, src.Path); err != nil {
				record(src.Name, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(loadErrors) > 0 {
		return fmt.Errorf("failed to load %d plugins: %w", len(loadErrors), errors.Join(loadErrors...))
	}
	return nil
}

// Watch reloads plugins in dirs when their files change and unloads them when
// their files are removed, until ctx is done or the framework is closed.
func (f *Framework) Watch(ctx context.Context, dirs ...string) (*Watcher, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	f.mu.Unlock()

	w, err := newWatcher(f, f.config.WatchDebounce)
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, err
		}
	}

	f.mu.Lock()
	f.watchers = append(f.watchers, w)
	f.mu.Unlock()

	w.start(ctx)
	return w, nil
}

// dropWatcher forgets a watcher that shut itself down.
func (f *Framework) dropWatcher(w *Watcher) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, cur := range f.watchers {
		if cur == w {
			f.watchers = append(f.watchers[:i], f.watchers[i+1:]...)
			return
		}
	}
}

// Close unloads every plugin and releases every arena. It is idempotent;
// afterwards loads fail with ErrClosed.
func (f *Framework) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	watchers := f.watchers
	f.watchers = nil
	f.mu.Unlock()

	var closeErrors []error
	for _, w := range watchers {
		if err := w.Close(); err != nil {
			closeErrors = append(closeErrors, err)
		}
	}

	for _, rec := range f.registry.Drain() {
		if rec.Handle != nil {
			rec.Handle.Release()
		}
		f.emitEvent(Event{Type: EventUnloaded, Plugin: rec.Info.Name})
	}

	f.srcMu.Lock()
	f.sources = make(map[string]string)
	f.srcMu.Unlock()

	f.compiler.Purge()
	f.metrics.setLoaded(0)
	return errors.Join(closeErrors...)
}

// Subscribe adds an event handler.
// Returns an unsubscribe function to remove the handler.
func (f *Framework) Subscribe(handler EventHandler) func() {
	if handler == nil {
		return func() {}
	}

	f.mu.Lock()
	f.eventHandlers = append(f.eventHandlers, handler)
	index := len(f.eventHandlers) - 1
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		// Set to nil instead of removing to avoid index shifting issues
		if index < len(f.eventHandlers) {
			f.eventHandlers[index] = nil
		}
	}
}

// Registry returns the underlying registry.
func (f *Framework) Registry() *Registry {
	return f.registry
}

// Metrics returns the framework's collectors.
func (f *Framework) Metrics() *Metrics {
	return f.metrics
}

// Loader returns the loader for the configured plugin paths.
func (f *Framework) Loader() *Loader {
	return f.loader
}

func (f *Framework) emitLoaded(name string, replaced bool) {
	if replaced {
		f.emitEvent(Event{Type: EventReloaded, Plugin: name})
		return
	}
	f.emitEvent(Event{Type: EventLoaded, Plugin: name})
}

// emitEvent sends an event to all handlers.
// Handlers are called outside any locks and panics are recovered.
func (f *Framework) emitEvent(event Event) {
	f.metrics.lifecycle(event.Type)

	if event.Error != nil {
		f.logger.Warn("plugin "+event.Type.String(),
			zap.String("plugin", event.Plugin),
			zap.Error(event.Error))
	} else {
		f.logger.Info("plugin "+event.Type.String(), zap.String("plugin", event.Plugin))
	}

	// Copy handlers under lock
	f.mu.RLock()
	handlers := make([]EventHandler, len(f.eventHandlers))
	copy(handlers, f.eventHandlers)
	f.mu.RUnlock()

	for _, handler := range handlers {
		if handler == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.logger.Error("plugin event handler panicked",
						zap.String("event", event.Type.String()),
						zap.Any("panic", r))
				}
			}()
			handler(event)
		}()
	}
}
