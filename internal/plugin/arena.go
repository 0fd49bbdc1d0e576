package plugin

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	plua "github.com/dshills/plugrt/internal/plugin/lua"
)

// Arena is the isolation unit for one loaded artifact.
//
// It owns a pool of Lua states instantiated from the same artifact, one per
// concurrent call. Releasing the arena cancels every in-flight call and closes
// every state it owns; instances derived from it fail with ErrReleased from
// then on.
type Arena struct {
	id       uuid.UUID
	artifact *Artifact
	logger   *zap.Logger

	name    string
	version string

	// Caps concurrently borrowed states
	sem *semaphore.Weighted

	// Cancelled on Release
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	idle     []*slot
	borrowed int
	inflight int
	quiet    chan struct{} // closed when inflight drops to zero
	detached bool          // no new calls; set when a record retires the arena
	released bool
}

// slot is one instantiated Lua state and the plugin instance inside it.
type slot struct {
	state *plua.State
	obj   lua.LValue
}

// LoadOptions configures how an artifact is instantiated.
type LoadOptions struct {
	// Capabilities granted to the plugin sandbox.
	Capabilities []plua.Capability

	// MaxConcurrency bounds parallel calls into one arena.
	MaxConcurrency int

	// Logger receives plugin.log output and load diagnostics.
	Logger *zap.Logger
}

// LoadOption configures a load.
type LoadOption func(*LoadOptions)

// WithCapabilities grants sandbox capabilities to the plugin.
func WithCapabilities(caps ...plua.Capability) LoadOption {
	return func(o *LoadOptions) {
		o.Capabilities = append(o.Capabilities, caps...)
	}
}

// WithMaxConcurrency bounds the number of parallel calls into one arena.
func WithMaxConcurrency(n int) LoadOption {
	return func(o *LoadOptions) {
		o.MaxConcurrency = n
	}
}

// WithLoadLogger sets the logger used by the arena.
func WithLoadLogger(logger *zap.Logger) LoadOption {
	return func(o *LoadOptions) {
		o.Logger = logger
	}
}

func defaultLoadOptions() LoadOptions {
	return LoadOptions{
		MaxConcurrency: runtime.GOMAXPROCS(0),
		Logger:         zap.NewNop(),
	}
}

// NewArena instantiates artifact and verifies it satisfies the plugin contract.
// Failures are returned as a *LoadError. The artifact's capabilities are
// granted in addition to any given by options.
func NewArena(artifact *Artifact, opts ...LoadOption) (*Arena, error) {
	o := defaultLoadOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 1
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	caps := append(append([]plua.Capability(nil), artifact.Capabilities...), o.Capabilities...)
	ctx, cancel := context.WithCancel(context.Background())

	a := &Arena{
		id:       uuid.New(),
		artifact: &Artifact{Name: artifact.Name, Digest: artifact.Digest, Capabilities: caps, Proto: artifact.Proto},
		logger:   o.Logger.With(zap.String("plugin", artifact.Name)),
		sem:      semaphore.NewWeighted(int64(o.MaxConcurrency)),
		ctx:      ctx,
		cancel:   cancel,
	}

	first, err := a.instantiate()
	if err != nil {
		cancel()
		return nil, err
	}

	a.name, _ = first.state.Bridge().StringField(first.obj, "name")
	a.version, _ = first.state.Bridge().StringField(first.obj, "version")
	a.idle = append(a.idle, first)

	a.logger.Debug("plugin arena created",
		zap.String("arena", a.id.String()),
		zap.String("name", a.name),
		zap.String("version", a.version))

	return a, nil
}

// ID returns the arena's unique identifier.
func (a *Arena) ID() uuid.UUID {
	return a.id
}

// Released reports whether Release has been called.
func (a *Arena) Released() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}

// State returns the arena's lifecycle state.
func (a *Arena) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stateLocked()
}

func (a *Arena) stateLocked() State {
	switch {
	case !a.released && !a.detached:
		return StateLive
	case !a.released, a.borrowed > 0:
		return StateDraining
	default:
		return StateReleased
	}
}

// detach stops the arena from accepting new calls while the calls already
// in flight run to completion. Release must still be called.
func (a *Arena) detach() {
	a.mu.Lock()
	a.detached = true
	a.mu.Unlock()
}

// Release invalidates the arena. It is idempotent.
//
// In-flight calls observe cancellation at their next Lua instruction or
// plugin.sleep and fail with ErrReleased. Idle states are closed at once and
// borrowed states when their call returns.
func (a *Arena) Release() {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return
	}
	a.released = true
	idle := a.idle
	a.idle = nil
	a.mu.Unlock()

	a.cancel()
	for _, sl := range idle {
		sl.state.Close()
	}

	a.logger.Debug("plugin arena released", zap.String("arena", a.id.String()))
}

// Wait blocks until no call is executing in the arena, or ctx is done.
func (a *Arena) Wait(ctx context.Context) error {
	for {
		a.mu.Lock()
		if a.inflight == 0 {
			a.mu.Unlock()
			return nil
		}
		quiet := a.quiet
		a.mu.Unlock()

		select {
		case <-quiet:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// enter registers a call in the arena. It never blocks and fails with
// ErrReleased once the arena is detached or released.
func (a *Arena) enter() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.stateLocked().IsUsable() {
		return ErrReleased
	}
	a.inflight++
	if a.inflight == 1 {
		a.quiet = make(chan struct{})
	}
	return nil
}

// exit ends a call registered with enter.
func (a *Arena) exit() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.inflight--
	if a.inflight == 0 {
		close(a.quiet)
	}
}

// acquire borrows a state, instantiating a new one when none is idle.
func (a *Arena) acquire(ctx context.Context) (*slot, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		if a.Released() {
			return nil, ErrReleased
		}
		return nil, err
	}

	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		a.sem.Release(1)
		return nil, ErrReleased
	}
	a.borrowed++
	if n := len(a.idle); n > 0 {
		sl := a.idle[n-1]
		a.idle = a.idle[:n-1]
		a.mu.Unlock()
		return sl, nil
	}
	a.mu.Unlock()

	sl, err := a.instantiate()
	if err != nil {
		a.put(nil, false)
		return nil, err
	}

	if name, _ := sl.state.Bridge().StringField(sl.obj, "name"); name != a.name {
		a.put(sl, false)
		return nil, &LoadError{
			Plugin:  a.name,
			Message: fmt.Sprintf("new state declared name %q", name),
			Err:     ErrContractViolation,
		}
	}
	return sl, nil
}

// put returns a borrowed state. Unhealthy states and states returned after
// release are closed instead of pooled.
func (a *Arena) put(sl *slot, healthy bool) {
	a.mu.Lock()
	a.borrowed--
	keep := sl != nil && healthy && !a.released
	if keep {
		a.idle = append(a.idle, sl)
	}
	a.mu.Unlock()

	if sl != nil && !keep {
		sl.state.Close()
	}
	a.sem.Release(1)
}

// instantiate creates a sandboxed state, runs the chunk and constructs the
// plugin instance.
func (a *Arena) instantiate() (sl *slot, err error) {
	state, err := plua.NewState(
		plua.WithCapabilities(a.artifact.Capabilities...),
		plua.WithLogFunc(a.logPlugin),
	)
	if err != nil {
		return nil, a.loadError("create state", err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = a.loadError("instantiate", fmt.Errorf("panic: %v", r))
		}
		if err != nil {
			state.Close()
		}
	}()

	baseline := make(map[string]bool)
	for _, name := range state.Globals() {
		baseline[name] = true
	}

	rets, err := state.Run(a.artifact.Proto)
	if err != nil {
		return nil, a.loadError("run chunk", err)
	}

	candidates := a.candidates(state, baseline, rets)
	switch len(candidates) {
	case 0:
		return nil, &LoadError{Plugin: a.artifact.Name, Message: "scan chunk", Err: ErrNoImplementation}
	case 1:
	default:
		labels := make([]string, len(candidates))
		for i, c := range candidates {
			labels[i] = c.label
		}
		return nil, &LoadError{
			Plugin:  a.artifact.Name,
			Message: "candidates " + strings.Join(labels, ", "),
			Err:     ErrAmbiguousImplementation,
		}
	}

	obj, err := a.construct(state, candidates[0])
	if err != nil {
		return nil, err
	}

	b := state.Bridge()
	if _, ok := b.StringField(obj, "name"); !ok {
		return nil, a.contractError("instance has no string field \"name\"")
	}
	if _, ok := b.StringField(obj, "version"); !ok {
		return nil, a.contractError("instance has no string field \"version\"")
	}
	if !b.HasFunc(obj, "execute") {
		return nil, a.contractError("instance has no execute method")
	}

	return &slot{state: state, obj: obj}, nil
}

type candidate struct {
	label string
	value *lua.LTable
}

// candidates returns the tables exposing execute that the chunk introduced,
// either as new globals or as return values.
func (a *Arena) candidates(state *plua.State, baseline map[string]bool, rets []lua.LValue) []candidate {
	b := state.Bridge()
	seen := make(map[*lua.LTable]bool)

	var out []candidate
	for _, name := range state.Globals() {
		if baseline[name] {
			continue
		}
		tbl, ok := state.GetGlobal(name).(*lua.LTable)
		if !ok || seen[tbl] || !b.HasFunc(tbl, "execute") {
			continue
		}
		seen[tbl] = true
		out = append(out, candidate{label: name, value: tbl})
	}

	for i, rv := range rets {
		tbl, ok := rv.(*lua.LTable)
		if !ok || seen[tbl] || !b.HasFunc(tbl, "execute") {
			continue
		}
		seen[tbl] = true
		out = append(out, candidate{label: fmt.Sprintf("<return %d>", i+1), value: tbl})
	}

	return out
}

// construct applies the default construction path: T:new() when T has a new
// function, T itself otherwise.
func (a *Arena) construct(state *plua.State, c candidate) (lua.LValue, error) {
	if !state.Bridge().HasFunc(c.value, "new") {
		return c.value, nil
	}

	rets, err := state.CallMethod(a.ctx, c.value, "new")
	if err != nil {
		return nil, a.loadError("construct "+c.label, err)
	}
	if len(rets) == 0 {
		return nil, a.contractError(c.label + ":new() returned nothing")
	}
	obj, ok := rets[0].(*lua.LTable)
	if !ok {
		return nil, a.contractError(fmt.Sprintf("%s:new() returned %s, want table", c.label, rets[0].Type()))
	}
	return obj, nil
}

func (a *Arena) loadError(msg string, err error) error {
	return &LoadError{Plugin: a.artifact.Name, Message: msg, Err: err}
}

func (a *Arena) contractError(msg string) error {
	return &LoadError{Plugin: a.artifact.Name, Message: msg, Err: ErrContractViolation}
}

func (a *Arena) logPlugin(msg string) {
	a.logger.Info(msg, zap.String("source", "plugin.log"))
}
