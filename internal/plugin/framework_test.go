package plugin

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestFramework(t *testing.T, opts ...Option) *Framework {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PluginPaths = nil
	cfg.ReloadGrace = time.Second
	cfg.WatchDebounce = 20 * time.Millisecond

	fw := New(append([]Option{WithConfig(cfg)}, opts...)...)
	t.Cleanup(func() { _ = fw.Close() })
	return fw
}

func loadSource(t *testing.T, fw *Framework, source, name string) *Instance {
	t.Helper()
	inst, err := fw.Compile(source, name)
	require.NoError(t, err)
	require.NoError(t, fw.LoadPlugin(inst, true))
	return inst
}

func TestFrameworkEcho(t *testing.T) {
	fw := newTestFramework(t)
	loadSource(t, fw, echoSource, "Echo")

	c := NewContext()
	c.Set("in", "hi")
	res, err := fw.Execute(context.Background(), "Echo", c)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hi!", res.Data)

	info, ok := fw.GetPluginInfo("Echo")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", info.Version)
	assert.Equal(t, 1, info.LoadCount)
	assert.True(t, info.Isolated)
	assert.True(t, info.Executed())
	assert.Equal(t, []string{"Echo"}, fw.GetLoadedPlugins())
}

func TestFrameworkReload(t *testing.T) {
	fw := newTestFramework(t)
	v1 := loadSource(t, fw, versionedSource("V1", "1.0.0"), "V1")

	_, err := fw.Execute(context.Background(), "V1", nil)
	require.NoError(t, err)
	before, _ := fw.GetPluginInfo("V1")

	v2, err := fw.ReloadPlugin(context.Background(), versionedSource("V1", "2.0.0"), "V1")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", v2.Version())

	info, ok := fw.GetPluginInfo("V1")
	require.True(t, ok)
	assert.Equal(t, 2, info.LoadCount)
	assert.Equal(t, "2.0.0", info.Version)
	assert.Equal(t, before.LastExecutedAt, info.LastExecutedAt)
	assert.Equal(t, v2.Arena().ID().String(), info.HandleID)

	assert.True(t, v1.Arena().Released(), "the replaced arena must be released")

	res, err := fw.Execute(context.Background(), "V1", nil)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", res.Data)
}

func TestFrameworkReloadNewName(t *testing.T) {
	fw := newTestFramework(t)

	inst, err := fw.ReloadPlugin(context.Background(), versionedSource("Fresh", "1.0.0"), "Fresh")
	require.NoError(t, err)
	assert.Equal(t, "Fresh", inst.Name())

	info, ok := fw.GetPluginInfo("Fresh")
	require.True(t, ok)
	assert.Equal(t, 1, info.LoadCount)
}

func TestFrameworkFailedReloadKeepsPlugin(t *testing.T) {
	tests := []struct {
		name   string
		source string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "syntax error",
			source: `V1 = {`,
			check: func(t *testing.T, err error) {
				var cerr *CompilationError
				assert.True(t, errors.As(err, &cerr), "error = %v", err)
			},
		},
		{
			name:   "no implementation",
			source: `Nothing = 1`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrNoImplementation)
			},
		},
		{
			name:   "name mismatch",
			source: versionedSource("Other", "9.9.9"),
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrNameMismatch)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fw := newTestFramework(t)
			v1 := loadSource(t, fw, versionedSource("V1", "1.0.0"), "V1")

			_, err := fw.ReloadPlugin(context.Background(), tt.source, "V1")
			require.Error(t, err)
			tt.check(t, err)

			info, ok := fw.GetPluginInfo("V1")
			require.True(t, ok)
			assert.Equal(t, 1, info.LoadCount)
			assert.Equal(t, "1.0.0", info.Version)
			assert.False(t, v1.Arena().Released())
			assert.False(t, fw.IsPluginLoaded("Other"))

			res, err := fw.Execute(context.Background(), "V1", nil)
			require.NoError(t, err)
			assert.Equal(t, "1.0.0", res.Data)
		})
	}
}

func TestFrameworkReloadDrainsInFlight(t *testing.T) {
	fw := newTestFramework(t)
	old := loadSource(t, fw, sleeperSource, "Sleeper")

	c := NewContext()
	c.Set("ms", int64(100))
	done := fw.ExecuteAsync(context.Background(), "Sleeper", c)
	require.Eventually(t, func() bool { return inflight(old.Arena()) == 1 }, 2*time.Second, time.Millisecond)

	_, err := fw.ReloadPlugin(context.Background(), sleeperSource, "Sleeper")
	require.NoError(t, err)

	out := <-done
	require.NoError(t, out.Err, "in-flight call on the replaced arena must complete")
	assert.Equal(t, "slept", out.Result.Message)
	assert.True(t, old.Arena().Released())
}

func TestFrameworkReloadRefusesNewCallsToRetired(t *testing.T) {
	fw := newTestFramework(t)
	old := loadSource(t, fw, sleeperSource, "Sleeper")

	c := NewContext()
	c.Set("ms", int64(200))
	done := fw.ExecuteAsync(context.Background(), "Sleeper", c)
	require.Eventually(t, func() bool { return inflight(old.Arena()) == 1 }, 2*time.Second, time.Millisecond)

	reloaded := make(chan error, 1)
	go func() {
		_, err := fw.ReloadPlugin(context.Background(), sleeperSource, "Sleeper")
		reloaded <- err
	}()
	require.Eventually(t, func() bool { return old.Arena().State() == StateDraining }, 2*time.Second, time.Millisecond)

	_, err := old.Execute(context.Background(), c)
	assert.ErrorIs(t, err, ErrReleased, "a retired arena accepts no new calls")

	require.NoError(t, <-reloaded)
	require.NoError(t, (<-done).Err)
	assert.True(t, old.Arena().Released())
}

func TestFrameworkStaleCallLeavesNewRecordUntouched(t *testing.T) {
	fw := newTestFramework(t)
	first, err := fw.Compile(sleeperSource, "Sleeper")
	require.NoError(t, err)
	t.Cleanup(first.Arena().Release)
	require.NoError(t, fw.LoadPlugin(first, false))

	c := NewContext()
	c.Set("ms", int64(200))
	done := fw.ExecuteAsync(context.Background(), "Sleeper", c)
	require.Eventually(t, func() bool { return inflight(first.Arena()) == 1 }, 2*time.Second, time.Millisecond)

	require.True(t, fw.UnloadPlugin("Sleeper"))
	second, err := fw.Compile(sleeperSource, "Sleeper")
	require.NoError(t, err)
	require.NoError(t, fw.LoadPlugin(second, true))

	out := <-done
	require.NoError(t, out.Err, "the non-isolated call runs to completion")

	info, ok := fw.GetPluginInfo("Sleeper")
	require.True(t, ok)
	assert.Equal(t, 1, info.LoadCount)
	assert.False(t, info.Executed(), "a call from the removed record must not touch its successor")
}

func TestFrameworkReloadedCallLeavesNewRecordUntouched(t *testing.T) {
	fw := newTestFramework(t)
	loadSource(t, fw, sleeperSource, "Sleeper")

	c := NewContext()
	c.Set("ms", int64(100))
	done := fw.ExecuteAsync(context.Background(), "Sleeper", c)
	rec, _ := fw.Registry().Get("Sleeper")
	require.Eventually(t, func() bool { return inflight(rec.Instance.Arena()) == 1 }, 2*time.Second, time.Millisecond)

	_, err := fw.ReloadPlugin(context.Background(), sleeperSource, "Sleeper")
	require.NoError(t, err)
	require.NoError(t, (<-done).Err)

	info, _ := fw.GetPluginInfo("Sleeper")
	assert.Equal(t, 2, info.LoadCount)
	assert.False(t, info.Executed())
}

func TestFrameworkUnload(t *testing.T) {
	fw := newTestFramework(t)
	inst := loadSource(t, fw, echoSource, "Echo")

	require.True(t, fw.UnloadPlugin("Echo"))

	assert.False(t, fw.IsPluginLoaded("Echo"))
	_, ok := fw.GetPluginInfo("Echo")
	assert.False(t, ok)
	assert.Empty(t, fw.GetLoadedPlugins())
	assert.True(t, inst.Arena().Released())

	_, err := inst.Execute(context.Background(), nil)
	assert.ErrorIs(t, err, ErrReleased)

	_, err = fw.Execute(context.Background(), "Echo", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.False(t, fw.UnloadPlugin("Echo"))
}

func TestFrameworkUnloadNonIsolated(t *testing.T) {
	fw := newTestFramework(t)
	inst, err := fw.Compile(echoSource, "Echo")
	require.NoError(t, err)
	t.Cleanup(inst.Arena().Release)

	require.NoError(t, fw.LoadPlugin(inst, false))
	info, _ := fw.GetPluginInfo("Echo")
	assert.False(t, info.Isolated)

	require.True(t, fw.UnloadPlugin("Echo"))
	assert.False(t, inst.Arena().Released(), "non-isolated loads own no handle")

	c := NewContext()
	c.Set("in", "x")
	res, err := inst.Execute(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "x!", res.Data)
}

func TestFrameworkLoadReleasedInstance(t *testing.T) {
	fw := newTestFramework(t)
	inst, err := fw.Compile(echoSource, "Echo")
	require.NoError(t, err)
	inst.Arena().Release()

	err = fw.LoadPlugin(inst, true)
	assert.ErrorIs(t, err, ErrReleased)
	assert.False(t, fw.IsPluginLoaded("Echo"))

	assert.Error(t, fw.LoadPlugin(nil, true))
}

func TestFrameworkExecuteErrors(t *testing.T) {
	fw := newTestFramework(t)
	loadSource(t, fw, echoSource, "Echo")

	tests := []struct {
		name   string
		plugin string
		ctx    *Context
		want   error
	}{
		{"unknown plugin", "Missing", nil, ErrNotFound},
		{"missing key", "Echo", NewContext(), ErrKeyNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := fw.Execute(context.Background(), tt.plugin, tt.ctx)
			assert.Nil(t, res)

			var eerr *ExecutionError
			require.True(t, errors.As(err, &eerr), "error = %v, want *ExecutionError", err)
			assert.Equal(t, tt.plugin, eerr.Plugin)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	info, _ := fw.GetPluginInfo("Echo")
	assert.False(t, info.Executed(), "failed calls must not touch the record")
}

func TestFrameworkFailedResult(t *testing.T) {
	fw := newTestFramework(t)
	src := `
Refuse = { name = "Refuse", version = "1" }
function Refuse:execute(ctx) return plugin.failed("no thanks") end
`
	loadSource(t, fw, src, "Refuse")

	res, err := fw.Execute(context.Background(), "Refuse", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "no thanks", res.Message)

	info, _ := fw.GetPluginInfo("Refuse")
	assert.True(t, info.Executed())
}

func TestFrameworkExecTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PluginPaths = nil
	cfg.ExecTimeout = 50 * time.Millisecond
	fw := New(WithConfig(cfg))
	t.Cleanup(func() { _ = fw.Close() })

	loadSource(t, fw, spinSource, "Spin")

	start := time.Now()
	_, err := fw.Execute(context.Background(), "Spin", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, fw.IsPluginLoaded("Spin"))
}

func TestFrameworkContextIsolation(t *testing.T) {
	fw := newTestFramework(t)
	src := `
Keys = { name = "Keys", version = "1" }
function Keys:execute(ctx)
  local keys = ctx:keys()
  plugin.sleep(1)
  ctx:set("seen", #keys)
  return plugin.successful("keys", { key = keys[1], value = ctx:get(keys[1]) })
end
`
	loadSource(t, fw, src, "Keys")

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%02d", i)
			c := NewContext()
			c.Set(key, int64(i))

			res, err := fw.Execute(context.Background(), "Keys", c)
			if err != nil {
				errs[i] = err
				return
			}
			data := res.Data.(map[string]any)
			if data["key"] != key || data["value"] != int64(i) {
				errs[i] = fmt.Errorf("call %d saw %v", i, data)
				return
			}
			if seen, _ := c.TryGet("seen"); seen != int64(1) {
				errs[i] = fmt.Errorf("call %d saw %v keys", i, seen)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.NoError(t, errs[i])
	}
}

func TestFrameworkConcurrentExecuteAndReload(t *testing.T) {
	fw := newTestFramework(t)
	loadSource(t, fw, versionedSource("V", "0"), "V")

	ctx := context.Background()
	var wg sync.WaitGroup
	stop := make(chan struct{})
	failures := make(chan error, 64)

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				// A call may race a release; anything else is a bug
				if _, err := fw.Execute(ctx, "V", nil); err != nil && !errors.Is(err, ErrReleased) {
					failures <- err
					return
				}
			}
		}()
	}

	for i := 1; i <= 10; i++ {
		_, err := fw.ReloadPlugin(ctx, versionedSource("V", fmt.Sprint(i)), "V")
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
	close(failures)

	for err := range failures {
		t.Errorf("execute failed: %v", err)
	}

	info, _ := fw.GetPluginInfo("V")
	assert.Equal(t, 11, info.LoadCount)
	assert.Equal(t, "10", info.Version)
}

func TestFrameworkEvents(t *testing.T) {
	fw := newTestFramework(t)

	var (
		mu     sync.Mutex
		events []Event
	)
	unsubscribe := fw.Subscribe(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	fw.Subscribe(func(Event) { panic("handler bug") })

	loadSource(t, fw, versionedSource("V", "1"), "V")
	_, err := fw.ReloadPlugin(context.Background(), versionedSource("V", "2"), "V")
	require.NoError(t, err)
	_, err = fw.ReloadPlugin(context.Background(), `V = {`, "V")
	require.Error(t, err)
	fw.UnloadPlugin("V")

	unsubscribe()
	loadSource(t, fw, echoSource, "Echo")

	mu.Lock()
	defer mu.Unlock()
	types := make([]EventType, len(events))
	for i, e := range events {
		types[i] = e.Type
		assert.Equal(t, "V", e.Plugin)
	}
	assert.Equal(t, []EventType{EventLoaded, EventReloaded, EventError, EventUnloaded}, types)
	assert.Error(t, events[2].Error)
}

func TestFrameworkClose(t *testing.T) {
	fw := newTestFramework(t)
	a := loadSource(t, fw, echoSource, "Echo")
	b := loadSource(t, fw, versionedSource("V", "1"), "V")

	require.NoError(t, fw.Close())
	require.NoError(t, fw.Close())

	assert.True(t, a.Arena().Released())
	assert.True(t, b.Arena().Released())
	assert.Empty(t, fw.GetLoadedPlugins())

	inst, err := fw.Compile(echoSource, "Echo")
	require.NoError(t, err)
	t.Cleanup(inst.Arena().Release)
	assert.ErrorIs(t, fw.LoadPlugin(inst, true), ErrClosed)

	_, err = fw.ReloadPlugin(context.Background(), echoSource, "Echo")
	assert.ErrorIs(t, err, ErrClosed)

	_, err = fw.Execute(context.Background(), "Echo", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = fw.Watch(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFrameworkLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "echo.lua"), echoSource)
	writeFile(t, filepath.Join(dir, "complex", "init.lua"), complexSource)
	writeFile(t, filepath.Join(dir, "broken.lua"), `Broken = {`)

	fw := newTestFramework(t)
	err := fw.LoadDir(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	var cerr *CompilationError
	assert.True(t, errors.As(err, &cerr))

	assert.Equal(t, []string{"Complex", "Echo"}, fw.GetLoadedPlugins())

	c := NewContext()
	c.Set("numbers", []any{int64(2), int64(3)})
	res, err := fw.Execute(context.Background(), "Complex", c)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Data.(map[string]any)["sum"])
}

func TestFrameworkLoadAll(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "echo.lua"), echoSource)

	cfg := DefaultConfig()
	cfg.PluginPaths = []string{dir}
	fw := New(WithConfig(cfg))
	t.Cleanup(func() { _ = fw.Close() })

	require.NoError(t, fw.LoadAll(context.Background()))
	assert.True(t, fw.IsPluginLoaded("Echo"))
	assert.Equal(t, 1, fw.Loader().Count())
}

func TestFrameworkLoadFileRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thing.lua")
	fw := newTestFramework(t)

	writeFile(t, path, versionedSource("First", "1"))
	_, err := fw.LoadFile(context.Background(), path)
	require.NoError(t, err)

	writeFile(t, path, versionedSource("Second", "1"))
	_, err = fw.LoadFile(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, []string{"Second"}, fw.GetLoadedPlugins())

	require.True(t, fw.unloadFile(path))
	assert.Empty(t, fw.GetLoadedPlugins())
}

func TestFrameworkTracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	fw := newTestFramework(t, WithTracerProvider(tp))
	loadSource(t, fw, echoSource, "Echo")

	c := NewContext()
	c.Set("in", "hi")
	_, err := fw.Execute(context.Background(), "Echo", c)
	require.NoError(t, err)
	_, err = fw.Execute(context.Background(), "Missing", nil)
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)

	ok := spans[0]
	assert.Equal(t, "plugin.execute", ok.Name())
	attrs := make(map[string]string)
	for _, kv := range ok.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "Echo", attrs["plugin.name"])
	assert.Equal(t, "success", attrs["plugin.status"])

	failed := spans[1]
	assert.Equal(t, "Error", failed.Status().Code.String())
	assert.NotEmpty(t, failed.Events(), "the error must be recorded on the span")
}

func TestFrameworkMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	fw := newTestFramework(t, WithRegisterer(reg))
	m := fw.Metrics()

	loadSource(t, fw, echoSource, "Echo")
	_, err := fw.ReloadPlugin(context.Background(), echoSource, "Echo")
	require.NoError(t, err)

	c := NewContext()
	c.Set("in", "hi")
	_, err = fw.Execute(context.Background(), "Echo", c)
	require.NoError(t, err)
	_, err = fw.Execute(context.Background(), "Echo", nil)
	require.Error(t, err)
	_, err = fw.Execute(context.Background(), "Missing", nil)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("Echo", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("Echo", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("Missing", "not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoadedPlugins))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LifecycleEvents.WithLabelValues("loaded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LifecycleEvents.WithLabelValues("reloaded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CompileCacheTotal.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CompilationsTotal.WithLabelValues("ok")))

	fw.UnloadPlugin("Echo")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LoadedPlugins))
}

type contextNode struct {
	Name string       `json:"name"`
	Next *contextNode `json:"next"`
}

func TestFrameworkCyclicContextValue(t *testing.T) {
	fw := newTestFramework(t)
	loadSource(t, fw, `
Walk = { name = "Walk", version = "1.0.0" }

function Walk:execute(ctx)
  local n = ctx:get("node")
  return plugin.successful(n.name, n.next == nil)
end
`, "Walk")

	n := &contextNode{Name: "head"}
	n.Next = n
	c := NewContext()
	c.Set("node", n)

	res, err := fw.Execute(context.Background(), "Walk", c)
	require.NoError(t, err)
	assert.Equal(t, "head", res.Message)
	assert.Equal(t, true, res.Data)
}
