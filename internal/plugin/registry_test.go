package plugin

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry() (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRegistry()
	r.now = clock.Now
	return r, clock
}

func TestRegistryRegister(t *testing.T) {
	r, clock := newTestRegistry()
	v1 := mustCompile(t, versionedSource("V", "1.0.0"), "V")

	_, replaced := r.Register("V", v1, v1.Arena())
	assert.False(t, replaced)

	rec, ok := r.Get("V")
	require.True(t, ok)
	assert.Same(t, v1, rec.Instance)
	assert.Same(t, v1.Arena(), rec.Handle)
	assert.Equal(t, Info{
		Name:      "V",
		Version:   "1.0.0",
		LoadCount: 1,
		LoadedAt:  clock.Now(),
		Isolated:  true,
		HandleID:  v1.Arena().ID().String(),
	}, rec.Info)
	assert.False(t, rec.Info.Executed())
}

func TestRegistryReplace(t *testing.T) {
	r, clock := newTestRegistry()
	v1 := mustCompile(t, versionedSource("V", "1.0.0"), "V")
	v2 := mustCompile(t, versionedSource("V", "2.0.0"), "V")

	r.Register("V", v1, v1.Arena())
	clock.Advance(time.Second)
	executed := clock.Now()
	require.True(t, r.Touch("V", executed))

	clock.Advance(time.Second)
	prev, replaced := r.Register("V", v2, v2.Arena())
	require.True(t, replaced)
	assert.Same(t, v1, prev.Instance)

	info, ok := r.Get("V")
	require.True(t, ok)
	assert.Equal(t, 2, info.Info.LoadCount)
	assert.Equal(t, "2.0.0", info.Info.Version)
	assert.Equal(t, clock.Now(), info.Info.LoadedAt)
	assert.Equal(t, executed, info.Info.LastExecutedAt)
	assert.Equal(t, v2.Arena().ID().String(), info.Info.HandleID)
}

func TestRegistryNonIsolated(t *testing.T) {
	r, _ := newTestRegistry()
	inst := mustCompile(t, echoSource, "Echo")

	r.Register("Echo", inst, nil)

	rec, ok := r.Get("Echo")
	require.True(t, ok)
	assert.Nil(t, rec.Handle)
	assert.False(t, rec.Info.Isolated)
	assert.Empty(t, rec.Info.HandleID)
}

func TestRegistryReleasedHandleIsAbsent(t *testing.T) {
	r, _ := newTestRegistry()
	v1 := mustCompile(t, versionedSource("V", "1.0.0"), "V")
	r.Register("V", v1, v1.Arena())

	v1.Arena().Release()

	assert.False(t, r.Contains("V"))
	assert.Empty(t, r.ListNames())
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Touch("V", time.Now()))
	assert.False(t, r.Pin("V", func(Record) { t.Error("pinned a released record") }))

	// Registering again starts a fresh history
	v2 := mustCompile(t, versionedSource("V", "2.0.0"), "V")
	_, replaced := r.Register("V", v2, v2.Arena())
	assert.False(t, replaced)
	rec, ok := r.Get("V")
	require.True(t, ok)
	assert.Equal(t, 1, rec.Info.LoadCount)
}

func TestRegistryRemove(t *testing.T) {
	r, _ := newTestRegistry()
	inst := mustCompile(t, echoSource, "Echo")
	r.Register("Echo", inst, inst.Arena())

	var got Record
	removed := r.RemoveFunc("Echo", func(rec Record) {
		got = rec
		rec.Handle.Release()
	})
	require.True(t, removed)
	assert.Same(t, inst, got.Instance)
	assert.True(t, inst.Arena().Released())

	assert.False(t, r.Contains("Echo"))
	assert.False(t, r.Remove("Echo"))
	assert.False(t, r.RemoveFunc("missing", func(Record) { t.Error("called for a missing name") }))
}

func TestRegistryTouch(t *testing.T) {
	r, clock := newTestRegistry()
	inst := mustCompile(t, echoSource, "Echo")
	r.Register("Echo", inst, nil)

	later := clock.Now().Add(time.Minute)
	require.True(t, r.Touch("Echo", later))
	require.True(t, r.Touch("Echo", later.Add(-time.Second)))

	rec, _ := r.Get("Echo")
	assert.Equal(t, later, rec.Info.LastExecutedAt)
	assert.True(t, rec.Info.Executed())

	assert.False(t, r.Touch("missing", later))
}

func TestRegistryTouchIf(t *testing.T) {
	r, clock := newTestRegistry()
	v1 := mustCompile(t, versionedSource("V", "1.0.0"), "V")
	v2 := mustCompile(t, versionedSource("V", "2.0.0"), "V")
	r.Register("V", v1, v1.Arena())
	r.Register("V", v2, v2.Arena())

	later := clock.Now().Add(time.Minute)
	assert.False(t, r.TouchIf("V", v1, later), "a replaced instance must not touch")
	assert.False(t, r.TouchIf("V", nil, later))
	rec, _ := r.Get("V")
	assert.False(t, rec.Info.Executed())

	require.True(t, r.TouchIf("V", v2, later))
	rec, _ = r.Get("V")
	assert.Equal(t, later, rec.Info.LastExecutedAt)

	assert.False(t, r.TouchIf("missing", v2, later))
}

func TestRegistryDrain(t *testing.T) {
	r, _ := newTestRegistry()
	for _, name := range []string{"c", "a", "b"} {
		inst := mustCompile(t, versionedSource(name, "1"), name)
		r.Register(name, inst, inst.Arena())
	}

	assert.Equal(t, []string{"a", "b", "c"}, r.ListNames())

	drained := r.Drain()
	require.Len(t, drained, 3)
	assert.Equal(t, "a", drained[0].Info.Name)
	assert.Equal(t, "c", drained[2].Info.Name)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryConcurrent(t *testing.T) {
	r := NewRegistry()
	inst := mustCompile(t, echoSource, "Echo")

	const workers = 8
	const rounds = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			name := fmt.Sprintf("p%d", w)
			for i := 0; i < rounds; i++ {
				r.Register(name, inst, nil)
				r.Register("shared", inst, nil)
				r.Touch("shared", time.Now())
				r.Get("shared")
				r.ListNames()
			}
		}(w)
	}
	wg.Wait()

	rec, ok := r.Get("shared")
	require.True(t, ok)
	assert.Equal(t, workers*rounds, rec.Info.LoadCount)
	for w := 0; w < workers; w++ {
		rec, ok := r.Get(fmt.Sprintf("p%d", w))
		require.True(t, ok)
		assert.Equal(t, rounds, rec.Info.LoadCount)
	}
	assert.Equal(t, workers+1, r.Len())
}

func TestRegistryLoadCountProperty(t *testing.T) {
	inst := mustCompile(t, echoSource, "Echo")

	rapid.Check(t, func(t *rapid.T) {
		r := NewRegistry()
		names := rapid.SliceOfN(rapid.SampledFrom([]string{"a", "b", "c", "d"}), 1, 40).Draw(t, "names")
		touches := rapid.SliceOfN(rapid.Int64Range(0, 1000), len(names), len(names)).Draw(t, "touches")

		want := make(map[string]int)
		lastTouch := make(map[string]int64)
		base := time.Unix(0, 0)

		for i, name := range names {
			r.Register(name, inst, nil)
			want[name]++

			r.Touch(name, base.Add(time.Duration(touches[i])))
			if touches[i] > lastTouch[name] {
				lastTouch[name] = touches[i]
			}

			rec, ok := r.Get(name)
			if !ok {
				t.Fatalf("%s missing after register", name)
			}
			if rec.Info.LoadCount != want[name] {
				t.Fatalf("%s LoadCount = %d, want %d", name, rec.Info.LoadCount, want[name])
			}
			if wantAt := base.Add(time.Duration(lastTouch[name])); lastTouch[name] > 0 && !rec.Info.LastExecutedAt.Equal(wantAt) {
				t.Fatalf("%s LastExecutedAt = %v, want %v", name, rec.Info.LastExecutedAt, wantAt)
			}
		}

		if r.Len() != len(want) {
			t.Fatalf("Len() = %d, want %d", r.Len(), len(want))
		}
	})
}
