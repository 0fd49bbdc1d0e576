package plugin

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

// Info is the metadata tracked for a registered plugin.
type Info struct {
	Name    string
	Version string

	// LoadCount is the number of successful loads since first registration.
	LoadCount int

	// LoadedAt is the time of the most recent successful load.
	LoadedAt time.Time

	// LastExecutedAt is the completion time of the most recent successful
	// invocation. The zero value means never.
	LastExecutedAt time.Time

	Isolated bool
	HandleID string
}

// Executed reports whether the plugin has completed an invocation.
func (i Info) Executed() bool {
	return !i.LastExecutedAt.IsZero()
}

// Record is one registry entry. Records are never mutated once stored;
// every update swaps in a new snapshot.
type Record struct {
	Instance *Instance

	// Handle is nil for non-isolated loads.
	Handle *Arena

	Info Info
}

// live reports whether the record's handle, if any, is still unreleased.
func (r *Record) live() bool {
	return r != nil && (r.Handle == nil || !r.Handle.Released())
}

// Registry maps plugin names to records. It is safe for concurrent use;
// names on different shards never contend.
type Registry struct {
	shards [shardCount]registryShard
	now    func() time.Time
}

type registryShard struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{now: time.Now}
	for i := range r.shards {
		r.shards[i].records = make(map[string]*Record)
	}
	return r
}

func (r *Registry) shard(name string) *registryShard {
	return &r.shards[xxhash.Sum64String(name)%shardCount]
}

// Register stores inst under name. When a live record already exists it is
// replaced: LoadCount is incremented, LoadedAt refreshed, Version taken from
// inst and LastExecutedAt preserved. The previous record is returned so the
// caller can release its handle.
func (r *Registry) Register(name string, inst *Instance, handle *Arena) (prev Record, replaced bool) {
	info := Info{
		Name:      name,
		Version:   inst.Version(),
		LoadCount: 1,
		LoadedAt:  r.now(),
		Isolated:  handle != nil,
	}
	if handle != nil {
		info.HandleID = handle.ID().String()
	}

	s := r.shard(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.records[name]; ok && old.live() {
		info.LoadCount = old.Info.LoadCount + 1
		info.LastExecutedAt = old.Info.LastExecutedAt
		prev, replaced = *old, true
	}

	s.records[name] = &Record{Instance: inst, Handle: handle, Info: info}
	return prev, replaced
}

// Get returns the live record for name.
func (r *Registry) Get(name string) (Record, bool) {
	s := r.shard(name)
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[name]
	if !ok || !rec.live() {
		return Record{}, false
	}
	return *rec, true
}

// Contains reports whether a live record exists for name.
func (r *Registry) Contains(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Remove deletes the record for name and reports whether a live one existed.
// It does not release the record's handle.
func (r *Registry) Remove(name string) bool {
	return r.RemoveFunc(name, nil)
}

// RemoveFunc deletes the record for name and, when it was live, calls fn
// with it before the shard lock is released. Callers use fn to release the
// handle atomically with the removal.
func (r *Registry) RemoveFunc(name string, fn func(Record)) bool {
	s := r.shard(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[name]
	if !ok {
		return false
	}
	delete(s.records, name)

	if !rec.live() {
		return false
	}
	if fn != nil {
		fn(*rec)
	}
	return true
}

// Pin calls fn with the live record for name while holding the shard read
// lock, so the record cannot be replaced or removed while fn runs. fn must
// not block or call back into the registry. Pin reports whether fn was called.
func (r *Registry) Pin(name string, fn func(Record)) bool {
	s := r.shard(name)
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[name]
	if !ok || !rec.live() {
		return false
	}
	fn(*rec)
	return true
}

// Touch advances LastExecutedAt for name to at. It is a no-op when the name
// is absent or at is not after the current value.
func (r *Registry) Touch(name string, at time.Time) bool {
	return r.touch(name, nil, at)
}

// TouchIf is Touch restricted to the record currently holding inst. A call
// that outlived its record (unloaded, or replaced by a reload) leaves the
// record now registered under name untouched.
func (r *Registry) TouchIf(name string, inst *Instance, at time.Time) bool {
	if inst == nil {
		return false
	}
	return r.touch(name, inst, at)
}

func (r *Registry) touch(name string, inst *Instance, at time.Time) bool {
	s := r.shard(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[name]
	if !ok || !rec.live() {
		return false
	}
	if inst != nil && rec.Instance != inst {
		return false
	}
	if !at.After(rec.Info.LastExecutedAt) {
		return true
	}

	next := *rec
	next.Info.LastExecutedAt = at
	s.records[name] = &next
	return true
}

// ListNames returns the names of all live records in sorted order.
func (r *Registry) ListNames() []string {
	var names []string
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for name, rec := range s.records {
			if rec.live() {
				names = append(names, name)
			}
		}
		s.mu.RUnlock()
	}
	sort.Strings(names)
	return names
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, rec := range s.records {
			if rec.live() {
				n++
			}
		}
		s.mu.RUnlock()
	}
	return n
}

// Drain removes every record and returns the live ones.
func (r *Registry) Drain() []Record {
	var out []Record
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for name, rec := range s.records {
			if rec.live() {
				out = append(out, *rec)
			}
			delete(s.records, name)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Info.Name < out[j].Info.Name
	})
	return out
}
