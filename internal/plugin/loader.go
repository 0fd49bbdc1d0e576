package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Entry point file names for directory plugins, in lookup order.
var entryPoints = []string{"init.lua", "plugin.lua"}

// Loader discovers plugin sources on the filesystem.
type Loader struct {
	mu sync.Mutex

	// Search paths for plugins (checked in order)
	paths []string

	// Discovered sources by name
	discovered map[string]*Source
}

// Source is a discovered plugin source file.
type Source struct {
	// Name is derived from the file or directory name. The plugin may
	// declare a different name once compiled.
	Name string

	// Path is the Lua file to compile.
	Path string

	// Err is set when the source could not be used.
	Err error
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithPaths sets the plugin search paths.
func WithPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.paths = paths
	}
}

// NewLoader creates a new plugin loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		paths:      DefaultPluginPaths(),
		discovered: make(map[string]*Source),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// DefaultPluginPaths returns the default plugin search paths.
func DefaultPluginPaths() []string {
	paths := make([]string, 0, 2)

	// User plugins: ~/.config/plugrt/plugins/
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "plugrt", "plugins"))
	}

	// Project plugins: .plugrt/plugins/
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".plugrt", "plugins"))
	}

	return paths
}

// Paths returns the configured search paths.
func (l *Loader) Paths() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.paths...)
}

// AddPath adds a search path.
func (l *Loader) AddPath(path string) {
	l.mu.Lock()
	l.paths = append(l.paths, path)
	l.mu.Unlock()
}

// Discover finds all plugin sources in the search paths.
// When several paths hold the same name the first path wins.
// Returns sources sorted by name.
func (l *Loader) Discover() ([]*Source, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.discovered = make(map[string]*Source)

	for _, basePath := range l.paths {
		if err := l.discoverInPath(basePath); err != nil {
			return nil, fmt.Errorf("discover plugins in %s: %w", basePath, err)
		}
	}

	sources := make([]*Source, 0, len(l.discovered))
	for _, src := range l.discovered {
		sources = append(sources, src)
	}

	sort.Slice(sources, func(i, j int) bool {
		return sources[i].Name < sources[j].Name
	})

	return sources, nil
}

// discoverInPath finds sources in a single directory.
// Must be called with mu held.
func (l *Loader) discoverInPath(basePath string) error {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // Not an error if path doesn't exist
		}
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		var src *Source
		if entry.IsDir() {
			src = inspectDir(name, filepath.Join(basePath, name))
		} else if filepath.Ext(name) == ".lua" {
			src = &Source{
				Name: strings.TrimSuffix(name, ".lua"),
				Path: filepath.Join(basePath, name),
			}
		} else {
			continue
		}

		// Don't override earlier discoveries (first path wins)
		if _, exists := l.discovered[src.Name]; !exists {
			l.discovered[src.Name] = src
		}
	}

	return nil
}

// inspectDir returns the source for a directory plugin.
func inspectDir(name, dir string) *Source {
	for _, entry := range entryPoints {
		path := filepath.Join(dir, entry)
		if st, err := os.Stat(path); err == nil && !st.IsDir() {
			return &Source{Name: name, Path: path}
		}
	}
	return &Source{Name: name, Path: dir, Err: ErrNoEntryPoint}
}

// FindPlugin searches for a plugin source by name across all paths.
// Returns the first match found.
func (l *Loader) FindPlugin(name string) (*Source, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if src, ok := l.discovered[name]; ok && src.Err == nil {
		return src, nil
	}

	for _, basePath := range l.paths {
		dir := filepath.Join(basePath, name)
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			if src := inspectDir(name, dir); src.Err == nil {
				l.discovered[name] = src
				return src, nil
			}
		}

		luaPath := filepath.Join(basePath, name+".lua")
		if st, err := os.Stat(luaPath); err == nil && !st.IsDir() {
			src := &Source{Name: name, Path: luaPath}
			l.discovered[name] = src
			return src, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// ListNames returns the names of all discovered sources.
func (l *Loader) ListNames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	names := make([]string, 0, len(l.discovered))
	for name := range l.discovered {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of discovered sources.
func (l *Loader) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.discovered)
}

// Errors returns the discovered sources that cannot be loaded.
func (l *Loader) Errors() []*Source {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errored []*Source
	for _, src := range l.discovered {
		if src.Err != nil {
			errored = append(errored, src)
		}
	}
	sort.Slice(errored, func(i, j int) bool {
		return errored[i].Name < errored[j].Name
	})
	return errored
}

// nameForPath derives a plugin name from a source path: the file name
// without .lua, or the directory name for an entry point file.
func nameForPath(path string) string {
	base := filepath.Base(path)
	for _, entry := range entryPoints {
		if base == entry {
			return filepath.Base(filepath.Dir(path))
		}
	}
	return strings.TrimSuffix(base, ".lua")
}

// isEntryPoint reports whether path names a directory plugin's entry file.
func isEntryPoint(path string) bool {
	base := filepath.Base(path)
	for _, entry := range entryPoints {
		if base == entry {
			return true
		}
	}
	return false
}
