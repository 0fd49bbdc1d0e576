package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherClosed is returned when adding paths to a closed watcher.
var ErrWatcherClosed = errors.New("plugin watcher closed")

// Watcher keeps a framework in sync with plugin files on disk.
// Writing a plugin file reloads it; removing it unloads the plugin.
type Watcher struct {
	mu sync.Mutex

	fw      *Framework
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	// Events for one path within this window are coalesced
	debounce time.Duration

	// Watched plugin roots; subdirectories are watched for entry points only
	roots  map[string]bool
	timers map[string]*time.Timer

	ctx context.Context

	// Lifecycle
	closed   bool
	closeCh  chan struct{}
	loopDone chan struct{} // nil until start
	closedWg sync.WaitGroup // in-flight syncs

	finishOnce sync.Once
	finishErr  error
}

func newWatcher(fw *Framework, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		fw:       fw,
		watcher:  fsw,
		logger:   fw.logger,
		debounce: debounce,
		roots:    make(map[string]bool),
		timers:   make(map[string]*time.Timer),
		ctx:      context.Background(),
		closeCh:  make(chan struct{}),
	}, nil
}

// Add watches a plugin directory and its immediate subdirectories.
func (w *Watcher) Add(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}

	st, err := os.Stat(abs)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return &os.PathError{Op: "watch", Path: abs, Err: errors.New("not a directory")}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWatcherClosed
	}

	if err := w.watcher.Add(abs); err != nil {
		return err
	}
	w.roots[abs] = true

	entries, err := os.ReadDir(abs)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if err := w.watcher.Add(filepath.Join(abs, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// start begins processing events until ctx is done or Close is called.
func (w *Watcher) start(ctx context.Context) {
	w.mu.Lock()
	w.ctx = ctx
	w.loopDone = make(chan struct{})
	w.mu.Unlock()

	go w.processLoop(ctx)
}

// Close stops the watcher and waits for pending reloads to finish.
func (w *Watcher) Close() error {
	w.stop()

	w.mu.Lock()
	loopDone := w.loopDone
	w.mu.Unlock()
	if loopDone != nil {
		<-loopDone
	}
	return w.finish()
}

// stop refuses further syncs and cancels pending debounce timers.
func (w *Watcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	close(w.closeCh)
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

// finish waits for in-flight syncs, closes the fsnotify watcher and detaches
// the watcher from its framework. It runs once.
func (w *Watcher) finish() error {
	w.finishOnce.Do(func() {
		w.closedWg.Wait()
		w.finishErr = w.watcher.Close()
		w.fw.dropWatcher(w)
	})
	return w.finishErr
}

// processLoop handles incoming fsnotify events. A done ctx shuts the
// watcher down as Close would.
func (w *Watcher) processLoop(ctx context.Context) {
	defer close(w.loopDone)

	for {
		select {
		case <-w.closeCh:
			return

		case <-ctx.Done():
			w.stop()
			if err := w.finish(); err != nil {
				w.logger.Warn("plugin watcher close failed", zap.Error(err))
			}
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(ev)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("plugin watcher error", zap.Error(err))
		}
	}
}

// handleFSEvent schedules a sync for plugin files touched by ev.
func (w *Watcher) handleFSEvent(ev fsnotify.Event) {
	path := ev.Name

	// A new plugin directory: watch it and pick up an entry point already inside
	if ev.Op.Has(fsnotify.Create) {
		if st, err := os.Stat(path); err == nil && st.IsDir() {
			if w.isRoot(filepath.Dir(path)) {
				if err := w.watcher.Add(path); err != nil {
					w.logger.Warn("plugin watcher add failed", zap.String("path", path), zap.Error(err))
				}
				if src := inspectDir(filepath.Base(path), path); src.Err == nil {
					w.schedule(src.Path)
				}
			}
			return
		}
	}

	if filepath.Ext(path) != ".lua" {
		return
	}
	if !w.isRoot(filepath.Dir(path)) && !isEntryPoint(path) {
		return
	}

	if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) ||
		ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
		w.schedule(path)
	}
}

func (w *Watcher) isRoot(dir string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.roots[dir]
}

// schedule syncs path once no further events arrive within the debounce window.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() { w.sync(path) })
}

// sync loads path if it exists and unloads its plugin otherwise.
func (w *Watcher) sync(path string) {
	w.mu.Lock()
	delete(w.timers, path)
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closedWg.Add(1)
	ctx := w.ctx
	w.mu.Unlock()
	defer w.closedWg.Done()

	if _, err := os.Stat(path); err != nil {
		if w.fw.unloadFile(path) {
			w.logger.Info("plugin file removed", zap.String("path", path))
		}
		return
	}

	if _, err := w.fw.LoadFile(ctx, path); err != nil {
		w.logger.Warn("plugin reload failed", zap.String("path", path), zap.Error(err))
		return
	}
	w.logger.Info("plugin file reloaded", zap.String("path", path))
}
