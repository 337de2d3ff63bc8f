package kernel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ErrWatcherClosed is returned when using a closed watcher.
var ErrWatcherClosed = errors.New("plugin watcher is closed")

// DefaultDebounce is how long the watcher waits after the last change to a
// bundle before reloading it, absorbing editor write bursts.
const DefaultDebounce = 500 * time.Millisecond

// Watcher observes the kernel's plugin paths and reloads bundles whose files
// change. Only already-loaded plugins are reloaded; new bundles still require
// an explicit Load.
type Watcher struct {
	mu sync.Mutex

	kernel   *Kernel
	fsw      *fsnotify.Watcher
	logger   zerolog.Logger
	debounce time.Duration

	// pending maps plugin ids to their debounce timers.
	pending map[string]*time.Timer
	roots   []string

	closed   bool
	closeCh  chan struct{}
	closedWg sync.WaitGroup
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the quiet period before a changed bundle reloads.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatcherLogger sets the watcher logger.
func WithWatcherLogger(logger zerolog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// NewWatcher creates a watcher over the kernel's plugin paths and starts its
// processing loop. Close must be called to release it.
func NewWatcher(k *Kernel, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		kernel:   k,
		fsw:      fsw,
		logger:   zerolog.Nop(),
		debounce: DefaultDebounce,
		pending:  make(map[string]*time.Timer),
		closeCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, base := range k.paths {
		abs, err := filepath.Abs(base)
		if err != nil {
			continue
		}
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		if err := fsw.Add(abs); err != nil {
			fsw.Close()
			return nil, err
		}
		w.roots = append(w.roots, abs)

		// Watch existing bundle directories too; fsnotify is not recursive.
		entries, err := os.ReadDir(abs)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
				_ = fsw.Add(filepath.Join(abs, entry.Name()))
			}
		}
	}

	w.closedWg.Add(1)
	go w.processLoop()
	return w, nil
}

// processLoop handles incoming fsnotify events until Close.
func (w *Watcher) processLoop() {
	defer w.closedWg.Done()

	for {
		select {
		case <-w.closeCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleFSEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("plugin watcher error")
		}
	}
}

// handleFSEvent maps a filesystem event to a plugin id and schedules its
// reload after the debounce window.
func (w *Watcher) handleFSEvent(ev fsnotify.Event) {
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Remove) {
		return
	}

	// A new bundle directory needs its own watch.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(ev.Name)
		}
	}

	id, ok := w.bundleID(ev.Name)
	if !ok {
		return
	}
	w.scheduleReload(id)
}

// bundleID resolves an event path to the plugin id it belongs to: the first
// path segment under a watched root.
func (w *Watcher) bundleID(path string) (string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	for _, root := range w.roots {
		rel, err := filepath.Rel(root, abs)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		id := strings.Split(rel, string(filepath.Separator))[0]
		if id == "" || strings.HasPrefix(id, ".") {
			continue
		}
		return id, true
	}
	return "", false
}

// scheduleReload (re)arms the debounce timer for one plugin id.
func (w *Watcher) scheduleReload(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if timer, ok := w.pending[id]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.pending[id] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, id)
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		w.reload(id)
	})
}

// reload reloads a changed bundle if the plugin is loaded, or retries one
// whose last load failed. Bundles the kernel was never asked to load are
// ignored.
func (w *Watcher) reload(id string) {
	info, err := w.kernel.PluginInfo(id)
	if err != nil && info.State != StateError {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := w.kernel.Reload(ctx, id); err != nil {
		w.logger.Warn().Err(err).Str("plugin", id).Msg("hot reload failed")
		return
	}
	w.logger.Info().Str("plugin", id).Msg("plugin reloaded")
}

// Close stops the watcher and cancels pending reloads.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, timer := range w.pending {
		timer.Stop()
	}
	w.pending = make(map[string]*time.Timer)
	close(w.closeCh)
	w.mu.Unlock()

	w.closedWg.Wait()
	return w.fsw.Close()
}
