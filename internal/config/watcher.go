package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/syncbridge/core/internal/logging"
)

const defaultWatchDebounce = 750 * time.Millisecond

// Watcher watches a single file (typically a SourceConfig field-mapping
// policy file) and debounces change notifications, invoking a generic
// reload callback rather than one hardcoded runtime-config cache.
type Watcher struct {
	path     string
	reload   func(context.Context) error
	logger   logging.Logger
	debounce time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	fsw      *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// WatcherOption customizes a Watcher.
type WatcherOption func(*Watcher)

// WithWatchDebounce overrides the default 750ms debounce window.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets the logger used for watcher diagnostics.
func WithWatchLogger(logger logging.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logging.OrNop(logger) }
}

// NewWatcher builds a Watcher for path, calling reload (debounced)
// whenever the file changes.
func NewWatcher(path string, reload func(context.Context) error, opts ...WatcherOption) (*Watcher, error) {
	if reload == nil {
		return nil, fmt.Errorf("config: watcher reload function required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve watch path: %w", err)
	}
	w := &Watcher{
		path:     filepath.Clean(abs),
		reload:   reload,
		logger:   logging.OrNop(nil),
		debounce: defaultWatchDebounce,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching the file in the background. Stops automatically
// when ctx is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.fsw != nil {
		w.mu.Unlock()
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("config: new fsnotify watcher: %w", err)
	}
	w.fsw = fsw
	w.mu.Unlock()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		w.mu.Lock()
		w.fsw = nil
		w.mu.Unlock()
		return fmt.Errorf("config: watch %s: %w", w.path, err)
	}

	go w.watchLoop()
	if ctx != nil {
		go func() {
			<-ctx.Done()
			w.Stop()
		}()
	}
	return nil
}

// Stop terminates the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		if w.fsw != nil {
			_ = w.fsw.Close()
		}
		w.mu.Unlock()
	})
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config: watcher error for %s: %v", w.path, err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	w.scheduleReload()
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		if err := w.reload(context.Background()); err != nil {
			w.logger.Warn("config: reload failed for %s: %v", w.path, err)
		}
	})
}
